package pipeline

import (
	"errors"
	"fmt"

	"github.com/kalambet/clipvault/internal/intel"
)

// Stage names one step of the enrichment pipeline.
type Stage string

const (
	StageDecode     Stage = "decode"
	StageTranscribe Stage = "transcribe"
	StageClassify   Stage = "classify"
	StageEmbed      Stage = "embed"
	StageTags       Stage = "tags"
	StagePersist    Stage = "persist"
)

// StageError reports which stage failed and whether the job may be retried.
type StageError struct {
	Stage     Stage
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(stage Stage, err error) error {
	return &StageError{Stage: stage, Retryable: true, Err: err}
}

func terminal(stage Stage, err error) error {
	return &StageError{Stage: stage, Retryable: false, Err: err}
}

// providerFailure classifies an AI provider error: requests the provider
// rejected outright are terminal, everything else is retried.
func providerFailure(stage Stage, err error) error {
	if intel.IsPermanent(err) {
		return terminal(stage, err)
	}
	return retryable(stage, err)
}

// IsRetryable reports whether err allows another attempt. Errors that did not
// come from a stage are treated as retryable.
func IsRetryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return err != nil
}
