package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/clipvault/internal/dispatch"
	"github.com/kalambet/clipvault/internal/metrics"
	"github.com/kalambet/clipvault/internal/pipeline"
	"github.com/kalambet/clipvault/internal/storage"
	"golang.org/x/sync/errgroup"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (terminal bool, err error)
	FailJobPermanently(id string, errMsg string) error
	RecoverRunningJobs() (int, error)
}

// JobProcessor runs the enrichment stages for one job.
type JobProcessor interface {
	Process(ctx context.Context, job *storage.Job) (pipeline.Result, error)
}

type Config struct {
	Concurrency  int           // jobs running at once
	RateLimit    int           // job starts per RateWindow
	RateWindow   time.Duration
	PollInterval time.Duration // idle wait between empty claims
}

// Pool processes enrichment jobs from the SQLite job queue with a fixed
// number of workers. Every start goes through one shared StartLimiter, so
// both caps hold for the pool as a whole.
type Pool struct {
	store       JobStore
	proc        JobProcessor
	limiter     *StartLimiter
	concurrency int
	poll        time.Duration
	logger      *slog.Logger
}

// NewPool creates a Pool. Zero config values default to 2 workers, 10 starts
// per minute and a 500ms poll.
func NewPool(store JobStore, proc JobProcessor, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		store:       store,
		proc:        proc,
		limiter:     NewStartLimiter(cfg.RateLimit, cfg.RateWindow),
		concurrency: cfg.Concurrency,
		poll:        cfg.PollInterval,
		logger:      slog.Default(),
	}
}

// Run requeues jobs orphaned by a previous process and then works the queue
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	n, err := p.store.RecoverRunningJobs()
	if err != nil {
		return fmt.Errorf("recovering running jobs: %w", err)
	}
	if n > 0 {
		p.logger.Info("recovered interrupted jobs", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, wait, err := p.next(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", worker, "error", err)
		}
		if done {
			continue
		}

		sleep := p.poll
		if wait > 0 {
			metrics.RateLimited.Inc()
			sleep = wait
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunOnce claims and processes a single enrichment job, subject to the start
// limiter. It returns true if a job was processed, whatever the outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	done, _, err := p.next(ctx)
	return done, err
}

func (p *Pool) next(ctx context.Context) (bool, time.Duration, error) {
	var (
		job      *storage.Job
		claimErr error
	)
	started, wait := p.limiter.Admit(func() bool {
		job, claimErr = p.store.ClaimNextJob([]string{dispatch.JobType})
		return claimErr == nil && job != nil
	})
	if claimErr != nil {
		return false, 0, fmt.Errorf("claiming job: %w", claimErr)
	}
	if !started {
		return false, wait, nil
	}

	p.handle(ctx, job)
	return true, 0, nil
}

func (p *Pool) handle(ctx context.Context, job *storage.Job) {
	log := p.logger.With("job_id", job.ID, "attempt", job.Attempts+1)

	res, err := p.proc.Process(ctx, job)
	if err == nil {
		if err := p.store.CompleteJob(job.ID); err != nil {
			// Left running: recovery requeues it and CreateResource dedups on the job id.
			log.Error("failed to mark job as completed", "error", err)
			return
		}
		metrics.JobsFinished.WithLabelValues("completed").Inc()
		log.Info("job completed", "resource_id", res.ResourceID, "created", res.Created)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the job; it stays running and is requeued on
		// the next start.
		log.Warn("job interrupted by shutdown", "error", err)
		return
	}

	if !pipeline.IsRetryable(err) {
		if ferr := p.store.FailJobPermanently(job.ID, err.Error()); ferr != nil {
			log.Error("failed to mark job as failed", "error", ferr)
			return
		}
		metrics.JobsFinished.WithLabelValues("failed").Inc()
		log.Error("job failed permanently", "error", err)
		return
	}

	terminal, ferr := p.store.FailJob(job.ID, err.Error())
	if ferr != nil {
		log.Error("failed to mark job as failed", "error", ferr)
		return
	}
	if terminal {
		metrics.JobsFinished.WithLabelValues("failed").Inc()
		log.Error("job failed permanently, attempts exhausted", "error", err)
		return
	}
	metrics.JobsFinished.WithLabelValues("retry").Inc()
	log.Warn("job failed, will retry", "error", err)
}
