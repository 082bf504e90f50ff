package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeTagName lowercases and trims a tag name.
func NormalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UpsertTag returns the id of the tag (userID, name), creating it if absent.
// Safe to call any number of times with the same arguments.
func (s *Store) UpsertTag(userID, name string) (string, error) {
	name = NormalizeTagName(name)
	if name == "" {
		return "", errors.New("tag name is empty")
	}

	_, err := s.db.Exec(`
		INSERT INTO tags (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO NOTHING`,
		uuid.New().String(), userID, name, s.timestamp(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting tag %q: %w", name, err)
	}

	var id string
	if err := s.db.QueryRow(`SELECT id FROM tags WHERE user_id = ? AND name = ?`, userID, name).Scan(&id); err != nil {
		return "", fmt.Errorf("reading tag %q: %w", name, err)
	}
	return id, nil
}

// ListTags returns all tags owned by userID ordered by name.
func (s *Store) ListTags(userID string) ([]Tag, error) {
	rows, err := s.db.Query(`SELECT id, user_id, name, created_at FROM tags WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		var createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// CreateResource inserts r and links its tags. If a resource with the same
// IdempotencyKey already exists, the existing id is returned, created is
// false, and only missing tag links are added.
func (s *Store) CreateResource(r Resource) (id string, created bool, err error) {
	if r.IdempotencyKey == "" {
		return "", false, errors.New("resource idempotency key is required")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	metadata := r.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("beginning resource transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO resources (id, user_id, idempotency_key, title, description, content_type, raw_text, source_url, category, language, embedding, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		r.ID, r.UserID, r.IdempotencyKey, r.Title, r.Description, r.ContentType, r.RawText,
		r.SourceURL, r.Category, r.Language, encodeFloat32s(r.Embedding), metadata,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", false, fmt.Errorf("inserting resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	id = r.ID
	created = n == 1
	if !created {
		if err := tx.QueryRow(`SELECT id FROM resources WHERE idempotency_key = ?`, r.IdempotencyKey).Scan(&id); err != nil {
			return "", false, fmt.Errorf("reading existing resource: %w", err)
		}
	}

	for _, tagID := range r.TagIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO resource_tags (resource_id, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return "", false, fmt.Errorf("linking tag %s: %w", tagID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing resource: %w", err)
	}
	return id, created, nil
}

func (s *Store) GetResource(id string) (Resource, error) {
	var r Resource
	var createdAt string
	var blob []byte
	err := s.db.QueryRow(`
		SELECT id, user_id, idempotency_key, title, description, content_type, raw_text, source_url, category, language, embedding, metadata_json, created_at
		FROM resources WHERE id = ?`, id,
	).Scan(&r.ID, &r.UserID, &r.IdempotencyKey, &r.Title, &r.Description, &r.ContentType, &r.RawText,
		&r.SourceURL, &r.Category, &r.Language, &blob, &r.MetadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Resource{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.Embedding, err = decodeFloat32s(blob); err != nil {
		return Resource{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT tag_id FROM resource_tags WHERE resource_id = ? ORDER BY tag_id`, id)
	if err != nil {
		return Resource{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return Resource{}, err
		}
		r.TagIDs = append(r.TagIDs, tagID)
	}
	return r, rows.Err()
}

// CountResources returns the number of resources owned by userID.
func (s *Store) CountResources(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM resources WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
