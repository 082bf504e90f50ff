package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SenderLink maps a messaging sender to the account that owns its saves.
type SenderLink struct {
	SenderID  string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LinkSender assigns senderID to userID, replacing any earlier link.
func (s *Store) LinkSender(senderID, userID string) error {
	senderID, userID = strings.TrimSpace(senderID), strings.TrimSpace(userID)
	if senderID == "" || userID == "" {
		return errors.New("sender id and user id are required")
	}
	now := s.timestamp()
	_, err := s.db.Exec(`INSERT INTO sender_links (sender_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (sender_id) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at`,
		senderID, userID, now, now)
	return err
}

// UnlinkSender removes the link for senderID.
func (s *Store) UnlinkSender(senderID string) error {
	res, err := s.db.Exec(`DELETE FROM sender_links WHERE sender_id = ?`, senderID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SenderUser returns the user linked to senderID, or ErrNotFound.
func (s *Store) SenderUser(senderID string) (string, error) {
	var userID string
	err := s.db.QueryRow(`SELECT user_id FROM sender_links WHERE sender_id = ?`, senderID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, err
}

func (s *Store) ListSenderLinks() ([]SenderLink, error) {
	rows, err := s.db.Query(`SELECT sender_id, user_id, created_at, updated_at FROM sender_links ORDER BY sender_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []SenderLink
	for rows.Next() {
		var l SenderLink
		var created, updated string
		if err := rows.Scan(&l.SenderID, &l.UserID, &created, &updated); err != nil {
			return nil, err
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339, created)
		l.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		links = append(links, l)
	}
	return links, rows.Err()
}
