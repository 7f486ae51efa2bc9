package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// FetchAll returns every bookmark owned by ownerID, newest first.
// Returns an empty slice (not nil) if the owner has none.
func (s *Store) FetchAll(ctx context.Context, ownerID string) ([]bookmark.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, url, created_at
		FROM bookmarks
		WHERE user_id = ?
		ORDER BY created_at DESC, seq ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query bookmarks: %w", err)
	}
	defer rows.Close()

	records := []bookmark.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return records, nil
}

// Get returns one bookmark owned by ownerID.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, ownerID, id string) (bookmark.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, url, created_at
		FROM bookmarks
		WHERE id = ? AND user_id = ?
	`, id, ownerID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bookmark.Record{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return r, err
}

// Create persists a new bookmark for ownerID and appends an INSERT to the
// change log in the same transaction.
func (s *Store) Create(ctx context.Context, d bookmark.Draft, ownerID string) (bookmark.Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return bookmark.Record{}, fmt.Errorf("create bookmark: owner id is required")
	}

	r := bookmark.Record{
		ID:        s.ids.NewID(),
		OwnerID:   ownerID,
		Title:     d.Title,
		URL:       d.URL,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bookmarks (id, user_id, title, url, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, r.OwnerID, r.Title, r.URL, r.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert bookmark: %w", err)
		}
		return appendChange(ctx, tx, bookmark.KindInsert, r)
	})
	if err != nil {
		return bookmark.Record{}, fmt.Errorf("create bookmark: %w", err)
	}

	s.publish(bookmark.KindInsert, r)
	s.logger.Debug("bookmark created", "id", r.ID, "owner", r.OwnerID)
	return r, nil
}

// Delete removes a bookmark owned by ownerID and appends a DELETE to the
// change log. Returns ErrNotFound if it does not exist for that owner.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	var removed bookmark.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, user_id, title, url, created_at
			FROM bookmarks
			WHERE id = ? AND user_id = ?
		`, id, ownerID)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete bookmark: %w", err)
		}
		removed = r
		return appendChange(ctx, tx, bookmark.KindDelete, r)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	s.publish(bookmark.KindDelete, removed)
	s.logger.Debug("bookmark deleted", "id", id, "owner", ownerID)
	return nil
}

func (s *Store) publish(kind bookmark.Kind, r bookmark.Record) {
	if s.hook == nil {
		return
	}
	s.hook.Publish(Collection, bookmark.Event{
		Kind:   kind,
		Record: r,
		Source: bookmark.SourceChangeFeed,
	})
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, kind bookmark.Kind, r bookmark.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (collection, kind, bookmark_id, user_id, record)
		VALUES (?, ?, ?, ?, ?)
	`, Collection, kind.String(), r.ID, r.OwnerID, string(payload))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (bookmark.Record, error) {
	var (
		r         bookmark.Record
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Title, &r.URL, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookmark.Record{}, err
		}
		return bookmark.Record{}, fmt.Errorf("scan bookmark: %w", err)
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return r, nil
}
