package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/bookmarks/internal/bookmark"
)

const postgresOperationTimeout = 5 * time.Second

// NotifyChannel is the channel the bookmarks trigger notifies on.
const NotifyChannel = "bookmark_changes"

// postgresSchema creates the bookmarks table and the trigger that turns
// every row change into a NOTIFY payload:
//
//	{"table": ..., "type": "INSERT|UPDATE|DELETE", "record": ..., "old_record": ...}
const postgresSchema = `
CREATE TABLE IF NOT EXISTS bookmarks (
	seq        BIGSERIAL   NOT NULL,
	id         TEXT        PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	title      TEXT        NOT NULL,
	url        TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bookmarks_user_created
	ON bookmarks (user_id, created_at DESC, seq ASC);

CREATE OR REPLACE FUNCTION bookmarks_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('bookmark_changes', json_build_object(
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE json_build_object('id', OLD.id, 'user_id', OLD.user_id) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS bookmarks_notify ON bookmarks;
CREATE TRIGGER bookmarks_notify
	AFTER INSERT OR UPDATE OR DELETE ON bookmarks
	FOR EACH ROW EXECUTE FUNCTION bookmarks_notify();
`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the Record Store backed by Postgres. The connection and
// schema are set up lazily on first use.
type PostgresStore struct {
	dsn    string
	ids    IDGenerator
	now    func() time.Time
	logger *slog.Logger
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore creates a store for dsn. Only WithIDGenerator, WithNow
// and WithLogger apply.
func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}

	// Reuse the SQLite option set against a scratch Store.
	cfg := &Store{ids: UUIDv7Generator{}, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &PostgresStore{
		dsn:    dsn,
		ids:    cfg.ids,
		now:    cfg.now,
		logger: cfg.logger,
		openDB: sql.Open,
	}, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// FetchAll returns every bookmark owned by ownerID, newest first.
func (p *PostgresStore) FetchAll(ctx context.Context, ownerID string) ([]bookmark.Record, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, title, url, created_at
		FROM bookmarks
		WHERE user_id = $1
		ORDER BY created_at DESC, seq ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query bookmarks: %w", err)
	}
	defer rows.Close()

	records := []bookmark.Record{}
	for rows.Next() {
		var r bookmark.Record
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.URL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return records, nil
}

// Create persists a new bookmark. The trigger announces it on the change
// feed.
func (p *PostgresStore) Create(ctx context.Context, d bookmark.Draft, ownerID string) (bookmark.Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return bookmark.Record{}, fmt.Errorf("create bookmark: owner id is required")
	}
	if err := p.ensureReady(); err != nil {
		return bookmark.Record{}, err
	}

	r := bookmark.Record{
		ID:        p.ids.NewID(),
		OwnerID:   ownerID,
		Title:     d.Title,
		URL:       d.URL,
		CreatedAt: p.now().UTC().Truncate(time.Microsecond),
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookmarks (id, user_id, title, url, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.OwnerID, r.Title, r.URL, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return bookmark.Record{}, fmt.Errorf("create bookmark: duplicate id %s: %w", r.ID, err)
		}
		return bookmark.Record{}, fmt.Errorf("create bookmark: %w", err)
	}
	return r, nil
}

// Delete removes a bookmark owned by ownerID.
// Returns ErrNotFound if it does not exist for that owner.
func (p *PostgresStore) Delete(ctx context.Context, ownerID, id string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("apply postgres schema: %w", err)
			return
		}
		p.db = db
		p.logger.Info("postgres store ready", "channel", NotifyChannel)
	})
	return p.initErr
}
