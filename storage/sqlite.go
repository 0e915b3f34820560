package storage

import (
	"context"
	"database/sql"
	"fmt"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite stores state as one row per target in an embedded database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens the database at path and creates the table if needed.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS last_seen (
        target TEXT PRIMARY KEY,
        post_id TEXT NOT NULL,
        updated_at TIMESTAMP
    );`)
	if err != nil {
		return fmt.Errorf("exec migrate: %w", err)
	}
	return nil
}

// Load reads every row. A query failure yields an empty state and a StateIOError.
func (s *SQLite) Load(ctx context.Context) (notifier.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target, post_id, updated_at FROM last_seen`)
	if err != nil {
		return notifier.State{}, &StateIOError{Op: "load", Backend: "sqlite", Err: fmt.Errorf("query state: %w", err)}
	}
	defer rows.Close()

	state := notifier.State{}
	for rows.Next() {
		var target, postID string
		var updated sql.NullTime
		if err := rows.Scan(&target, &postID, &updated); err != nil {
			return notifier.State{}, &StateIOError{Op: "load", Backend: "sqlite", Err: fmt.Errorf("scan state: %w", err)}
		}
		if postID == "" {
			continue
		}
		e := notifier.Entry{LastSeenPostID: postID}
		if updated.Valid {
			e.UpdatedAt = updated.Time
		}
		state[target] = e
	}
	if err := rows.Err(); err != nil {
		return notifier.State{}, &StateIOError{Op: "load", Backend: "sqlite", Err: fmt.Errorf("iterate state: %w", err)}
	}

	s.logger.Info("State loaded", "backend", "sqlite", "targets", len(state))
	return state, nil
}

// Save replaces every row inside one transaction.
func (s *SQLite) Save(ctx context.Context, state notifier.State) error {
	if err := s.replace(ctx, state); err != nil {
		return &StateIOError{Op: "save", Backend: "sqlite", Err: err}
	}
	s.logger.Debug("State saved", "backend", "sqlite", "targets", len(state))
	return nil
}

func (s *SQLite) replace(ctx context.Context, state notifier.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM last_seen`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for target, e := range state {
		updated := e.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO last_seen(target, post_id, updated_at) VALUES(?,?,?)`,
			target, e.LastSeenPostID, updated); err != nil {
			return fmt.Errorf("insert %s: %w", target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
