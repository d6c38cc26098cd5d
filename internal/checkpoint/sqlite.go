package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"

	"logferry/internal/task"
)

const sqliteTimeLayout = time.RFC3339Nano

// SQLite stores checkpoints in a local database file. Suitable when all
// workers share a host.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(logger *slog.Logger, fileName string) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", fileName, 5000)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLite{db: db, logger: logger}
	if err := s.updateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Load(ctx context.Context, id string) (cp task.Checkpoint, found bool, err error) {
	err = s.withRetry(ctx, func() error {
		var state, taskJSON, updated string
		row := s.db.QueryRowContext(ctx, `
			SELECT State, Task, UpdatedAt
			FROM Checkpoints
			WHERE ObjectID = ?
		`, id)
		err := row.Scan(&state, &taskJSON, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(taskJSON), &cp.Task); err != nil {
			return backoff.Permanent(fmt.Errorf("decode checkpoint %s: %w", id, err))
		}
		cp.State = task.CheckpointState(state)
		cp.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
		found = true
		return nil
	})
	return
}

func (s *SQLite) Save(ctx context.Context, id string, cp task.Checkpoint) error {
	taskJSON, err := json.Marshal(cp.Task)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", id, err)
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO Checkpoints (ObjectID, Sequence, ByteOffset, State, Task, UpdatedAt)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (ObjectID) DO UPDATE SET
				Sequence = excluded.Sequence,
				ByteOffset = excluded.ByteOffset,
				State = excluded.State,
				Task = excluded.Task,
				UpdatedAt = excluded.UpdatedAt
			WHERE excluded.Sequence >= Checkpoints.Sequence
		`,
			id,
			cp.Task.Sequence,
			cp.Task.Offset,
			string(cp.State),
			string(taskJSON),
			cp.UpdatedAt.UTC().Format(sqliteTimeLayout),
		)
		return err
	})
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM Checkpoints WHERE ObjectID = ?`, id)
		return err
	})
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) updateSchema() error {
	userVersion := -1
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&userVersion); err != nil {
		return fmt.Errorf("cannot get user_version: %w", err)
	}
	switch userVersion {
	case 0:
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS Checkpoints (
				ObjectID   TEXT PRIMARY KEY,
				Sequence   INTEGER NOT NULL,
				ByteOffset INTEGER NOT NULL,
				State      TEXT NOT NULL,
				Task       TEXT NOT NULL,
				UpdatedAt  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS Checkpoints__State ON Checkpoints (State);
			PRAGMA user_version = 1;
		`)
		return err
	case 1:
		return nil
	default:
		return fmt.Errorf("unknown checkpoint schema version: %v", userVersion)
	}
}

// withRetry retries while the database is locked by another writer.
func (s *SQLite) withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = time.Minute

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || isDatabaseLocked(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.logger.Warn("checkpoint store locked, will retry", "err", err, "backoff", next.String())
	})
}

func isDatabaseLocked(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
