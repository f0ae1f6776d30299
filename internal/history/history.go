// Package history stores routed Miniserver events in SQLite.
//
// Each semantic message the bridge publishes (temperature, presence,
// notification, connection events) is appended to the event_history table
// so that recent activity survives restarts. Entries older than the
// configured retention are pruned periodically.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// ErrKindRequired is returned when an entry has no kind.
var ErrKindRequired = errors.New("history: kind is required")

// Entry is one stored event.
type Entry struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	StateUUID string          `json:"state_uuid,omitempty"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logger is the logging surface used by the pruning loop.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Repository persists entries in the event_history table.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	logger Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRepository creates a repository on an open, migrated database.
func NewRepository(db *sql.DB, logger Logger) *Repository {
	return &Repository{
		db:     db,
		now:    time.Now,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Record appends an entry. The payload is stored as JSON.
func (r *Repository) Record(ctx context.Context, kind, stateUUID, room string, payload any) error {
	if kind == "" {
		return ErrKindRequired
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO event_history (kind, state_uuid, room, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		kind, stateUUID, room, string(data), r.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting event history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty kind matches
// every entry. Limit defaults to 50 and is capped at 500.
func (r *Repository) Recent(ctx context.Context, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	query := `SELECT id, kind, state_uuid, room, payload, created_at FROM event_history`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.StateUUID, &e.Room, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event history: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many were removed.
func (r *Repository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).UnixMilli()
	result, err := r.db.ExecContext(ctx, "DELETE FROM event_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting event history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// StartPruning prunes every interval until Stop is called.
func (r *Repository) StartPruning(retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.pruneOnce(retention)
			}
		}
	}()
}

func (r *Repository) pruneOnce(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.Prune(ctx, retention)
	if r.logger == nil {
		return
	}
	if err != nil {
		r.logger.Warn("pruning event history failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned event history", "deleted", n)
	}
}

// Stop ends the pruning loop. Safe to call more than once.
func (r *Repository) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
