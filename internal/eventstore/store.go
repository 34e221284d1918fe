// Package eventstore persists execution events for replay. It speaks both
// sqlite (default, embedded) and postgres through sqlx; the engine only
// depends on Append and the Replay queries.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/events"
)

// Config holds store configuration.
type Config struct {
	Driver string // "sqlite3" or "postgres"
	DSN    string // file path for sqlite, connection string for postgres
}

// Store is the append-only event log.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    element_id  TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    payload     TEXT,
    seq         INTEGER NOT NULL DEFAULT 0,
    timestamp   TIMESTAMP NOT NULL,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_element ON events(instance_id, element_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// Open connects, verifies the connection and ensures the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" && cfg.Driver == "sqlite3" {
		cfg.DSN = "fluxbpm_events.db"
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("event store ready", zap.String("driver", cfg.Driver))
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sql.DB, driverName string, logger *zap.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, driverName), logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type row struct {
	ID         string         `db:"id"`
	InstanceID string         `db:"instance_id"`
	ElementID  string         `db:"element_id"`
	EventType  string         `db:"event_type"`
	Payload    sql.NullString `db:"payload"`
	Seq        uint64         `db:"seq"`
	Timestamp  time.Time      `db:"timestamp"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r row) toEvent() events.Event {
	evt := events.Event{
		Type:       r.EventType,
		InstanceID: r.InstanceID,
		ElementID:  r.ElementID,
		Timestamp:  r.Timestamp,
		Seq:        r.Seq,
	}
	if r.Payload.Valid && r.Payload.String != "" {
		_ = json.Unmarshal([]byte(r.Payload.String), &evt.Payload)
	}
	return evt
}

// Append durably writes one event; it returns after commit.
func (s *Store) Append(ctx context.Context, evt events.Event) error {
	var payload interface{}
	if len(evt.Payload) > 0 {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	q := s.db.Rebind(`
        INSERT INTO events (id, instance_id, element_id, event_type, payload, seq, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		uuid.New().String(), evt.InstanceID, evt.ElementID, evt.Type,
		payload, evt.Seq, evt.Timestamp.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Replay returns the stored events for an instance, optionally filtered to
// one element, in original causal order with original timestamps.
func (s *Store) Replay(ctx context.Context, instanceID, elementID string) ([]events.Event, error) {
	var rows []row
	var err error
	if elementID == "" {
		q := s.db.Rebind(`SELECT * FROM events WHERE instance_id = ? ORDER BY seq ASC, created_at ASC`)
		err = s.db.SelectContext(ctx, &rows, q, instanceID)
	} else {
		q := s.db.Rebind(`SELECT * FROM events WHERE instance_id = ? AND element_id = ? ORDER BY seq ASC, created_at ASC`)
		err = s.db.SelectContext(ctx, &rows, q, instanceID, elementID)
	}
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// Purge removes all events of an instance. Retention is explicit: nothing
// is deleted unless the operator asks.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	q := s.db.Rebind(`DELETE FROM events WHERE instance_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, instanceID); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}
