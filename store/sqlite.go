package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/openhive/commbus/comms"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	from_agent     TEXT NOT NULL,
	to_target      TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 1,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(to_target, created_at, id);

CREATE TABLE IF NOT EXISTS deliveries (
	envelope_id   TEXT NOT NULL,
	subscriber_id TEXT NOT NULL,
	delivered_at  DATETIME,
	PRIMARY KEY (envelope_id, subscriber_id)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_subscriber ON deliveries(subscriber_id, delivered_at);
`

// SQLiteStore is the Store implementation backed by a local SQLite file.
// A single connection serializes all appends.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append writes the envelope and one pending delivery row per recipient
// in a single transaction, so a failure leaves no partial record.
func (s *SQLiteStore) Append(ctx context.Context, env *comms.Envelope, recipients []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, type, from_agent, to_target, payload, priority, correlation_id, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		env.ID, string(env.Type), env.From, env.To,
		string(env.Payload), int(env.Priority), env.CorrelationID, env.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", env.ID, err)
	}

	for _, sub := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (envelope_id, subscriber_id, delivered_at)
			VALUES (?,?,NULL)`,
			env.ID, sub,
		); err != nil {
			return fmt.Errorf("insert delivery %s/%s: %w", env.ID, sub, err)
		}
	}

	return tx.Commit()
}

// MarkDelivered stamps the delivery row for one subscriber.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, envelopeID, subscriberID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET delivered_at=? WHERE envelope_id=? AND subscriber_id=? AND delivered_at IS NULL`,
		at, envelopeID, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered %s/%s: %w", envelopeID, subscriberID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("delivery %s/%s not found or already delivered", envelopeID, subscriberID)
	}
	return nil
}

// ReadSince returns the envelopes addressed to target created after
// since, oldest first.
func (s *SQLiteStore) ReadSince(ctx context.Context, target string, since time.Time) ([]*comms.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, from_agent, to_target, payload, priority, correlation_id, created_at
		FROM messages WHERE to_target=? AND created_at>? ORDER BY created_at ASC, id ASC`,
		target, since,
	)
	if err != nil {
		return nil, fmt.Errorf("read since %s: %w", target, err)
	}
	defer rows.Close()

	var envs []*comms.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// Deliveries returns the delivery rows for one envelope.
func (s *SQLiteStore) Deliveries(ctx context.Context, envelopeID string) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_id, subscriber_id, delivered_at
		FROM deliveries WHERE envelope_id=? ORDER BY subscriber_id ASC`,
		envelopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("deliveries for %s: %w", envelopeID, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var deliveredAt sql.NullTime
		if err := rows.Scan(&d.EnvelopeID, &d.SubscriberID, &deliveredAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			d.DeliveredAt = &deliveredAt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PendingCount returns the number of undelivered rows for a subscriber.
func (s *SQLiteStore) PendingCount(ctx context.Context, subscriberID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deliveries WHERE subscriber_id=? AND delivered_at IS NULL`,
		subscriberID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count %s: %w", subscriberID, err)
	}
	return n, nil
}

// scanner abstracts sql.Row and sql.Rows for scanEnvelope.
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(s scanner) (*comms.Envelope, error) {
	var env comms.Envelope
	var typ, payload string
	var priority int

	err := s.Scan(&env.ID, &typ, &env.From, &env.To, &payload, &priority, &env.CorrelationID, &env.CreatedAt)
	if err != nil {
		return nil, err
	}

	env.Type = comms.MessageType(typ)
	env.Priority = comms.Priority(priority)
	if payload != "" {
		env.Payload = []byte(payload)
	}
	return &env, nil
}
