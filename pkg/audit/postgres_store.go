package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// PostgresStore persists the chain in PostgreSQL for multi-node
// deployments where several kernels share one audit trail. The sequence
// primary key means concurrent writers conflict instead of forking the
// chain; the Log serializes appends within a process and the unique
// constraint arbitrates across processes.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects using a lib/pq DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: pinging postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an opened database and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decision_records (
		sequence       BIGINT PRIMARY KEY,
		id             TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		phase          TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		timestamp_ns   BIGINT NOT NULL,
		agent          TEXT NOT NULL,
		operation      TEXT NOT NULL,
		risk_category  TEXT NOT NULL,
		autonomy_level TEXT NOT NULL,
		verdict        TEXT NOT NULL,
		reason         TEXT NOT NULL,
		detail         TEXT NOT NULL,
		conditions     JSONB NOT NULL,
		payload        JSONB NOT NULL,
		latency_micros BIGINT NOT NULL,
		prev_digest    TEXT NOT NULL,
		digest         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_request ON decision_records(request_id);
	CREATE INDEX IF NOT EXISTS idx_records_agent ON decision_records(agent, timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_records_event ON decision_records(event_type, timestamp_ns);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: migrating postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *contracts.DecisionRecord) error {
	conditions, payload, err := encodeRecordJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_records (
			sequence, id, request_id, phase, event_type, timestamp_ns,
			agent, operation, risk_category, autonomy_level,
			verdict, reason, detail, conditions, payload,
			latency_micros, prev_digest, digest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.Sequence, rec.ID, rec.RequestID, string(rec.Phase), string(rec.EventType),
		rec.Timestamp.UnixNano(), rec.Agent, rec.Operation, string(rec.RiskCategory),
		rec.AutonomyLevel, rec.Verdict, string(rec.Reason), rec.Detail,
		conditions, payload, rec.LatencyMicros, rec.PrevDigest, rec.Digest,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting record %d: %w", rec.Sequence, err)
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context) (uint64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, digest FROM decision_records ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var digest string
	if err := row.Scan(&seq, &digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, genesisDigest, nil
		}
		return 0, "", fmt.Errorf("audit: reading head: %w", err)
	}
	return seq, digest, nil
}

func (s *PostgresStore) Get(ctx context.Context, sequence uint64) (*contracts.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM decision_records WHERE sequence = $1`, sequence)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64, fn func(*contracts.DecisionRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM decision_records WHERE sequence >= $1 AND sequence <= $2 ORDER BY sequence ASC`,
		from, to)
	if err != nil {
		return fmt.Errorf("audit: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*contracts.DecisionRecord, error) {
	query, args := buildFilterQuery(filter, postgresPlaceholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: filter query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
