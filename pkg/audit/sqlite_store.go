package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// SQLiteStore persists the chain in an embedded SQLite database. It is the
// default durable store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path with the pragmas the
// chain needs: WAL for concurrent readers and synchronous=FULL so a
// returned Insert implies the record is on disk.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening sqlite at %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewSQLiteStore wraps an opened database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decision_records (
		sequence       INTEGER PRIMARY KEY,
		id             TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		phase          TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		timestamp_ns   INTEGER NOT NULL,
		agent          TEXT NOT NULL,
		operation      TEXT NOT NULL,
		risk_category  TEXT NOT NULL,
		autonomy_level TEXT NOT NULL,
		verdict        TEXT NOT NULL,
		reason         TEXT NOT NULL,
		detail         TEXT NOT NULL,
		conditions     TEXT NOT NULL,
		payload        TEXT NOT NULL,
		latency_micros INTEGER NOT NULL,
		prev_digest    TEXT NOT NULL,
		digest         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_request ON decision_records(request_id);
	CREATE INDEX IF NOT EXISTS idx_records_agent ON decision_records(agent, timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_records_event ON decision_records(event_type, timestamp_ns);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: migrating sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *contracts.DecisionRecord) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) Head(ctx context.Context) (uint64, string, error) {
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

func (s *SQLiteStore) Get(ctx context.Context, sequence uint64) (*contracts.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM decision_records WHERE sequence = ?`, sequence)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Range(ctx context.Context, from, to uint64, fn func(*contracts.DecisionRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM decision_records WHERE sequence >= ? AND sequence <= ? ORDER BY sequence ASC`,
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

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*contracts.DecisionRecord, error) {
	query, args := buildFilterQuery(filter, sqlitePlaceholders)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT sequence, id, request_id, phase, event_type, timestamp_ns,
	agent, operation, risk_category, autonomy_level, verdict, reason, detail,
	conditions, payload, latency_micros, prev_digest, digest`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*contracts.DecisionRecord, error) {
	var rec contracts.DecisionRecord
	var phase, eventType, risk, reason string
	var timestampNS int64
	var conditions, payload []byte
	err := row.Scan(
		&rec.Sequence, &rec.ID, &rec.RequestID, &phase, &eventType, &timestampNS,
		&rec.Agent, &rec.Operation, &risk, &rec.AutonomyLevel,
		&rec.Verdict, &reason, &rec.Detail, &conditions, &payload,
		&rec.LatencyMicros, &rec.PrevDigest, &rec.Digest,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("audit: scanning record: %w", err)
	}
	rec.Phase = contracts.RecordPhase(phase)
	rec.EventType = contracts.EventType(eventType)
	rec.RiskCategory = contracts.RiskCategory(risk)
	rec.Reason = contracts.DecisionReason(reason)
	rec.Timestamp = time.Unix(0, timestampNS).UTC()
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rec.Conditions); err != nil {
			return nil, fmt.Errorf("audit: decoding conditions for record %d: %w", rec.Sequence, err)
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("audit: decoding payload for record %d: %w", rec.Sequence, err)
		}
	}
	return &rec, nil
}

func encodeRecordJSON(rec *contracts.DecisionRecord) (conditions, payload []byte, err error) {
	conditions, err = json.Marshal(rec.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: encoding conditions: %w", err)
	}
	payload, err = json.Marshal(rec.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: encoding payload: %w", err)
	}
	return conditions, payload, nil
}

type placeholderFunc func(n int) string

func sqlitePlaceholders(int) string { return "?" }

func postgresPlaceholders(n int) string { return fmt.Sprintf("$%d", n) }

// buildFilterQuery translates a Filter into a WHERE clause. Both stores
// share it; only the placeholder style differs.
func buildFilterQuery(filter Filter, placeholder placeholderFunc) (string, []any) {
	query := selectColumns + ` FROM decision_records`
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s %s", clause, placeholder(len(args))))
	}

	if filter.RequestID != "" {
		add("request_id =", filter.RequestID)
	}
	if filter.Agent != "" {
		add("agent =", filter.Agent)
	}
	if filter.Operation != "" {
		add("operation =", filter.Operation)
	}
	if filter.EventType != "" {
		add("event_type =", string(filter.EventType))
	}
	if filter.Verdict != "" {
		add("verdict =", filter.Verdict)
	}
	if !filter.Since.IsZero() {
		add("timestamp_ns >=", filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		add("timestamp_ns <=", filter.Until.UnixNano())
	}

	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return query, args
}
