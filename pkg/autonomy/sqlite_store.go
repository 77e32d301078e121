package autonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStateStore keeps the machine state in a single-row table so it
// can share the database file with the audit log.
type SQLiteStateStore struct {
	db *sql.DB
}

func NewSQLiteStateStore(db *sql.DB) (*SQLiteStateStore, error) {
	s := &SQLiteStateStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStateStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS autonomy_state (
			id               INTEGER PRIMARY KEY CHECK (id = 1),
			level            TEXT NOT NULL,
			panic            INTEGER NOT NULL,
			since_ns         INTEGER NOT NULL,
			cycle            INTEGER NOT NULL,
			last_liveness_ns INTEGER NOT NULL,
			backlog          INTEGER NOT NULL,
			criticals        TEXT NOT NULL,
			updated_ns       INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("autonomy: migrating state table: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) Load(ctx context.Context) (*PersistedState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, panic, since_ns, cycle, last_liveness_ns, backlog, criticals, updated_ns
		FROM autonomy_state WHERE id = 1`)

	var state PersistedState
	var panicInt int
	var sinceNS, livenessNS, updatedNS int64
	var criticalsJSON string
	err := row.Scan(&state.Level, &panicInt, &sinceNS, &state.Cycle,
		&livenessNS, &state.Backlog, &criticalsJSON, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("autonomy: loading state: %w", err)
	}

	state.Panic = panicInt != 0
	state.Since = time.Unix(0, sinceNS).UTC()
	state.LastLiveness = time.Unix(0, livenessNS).UTC()
	state.UpdatedAt = time.Unix(0, updatedNS).UTC()
	if criticalsJSON != "" && criticalsJSON != "null" {
		if err := json.Unmarshal([]byte(criticalsJSON), &state.Criticals); err != nil {
			return nil, fmt.Errorf("autonomy: decoding criticals: %w", err)
		}
	}
	return &state, nil
}

func (s *SQLiteStateStore) Save(ctx context.Context, state *PersistedState) error {
	criticalsJSON, err := json.Marshal(state.Criticals)
	if err != nil {
		return fmt.Errorf("autonomy: encoding criticals: %w", err)
	}
	panicInt := 0
	if state.Panic {
		panicInt = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autonomy_state (id, level, panic, since_ns, cycle, last_liveness_ns, backlog, criticals, updated_ns)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			panic = excluded.panic,
			since_ns = excluded.since_ns,
			cycle = excluded.cycle,
			last_liveness_ns = excluded.last_liveness_ns,
			backlog = excluded.backlog,
			criticals = excluded.criticals,
			updated_ns = excluded.updated_ns`,
		state.Level, panicInt, state.Since.UnixNano(), state.Cycle,
		state.LastLiveness.UnixNano(), state.Backlog, string(criticalsJSON),
		state.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("autonomy: saving state: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) Close() error { return s.db.Close() }
