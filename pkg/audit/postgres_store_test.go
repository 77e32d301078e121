package audit

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStoreHeadEmpty(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, digest FROM decision_records ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "digest"}))

	seq, digest, err := store.Head(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, genesisDigest, digest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInsert(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	rec := decisionRecord(0)
	rec.Sequence = 1
	rec.ID = "rec-1"
	rec.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.PrevDigest = genesisDigest
	rec.Digest = "abc123"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_records")).
		WithArgs(
			rec.Sequence, rec.ID, rec.RequestID, string(rec.Phase), string(rec.EventType),
			rec.Timestamp.UnixNano(), rec.Agent, rec.Operation, string(rec.RiskCategory),
			rec.AutonomyLevel, rec.Verdict, string(rec.Reason), rec.Detail,
			sqlmock.AnyArg(), sqlmock.AnyArg(), rec.LatencyMicros, rec.PrevDigest, rec.Digest,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Insert(context.Background(), rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendFailurePropagates(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, digest FROM decision_records ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "digest"}))

	log, err := NewLog(ctx, store, nil, nil)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_records")).
		WillReturnError(fmt.Errorf("connection refused"))

	err = log.Append(ctx, decisionRecord(0))
	assert.ErrorIs(t, err, ErrAppendFailed)

	seq, head := log.Head()
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, genesisDigest, head)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreQueryAppliesFilter(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	rows := sqlmock.NewRows([]string{
		"sequence", "id", "request_id", "phase", "event_type", "timestamp_ns",
		"agent", "operation", "risk_category", "autonomy_level", "verdict", "reason",
		"detail", "conditions", "payload", "latency_micros", "prev_digest", "digest",
	}).AddRow(
		1, "rec-1", "req-a", "decision", "decision", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		"agent-7", "write_file", "write", "GREEN", "DENY", "PERMISSION_DENIED",
		"", "[]", "{}", 1500, genesisDigest, "abc123",
	)

	mock.ExpectQuery("SELECT .+ FROM decision_records WHERE agent = \\$1 AND verdict = \\$2").
		WithArgs("agent-7", "DENY").
		WillReturnRows(rows)

	out, err := store.Query(context.Background(), Filter{Agent: "agent-7", Verdict: "DENY"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "req-a", out[0].RequestID)
	assert.Equal(t, "DENY", out[0].Verdict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
