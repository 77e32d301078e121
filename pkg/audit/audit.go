// Package audit implements the append-only, hash-chained decision log. Every
// kernel verdict, outcome, autonomy transition, and operator action lands
// here before it takes effect; an append failure must surface to the caller
// because an unlogged decision is not a decision. Appends are serialized so
// digest chaining has a total order; reads run concurrently.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

// genesisDigest seeds the chain before any record exists.
const genesisDigest = "genesis"

var (
	ErrAppendFailed   = errors.New("audit append failed")
	ErrChainBroken    = errors.New("audit chain broken")
	ErrRecordNotFound = errors.New("audit record not found")
)

// Store is the durable backing of the log. Implementations must make Insert
// durable before returning; the kernel treats a returned error as proof the
// record is not persisted.
type Store interface {
	Insert(ctx context.Context, rec *contracts.DecisionRecord) error
	// Head returns the highest sequence and its digest, or (0, "genesis")
	// for an empty store.
	Head(ctx context.Context) (uint64, string, error)
	Get(ctx context.Context, sequence uint64) (*contracts.DecisionRecord, error)
	// Range streams records with from <= sequence <= to in sequence order.
	Range(ctx context.Context, from, to uint64, fn func(*contracts.DecisionRecord) error) error
	Query(ctx context.Context, filter Filter) ([]*contracts.DecisionRecord, error)
	Close() error
}

// Handler observes records after they are durably appended.
type Handler func(*contracts.DecisionRecord)

// Log is the chain-maintaining front of a Store.
type Log struct {
	mu       sync.Mutex
	store    Store
	clock    contracts.Clock
	logger   *slog.Logger
	head     string
	sequence uint64
	handlers []Handler
}

// NewLog recovers the chain position from the store and returns a ready log.
func NewLog(ctx context.Context, store Store, clock contracts.Clock, logger *slog.Logger) (*Log, error) {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	seq, head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: recovering chain head: %w", err)
	}
	if head == "" {
		head = genesisDigest
	}
	return &Log{
		store:    store,
		clock:    clock,
		logger:   logger.With("component", "audit"),
		head:     head,
		sequence: seq,
	}, nil
}

// Append assigns the record its place in the chain and persists it. The
// record's payload is redacted, its sequence, ID, previous digest, and
// digest are filled in. On any failure the in-memory chain state is left
// untouched and the caller must treat the decision as unproven.
func (l *Log) Append(ctx context.Context, rec *contracts.DecisionRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrAppendFailed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Sequence = l.sequence + 1
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock.Now()
	}
	rec.Payload = RedactPayload(rec.Payload)
	rec.PrevDigest = l.head

	digest, err := canonicalize.ChainDigest(rec.PrevDigest, recordContent(rec))
	if err != nil {
		return fmt.Errorf("%w: digest: %v", ErrAppendFailed, err)
	}
	rec.Digest = digest

	if err := l.store.Insert(ctx, rec); err != nil {
		l.logger.ErrorContext(ctx, "append rejected by store",
			"sequence", rec.Sequence, "event_type", rec.EventType, "error", err)
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	l.sequence = rec.Sequence
	l.head = rec.Digest

	for _, h := range l.handlers {
		h(rec)
	}
	return nil
}

// Subscribe registers a handler invoked synchronously after each durable
// append. Handlers must not block; the metrics tap is the intended consumer.
func (l *Log) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Head returns the current chain position.
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.head
}

// Query delegates to the store.
func (l *Log) Query(ctx context.Context, filter Filter) ([]*contracts.DecisionRecord, error) {
	return l.store.Query(ctx, filter)
}

// VerifyChain replays records from sequence from through to (inclusive;
// to == 0 means the current head) and recomputes every link. It returns a
// wrapped ErrChainBroken naming the first bad sequence on any mismatch,
// including missing records. When the range extends to the live head the
// final digest is also checked against the log's in-memory anchor.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) error {
	headSeq, headDigest := l.Head()
	if from < 1 {
		from = 1
	}
	if to == 0 || to > headSeq {
		to = headSeq
	}
	if to < from {
		return nil
	}

	expectedPrev := genesisDigest
	if from > 1 {
		prev, err := l.store.Get(ctx, from-1)
		if err != nil {
			return fmt.Errorf("%w: predecessor %d unavailable: %v", ErrChainBroken, from-1, err)
		}
		expectedPrev = prev.Digest
	}

	next := from
	err := l.store.Range(ctx, from, to, func(rec *contracts.DecisionRecord) error {
		if rec.Sequence != next {
			return fmt.Errorf("%w: expected sequence %d, store returned %d", ErrChainBroken, next, rec.Sequence)
		}
		if rec.PrevDigest != expectedPrev {
			return fmt.Errorf("%w: record %d prev_digest mismatch", ErrChainBroken, rec.Sequence)
		}
		computed, err := canonicalize.ChainDigest(rec.PrevDigest, recordContent(rec))
		if err != nil {
			return fmt.Errorf("%w: record %d digest recompute failed: %v", ErrChainBroken, rec.Sequence, err)
		}
		if computed != rec.Digest {
			return fmt.Errorf("%w: record %d content does not match its digest", ErrChainBroken, rec.Sequence)
		}
		expectedPrev = rec.Digest
		next++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrChainBroken) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrChainBroken, err)
	}
	if next != to+1 {
		return fmt.Errorf("%w: records %d..%d missing", ErrChainBroken, next, to)
	}
	if to == headSeq && expectedPrev != headDigest {
		return fmt.Errorf("%w: head anchor mismatch at %d", ErrChainBroken, to)
	}
	return nil
}

// recordContent is the digest coverage of a record: everything except the
// digest fields themselves. PrevDigest is mixed in by ChainDigest.
func recordContent(rec *contracts.DecisionRecord) map[string]any {
	return map[string]any{
		"sequence":       rec.Sequence,
		"id":             rec.ID,
		"request_id":     rec.RequestID,
		"phase":          rec.Phase,
		"event_type":     rec.EventType,
		"timestamp":      rec.Timestamp.UnixNano(),
		"agent":          rec.Agent,
		"operation":      rec.Operation,
		"risk_category":  rec.RiskCategory,
		"autonomy_level": rec.AutonomyLevel,
		"verdict":        rec.Verdict,
		"reason":         rec.Reason,
		"detail":         rec.Detail,
		"conditions":     rec.Conditions,
		"payload":        rec.Payload,
		"latency_micros": rec.LatencyMicros,
	}
}
