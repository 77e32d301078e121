// Package limits enforces rate and resource ceilings ahead of contract
// evaluation. The local limiter keeps per-agent token buckets in process;
// the Redis limiter shares one bucket across replicas. Both fail closed:
// a limiter error is a denial, never a pass-through. Agent reputation
// scales the granted rate down, never up past the configured baseline.
package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

var (
	// ErrRateLimited is returned when an agent's bucket is empty.
	ErrRateLimited = errors.New("limits: rate limit exceeded")
	// ErrResourceExhausted is returned when a request exceeds a hard
	// resource ceiling.
	ErrResourceExhausted = errors.New("limits: resource ceiling exceeded")
)

// Limiter is the kernel's rate-check collaborator. multiplier scales the
// agent's granted rate into [0,1]; implementations clamp it.
type Limiter interface {
	Allow(ctx context.Context, agent string, multiplier float64) error
}

// clampMultiplier keeps reputation scaling inside (0,1]: reputation can
// tighten an agent's rate but never widen it past the baseline.
func clampMultiplier(m float64) float64 {
	if m <= 0 || m > 1 {
		if m > 1 {
			return 1
		}
		return 0.05
	}
	return m
}

// LocalLimiter keeps a token bucket per agent, pruning buckets idle past
// the retention window.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	clock   contracts.Clock

	retention time.Duration
	lastPrune time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds a limiter granting rps tokens per second with the
// given burst per agent.
func NewLocalLimiter(rps float64, burst int, clock contracts.Clock) *LocalLimiter {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	return &LocalLimiter{
		buckets:   make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		clock:     clock,
		retention: 10 * time.Minute,
		lastPrune: clock.Now(),
	}
}

// Allow consumes one token from the agent's bucket, scaled by the
// reputation multiplier.
func (l *LocalLimiter) Allow(ctx context.Context, agent string, multiplier float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	l.mu.Lock()
	now := l.clock.Now()
	b, ok := l.buckets[agent]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[agent] = b
	}
	b.lastSeen = now
	scaled := rate.Limit(float64(l.rps) * clampMultiplier(multiplier))
	if b.limiter.Limit() != scaled {
		b.limiter.SetLimit(scaled)
	}
	l.pruneLocked(now)
	limiter := b.limiter
	l.mu.Unlock()

	if !limiter.Allow() {
		return fmt.Errorf("%w: agent %s", ErrRateLimited, agent)
	}
	return nil
}

func (l *LocalLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.retention {
		return
	}
	for agent, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.retention {
			delete(l.buckets, agent)
		}
	}
	l.lastPrune = now
}

// ResourceLimits are the hard per-request ceilings checked before any
// expensive evaluation runs.
type ResourceLimits struct {
	// MaxPayloadBytes bounds the canonical size of the whole payload.
	MaxPayloadBytes int
	// MaxCodeBytes bounds the "code" payload field for execute-class
	// operations.
	MaxCodeBytes int
}

// DefaultResourceLimits mirrors the production ceilings: 100 MiB payload,
// 1 MiB source.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxPayloadBytes: 100 << 20,
		MaxCodeBytes:    1 << 20,
	}
}

// Check validates a request against the ceilings.
func (r ResourceLimits) Check(req *contracts.OperationRequest) error {
	if r.MaxCodeBytes > 0 {
		if code, ok := req.PayloadString("code"); ok && len(code) > r.MaxCodeBytes {
			return fmt.Errorf("%w: code is %d bytes, ceiling %d", ErrResourceExhausted, len(code), r.MaxCodeBytes)
		}
	}
	if r.MaxPayloadBytes > 0 {
		data, err := canonicalize.JCS(req.Payload)
		if err != nil {
			return fmt.Errorf("%w: payload not measurable: %v", ErrResourceExhausted, err)
		}
		if len(data) > r.MaxPayloadBytes {
			return fmt.Errorf("%w: payload is %d bytes, ceiling %d", ErrResourceExhausted, len(data), r.MaxPayloadBytes)
		}
	}
	return nil
}
