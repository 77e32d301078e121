package contracts

import "time"

// Clock abstracts time for deterministic testing. The kernel and the
// autonomy machine never call time.Now directly; authority time always
// flows through an injected Clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the system wall clock (UTC).
func SystemClock() Clock { return systemClock{} }

// FixedClock is a Clock pinned to a settable instant, for tests.
type FixedClock struct {
	Instant time.Time
}

func (f *FixedClock) Now() time.Time { return f.Instant }

// Advance moves the fixed clock forward by d.
func (f *FixedClock) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }
