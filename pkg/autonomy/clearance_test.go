package autonomy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

func newTestValidator(t *testing.T) (*ClearanceValidator, *MemoryKeyProvider, *contracts.FixedClock) {
	t.Helper()
	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	validator := NewClearanceValidator(DefaultClearancePolicy(), clock)
	key, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	validator.RegisterKey("op-key-1", key.PublicKey())
	return validator, key, clock
}

func signedRequest(t *testing.T, key KeyProvider, clock contracts.Clock, nonce string) *ClearanceRequest {
	t.Helper()
	req := &ClearanceRequest{
		Operator:      "operator-1",
		Justification: "incident resolved",
		Nonce:         nonce,
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "op-key-1",
	}
	require.NoError(t, SignClearance(key, req))
	return req
}

func TestCeremonyAuthorizes(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	operator, method, err := validator.Authorize(ClearanceGrant{
		Ceremony: signedRequest(t, key, clock, "n-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "operator-1", operator)
	assert.Equal(t, "ceremony", method)
}

func TestCeremonyRejectsTamperedFields(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	req := signedRequest(t, key, clock, "n-1")
	req.Justification = "actually something else"
	_, _, err := validator.Authorize(ClearanceGrant{Ceremony: req})
	assert.ErrorContains(t, err, "signature verification failed")
}

func TestCeremonyRejectsReplayedNonce(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	first := signedRequest(t, key, clock, "n-1")
	_, _, err := validator.Authorize(ClearanceGrant{Ceremony: first})
	require.NoError(t, err)

	replay := signedRequest(t, key, clock, "n-1")
	_, _, err = validator.Authorize(ClearanceGrant{Ceremony: replay})
	assert.ErrorContains(t, err, "already used")
}

func TestCeremonyRejectsExpiredRequest(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	req := signedRequest(t, key, clock, "n-1")
	clock.Advance(DefaultClearancePolicy().MaxAge + time.Second)
	_, _, err := validator.Authorize(ClearanceGrant{Ceremony: req})
	assert.ErrorContains(t, err, "expired")
}

func TestCeremonyRejectsFutureIssue(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	req := &ClearanceRequest{
		Operator:      "operator-1",
		Justification: "time travel",
		Nonce:         "n-1",
		IssuedAtUnix:  clock.Now().Add(10 * time.Minute).Unix(),
		SignerKeyID:   "op-key-1",
	}
	require.NoError(t, SignClearance(key, req))
	_, _, err := validator.Authorize(ClearanceGrant{Ceremony: req})
	assert.ErrorContains(t, err, "future")
}

func TestCeremonyRequiresJustification(t *testing.T) {
	validator, key, clock := newTestValidator(t)

	req := &ClearanceRequest{
		Operator:     "operator-1",
		Nonce:        "n-1",
		IssuedAtUnix: clock.Now().Unix(),
		SignerKeyID:  "op-key-1",
	}
	require.NoError(t, SignClearance(key, req))
	_, _, err := validator.Authorize(ClearanceGrant{Ceremony: req})
	assert.ErrorContains(t, err, "justification")
}

func TestCeremonyRejectsUnknownKey(t *testing.T) {
	validator, _, clock := newTestValidator(t)
	stranger, err := NewMemoryKeyProvider()
	require.NoError(t, err)

	req := &ClearanceRequest{
		Operator:      "operator-9",
		Justification: "let me in",
		Nonce:         "n-1",
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "not-registered",
	}
	require.NoError(t, SignClearance(stranger, req))
	_, _, err = validator.Authorize(ClearanceGrant{Ceremony: req})
	assert.ErrorContains(t, err, "unknown signer key")
}

func TestEmptyGrantRejected(t *testing.T) {
	validator, _, _ := newTestValidator(t)
	_, _, err := validator.Authorize(ClearanceGrant{})
	assert.ErrorContains(t, err, "empty clearance grant")
}

func TestTokenClearance(t *testing.T) {
	validator, _, clock := newTestValidator(t)
	tm := NewTokenManager([]byte("test-secret-32-bytes-long-please"), clock)
	validator.UseTokenManager(tm)

	scoped, err := tm.Issue("operator-2", []string{ScopeClearPanic}, time.Hour)
	require.NoError(t, err)
	operator, method, err := validator.Authorize(ClearanceGrant{Token: scoped})
	require.NoError(t, err)
	assert.Equal(t, "operator-2", operator)
	assert.Equal(t, "token", method)

	unscoped, err := tm.Issue("operator-3", []string{"metrics.read"}, time.Hour)
	require.NoError(t, err)
	_, _, err = validator.Authorize(ClearanceGrant{Token: unscoped})
	assert.ErrorContains(t, err, "lacks scope")
}

func TestTokenExpiryHonoursClock(t *testing.T) {
	validator, _, clock := newTestValidator(t)
	tm := NewTokenManager([]byte("test-secret-32-bytes-long-please"), clock)
	validator.UseTokenManager(tm)

	token, err := tm.Issue("operator-2", []string{ScopeClearPanic}, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, _, err = validator.Authorize(ClearanceGrant{Token: token})
	assert.ErrorContains(t, err, "token invalid")
}

func TestTokenPathRequiresManager(t *testing.T) {
	validator, _, _ := newTestValidator(t)
	_, _, err := validator.Authorize(ClearanceGrant{Token: "anything"})
	assert.ErrorContains(t, err, "not configured")
}

func TestDeriveOperatorKeyIsDeterministic(t *testing.T) {
	master, err := NewMemoryKeyProvider()
	require.NoError(t, err)

	a1, err := DeriveOperatorKey(master, "alice")
	require.NoError(t, err)
	a2, err := DeriveOperatorKey(master, "alice")
	require.NoError(t, err)
	b, err := DeriveOperatorKey(master, "bob")
	require.NoError(t, err)

	assert.Equal(t, a1.PublicKey(), a2.PublicKey())
	assert.NotEqual(t, a1.PublicKey(), b.PublicKey())

	_, err = DeriveOperatorKey(master, "")
	assert.Error(t, err)
}

func TestDerivedKeySignaturesVerify(t *testing.T) {
	master, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	derived, err := DeriveOperatorKey(master, "alice")
	require.NoError(t, err)

	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	validator := NewClearanceValidator(DefaultClearancePolicy(), clock)
	validator.RegisterKey("alice", derived.PublicKey())

	req := &ClearanceRequest{
		Operator:      "alice",
		Justification: "cleared with on-call",
		Nonce:         "n-derived",
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "alice",
	}
	require.NoError(t, SignClearance(derived, req))
	operator, _, err := validator.Authorize(ClearanceGrant{Ceremony: req})
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)
}
