package autonomy

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

// ClearanceDomain scopes ceremony signatures so a signature produced for
// one purpose can never validate for another.
const ClearanceDomain = "archon:clearance:v1"

// ScopeClearPanic is the token scope that authorizes panic clearance.
const ScopeClearPanic = "autonomy.clear"

// KeyProvider abstracts signing so the in-memory backend can be swapped
// for an HSM or KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is the in-memory ed25519 implementation.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// DeriveOperatorKey derives a per-operator keypair from a master key using
// HKDF-SHA256, with the operator ID as info. Each operator gets a unique,
// deterministic ed25519 keypair without distributing fresh key material.
func DeriveOperatorKey(master *MemoryKeyProvider, operator string) (*MemoryKeyProvider, error) {
	if operator == "" {
		return nil, fmt.Errorf("operator must not be empty")
	}
	seed := master.priv.Seed()
	hkdfReader := hkdf.New(sha256.New, seed, []byte("archon-operator-kdf"), []byte(operator))
	operatorSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, operatorSeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(operatorSeed)
	pub := priv.Public().(ed25519.PublicKey)
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// ClearanceRequest is the signed ceremony a human operator submits to
// clear a panic. The signature covers the domain-separated canonical form
// of the identifying fields.
type ClearanceRequest struct {
	Operator      string `json:"operator"`
	Justification string `json:"justification"`
	Nonce         string `json:"nonce"`
	IssuedAtUnix  int64  `json:"issued_at_unix"`
	SignerKeyID   string `json:"signer_key_id"`
	Signature     string `json:"signature"`
}

// ClearanceGrant carries whichever credential the operator presents: a
// signed ceremony request or a scoped bearer token.
type ClearanceGrant struct {
	Ceremony *ClearanceRequest `json:"ceremony,omitempty"`
	Token    string            `json:"token,omitempty"`
}

// ClearancePolicy defines the requirements a ceremony must meet.
type ClearancePolicy struct {
	// MaxAge bounds how old a signed request may be when presented.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
	// MaxSkew tolerates clock drift on the issued-at check.
	MaxSkew time.Duration `json:"max_skew" yaml:"max_skew"`
	// RequireJustification rejects ceremonies with an empty justification.
	RequireJustification bool `json:"require_justification" yaml:"require_justification"`
}

// DefaultClearancePolicy returns the conservative defaults.
func DefaultClearancePolicy() ClearancePolicy {
	return ClearancePolicy{
		MaxAge:               5 * time.Minute,
		MaxSkew:              time.Minute,
		RequireJustification: true,
	}
}

// clearanceDigest computes the bytes an operator key signs: the domain
// prefix and a NUL separator, then the canonical JSON of the identifying
// fields. Signature and key ID are excluded from the signed content.
func clearanceDigest(req *ClearanceRequest) ([]byte, error) {
	canonical, err := canonicalize.JCS(map[string]any{
		"operator":       req.Operator,
		"justification":  req.Justification,
		"nonce":          req.Nonce,
		"issued_at_unix": req.IssuedAtUnix,
	})
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(ClearanceDomain))
	h.Write([]byte{0})
	h.Write(canonical)
	return h.Sum(nil), nil
}

// SignClearance fills in the request's signature using the provider's key.
func SignClearance(provider KeyProvider, req *ClearanceRequest) error {
	digest, err := clearanceDigest(req)
	if err != nil {
		return fmt.Errorf("clearance digest: %w", err)
	}
	sig, err := provider.Sign(digest)
	if err != nil {
		return fmt.Errorf("clearance sign: %w", err)
	}
	req.Signature = hex.EncodeToString(sig)
	return nil
}

// OperatorClaims extends standard JWT claims with clearance scopes.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the claims grant the named scope.
func (c *OperatorClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenManager issues and validates operator bearer tokens (HS256).
type TokenManager struct {
	secret []byte
	issuer string
	clock  contracts.Clock
}

func NewTokenManager(secret []byte, clock contracts.Clock) *TokenManager {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	return &TokenManager{secret: secret, issuer: "archon/autonomy", clock: clock}
}

// Issue creates a signed token for an operator with the given scopes.
func (tm *TokenManager) Issue(operator string, scopes []string, ttl time.Duration) (string, error) {
	now := tm.clock.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Validate parses and verifies a token string.
func (tm *TokenManager) Validate(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{},
		func(t *jwt.Token) (any, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.clock.Now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// ClearanceValidator checks clearance grants. Ceremony signatures verify
// against registered operator keys; bearer tokens verify against the
// token manager. A nonce is accepted at most once within the replay
// window.
type ClearanceValidator struct {
	mu     sync.Mutex
	policy ClearancePolicy
	clock  contracts.Clock
	keys   map[string]ed25519.PublicKey
	tokens *TokenManager
	seen   map[string]time.Time
}

func NewClearanceValidator(policy ClearancePolicy, clock contracts.Clock) *ClearanceValidator {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	return &ClearanceValidator{
		policy: policy,
		clock:  clock,
		keys:   make(map[string]ed25519.PublicKey),
		seen:   make(map[string]time.Time),
	}
}

// RegisterKey installs an operator verification key under a key ID.
func (v *ClearanceValidator) RegisterKey(keyID string, pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = pub
}

// UseTokenManager enables the bearer-token clearance path.
func (v *ClearanceValidator) UseTokenManager(tm *TokenManager) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens = tm
}

// Authorize validates a grant and returns the operator identity and the
// method ("ceremony" or "token") that authorized it.
func (v *ClearanceValidator) Authorize(grant ClearanceGrant) (string, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case grant.Ceremony != nil:
		if err := v.validateCeremonyLocked(grant.Ceremony); err != nil {
			return grant.Ceremony.Operator, "ceremony", err
		}
		return grant.Ceremony.Operator, "ceremony", nil
	case grant.Token != "":
		if v.tokens == nil {
			return "", "token", errors.New("token clearance not configured")
		}
		claims, err := v.tokens.Validate(grant.Token)
		if err != nil {
			return "", "token", fmt.Errorf("token invalid: %w", err)
		}
		if !claims.HasScope(ScopeClearPanic) {
			return claims.Subject, "token", fmt.Errorf("token lacks scope %q", ScopeClearPanic)
		}
		return claims.Subject, "token", nil
	default:
		return "", "", errors.New("empty clearance grant")
	}
}

func (v *ClearanceValidator) validateCeremonyLocked(req *ClearanceRequest) error {
	if req.Operator == "" {
		return errors.New("operator is required")
	}
	if v.policy.RequireJustification && req.Justification == "" {
		return errors.New("justification is required")
	}
	if req.Nonce == "" {
		return errors.New("nonce is required")
	}
	if req.Signature == "" {
		return errors.New("signature is required")
	}

	now := v.clock.Now()
	issued := time.Unix(req.IssuedAtUnix, 0)
	if issued.After(now.Add(v.policy.MaxSkew)) {
		return errors.New("issued_at is in the future")
	}
	if age := now.Sub(issued); age > v.policy.MaxAge {
		return fmt.Errorf("request expired: issued %s ago, max age %s", age.Truncate(time.Second), v.policy.MaxAge)
	}

	if _, replayed := v.seen[req.Nonce]; replayed {
		return fmt.Errorf("nonce %q already used", req.Nonce)
	}

	pub, ok := v.keys[req.SignerKeyID]
	if !ok {
		return fmt.Errorf("unknown signer key %q", req.SignerKeyID)
	}
	digest, err := clearanceDigest(req)
	if err != nil {
		return fmt.Errorf("clearance digest: %w", err)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return errors.New("signature verification failed")
	}

	v.seen[req.Nonce] = now
	v.pruneNoncesLocked(now)
	return nil
}

// pruneNoncesLocked drops nonces past the replay window. A nonce only
// needs remembering while its request could still validate.
func (v *ClearanceValidator) pruneNoncesLocked(now time.Time) {
	cutoff := now.Add(-(v.policy.MaxAge + v.policy.MaxSkew))
	for nonce, at := range v.seen {
		if at.Before(cutoff) {
			delete(v.seen, nonce)
		}
	}
}
