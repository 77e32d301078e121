// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the SHA-256 digest helpers built on it. Every digest in
// the system — request IDs, audit record digests, export bundle digests —
// goes through this package so two semantically equal values always hash
// identically regardless of field order or encoder quirks.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with the standard encoder so json tags are honored,
// then transformed to canonical form (sorted keys, ECMAScript number
// formatting, no HTML escaping). NaN and infinity are rejected up front;
// they have no JSON representation and must never reach a digest.
func JCS(v any) ([]byte, error) {
	if containsNonFinite(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("jcs: value contains NaN or infinity")
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainDigest computes the digest of a chained record: the canonical hash of
// content with prev mixed in. Audit chaining uses this for every link, so a
// link digest changes if either the content or its predecessor changes.
func ChainDigest(prev string, content any) (string, error) {
	return CanonicalHash(map[string]any{
		"prev":    prev,
		"content": content,
	})
}

func containsNonFinite(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if containsNonFinite(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if containsNonFinite(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if containsNonFinite(v.Field(i)) {
				return true
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return containsNonFinite(v.Elem())
		}
	}
	return false
}
