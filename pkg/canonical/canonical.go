// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content addressing for brain documents and
// entity payloads. Every commit hash in AavionDB is the SHA-256 hex digest
// of the canonical form produced here; pretty printing is an output-layer
// concern and never feeds a hash.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize transforms raw JSON into its RFC 8785 canonical form:
// object keys sorted by UTF-16 code units, minimal whitespace, no escaped
// slashes, no ASCII-escaped unicode.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Marshal serializes v with encoding/json and canonicalizes the result.
// Struct json tags are respected; map key order is irrelevant.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	return Canonicalize(intermediate)
}

// HashBytes returns the SHA-256 hex digest of data as-is.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashRaw canonicalizes raw JSON and hashes the canonical bytes.
func HashRaw(raw []byte) (string, error) {
	c, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(c), nil
}

// Hash marshals v canonically and returns the SHA-256 hex digest.
func Hash(v any) (string, error) {
	c, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(c), nil
}

// Decode parses raw JSON into generic values, preserving numbers as
// json.Number so merge round-trips never reformat them.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	// Trailing non-whitespace content means the input was not a single value.
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return v, nil
}

// Equal reports whether two raw JSON values share the same canonical form.
// Invalid JSON on either side compares unequal.
func Equal(a, b []byte) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Pretty renders v as indented JSON for human output. Never used for
// hashing.
func Pretty(v any) []byte {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("null")
	}
	return out
}
