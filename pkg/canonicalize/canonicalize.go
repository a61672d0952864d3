// Package canonicalize produces the byte-stable forms the kernel hashes
// and keys on: RFC 8785 (JCS) canonical JSON for lineage signatures, and
// normalized names for constraint and action-type keying.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonicalize transforms raw JSON into its RFC 8785 canonical form:
// sorted keys, minimal escapes, shortest-round-trip numbers.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return out, nil
}

// CanonicalMarshal marshals v and canonicalizes the result. Two values
// that are semantically equal marshal to identical bytes, which is the
// property chain verification depends on.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return Canonicalize(raw)
}

// HashHex returns the lowercase SHA-256 hex digest of v's canonical form.
func HashHex(v any) (string, error) {
	canonical, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeName maps operator-supplied names (constraint names, action
// type ids) to their canonical key: Unicode NFC, trimmed, lowercase.
// Rule lookup and registry keying both go through this, so visually
// identical names always hit the same rule.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}
