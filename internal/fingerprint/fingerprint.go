// Package fingerprint produces deterministic hashes of canonicalized
// values. Fingerprints double as cache keys and change detectors, so the
// canonical form must be stable: map keys are sorted before hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// Hex returns the full sha256 hex digest of the input.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first 8 hex digits of the sha256 digest.
func Short(data []byte) string {
	return Hex(data)[:8]
}

// OfString fingerprints a string.
func OfString(s string) string {
	return Short([]byte(s))
}

// OfStrings fingerprints a list of strings. The list is sorted and joined
// so that order of construction never changes the result.
func OfStrings(items []string) string {
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	return Short([]byte(strings.Join(sorted, ",")))
}

// OfValue fingerprints any JSON-representable value via its canonical
// encoding. ojg sorts map keys when asked, which keeps the encoding stable
// across runs.
func OfValue(v any) string {
	s := oj.JSON(v, &oj.Options{Sort: true, OmitNil: true})
	return Short([]byte(s))
}
