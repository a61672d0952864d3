//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalMarshalIgnoresInsertionOrder checks that two maps with
// the same pairs always canonicalize to identical bytes and hashes.
func TestCanonicalMarshalIgnoresInsertionOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is insertion-order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			// Deduplicate keys (first occurrence wins) so the forward and
			// reverse insertions build maps with identical content.
			type pair struct {
				key   string
				value string
			}
			var pairs []pair
			seen := make(map[string]bool)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				if keys[i] == "" || seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				pairs = append(pairs, pair{key: keys[i], value: values[i]})
			}

			forward := make(map[string]any)
			reverse := make(map[string]any)
			for _, p := range pairs {
				forward[p.key] = p.value
			}
			for i := len(pairs) - 1; i >= 0; i-- {
				reverse[pairs[i].key] = pairs[i].value
			}

			a, errA := CanonicalMarshal(forward)
			b, errB := CanonicalMarshal(reverse)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			if string(a) != string(b) {
				return false
			}

			hashA, errA := HashHex(forward)
			hashB, errB := HashHex(reverse)
			return errA == nil && errB == nil && hashA == hashB
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeIsIdempotent checks that canonicalizing already
// canonical bytes is a no-op.
func TestCanonicalizeIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalize(canonicalize(x)) == canonicalize(x)", prop.ForAll(
		func(keys []string, nums []int) bool {
			obj := make(map[string]any)
			n := len(keys)
			if len(nums) < n {
				n = len(nums)
			}
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				obj[keys[i]] = nums[i]
			}

			first, err := CanonicalMarshal(obj)
			if err != nil {
				return true
			}
			second, err := Canonicalize(first)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

// TestHashHexIsStable checks repeated hashing of the same value never
// changes the digest.
func TestHashHexIsStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hashing is deterministic", prop.ForAll(
		func(key, value string) bool {
			obj := map[string]any{"key": key, "value": value}
			a, errA := HashHex(obj)
			b, errB := HashHex(obj)
			if errA != nil || errB != nil {
				return false
			}
			return a == b && len(a) == 64
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
