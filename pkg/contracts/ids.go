package contracts

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<12 hex chars>" for wire-friendly identifiers.
// Prefixes in use: gov, prop, lin, cycle, esc, drift, heur, pprop, atype.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}
