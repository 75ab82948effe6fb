package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed storage key such as "sale-0b9f5c2e-...".
// Keys are opaque; the human-readable sale number is assigned separately.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}
