// Package uuid generates time-ordered identifiers for jobs, batches, and
// operations.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, optionally prefixed ("job-", "batch-").
type Generator struct {
	prefix string
}

// New creates a Generator whose ids start with prefix.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns prefix followed by a UUIDv7.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
