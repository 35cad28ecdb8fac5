// Package idgen produces client order identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Binance caps client order ids at 36 characters.
const maxClientOrderIDLen = 36

// Generator mints unique client order ids with a fixed prefix. The zero
// value uses no prefix.
type Generator struct {
	prefix string
}

// New creates a generator with the given prefix.
func New(prefix string) *Generator {
	return &Generator{prefix: strings.TrimSpace(prefix)}
}

// NewClientOrderID returns a fresh identifier suitable for order correlation.
func (g *Generator) NewClientOrderID() string {
	raw := g.prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(raw) > maxClientOrderIDLen {
		raw = raw[:maxClientOrderIDLen]
	}
	return raw
}
