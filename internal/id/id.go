// Package id generates identifiers for discovered URLs and job executions.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	NewID() (string, error)
}

// UUIDv7 creates time-ordered UUID v7 strings.
type UUIDv7 struct{}

// New returns a UUIDv7 generator.
func New() UUIDv7 {
	return UUIDv7{}
}

// NewID returns a UUID7 string.
func (UUIDv7) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// Sequence yields prefix-1, prefix-2, ... and is intended for deterministic tests.
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence returns a Sequence using prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1)), nil
}
