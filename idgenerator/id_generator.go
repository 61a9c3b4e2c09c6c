// Package idgenerator hands out process-local uint32 handles for sockets and
// pending operations.
package idgenerator

import "sync/atomic"

// IdGenerator returns increasing ids, skipping 0 so that the zero value can
// mean "no handle". Safe for concurrent use.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator starts counting after startValue.
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next id. After wrapping around, 0 is skipped.
func (g *IdGenerator) Id() uint32 {
	for {
		if id := g.id.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued id.
func (g *IdGenerator) Last() uint32 {
	return g.id.Load()
}
