package connect

import (
	"errors"
	"math/rand"
)

var ErrCorrelationExhausted = errors.New("all correlation ids of the range are in use")

// correlationGenerator hands out correlation ids from [start, end]. It starts at a
// random offset and cycles through the range, skipping ids that are still in use.
// Owned by the worker of its connect, not safe for concurrent use.
type correlationGenerator struct {
	start uint32
	end   uint32
	next  uint32
}

func newCorrelationGenerator(start, end uint32, rnd *rand.Rand) *correlationGenerator {
	span := uint64(end-start) + 1
	return &correlationGenerator{
		start: start,
		end:   end,
		next:  start + uint32(rnd.Int63n(int64(span))),
	}
}

// allocate returns the next id for which inUse reports false
func (g *correlationGenerator) allocate(inUse func(id uint32) bool) (uint32, error) {
	span := uint64(g.end-g.start) + 1
	for i := uint64(0); i < span; i++ {
		id := g.next
		if g.next == g.end {
			g.next = g.start
		} else {
			g.next++
		}
		if !inUse(id) {
			return id, nil
		}
	}
	return 0, ErrCorrelationExhausted
}

// contains reports whether id lies in the range of the generator
func (g *correlationGenerator) contains(id uint32) bool {
	return id >= g.start && id <= g.end
}
