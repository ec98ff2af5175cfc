package addralloc

import (
	"math/bits"
	"sync/atomic"
)

// atomicWord is a thin alias over atomic.Uint64, named for readability
// at call sites that aren't specifically about a meta word (the running
// allocation counter, the per-cacheline free-slot bitmap).
type atomicWord = atomic.Uint64

func trailingZeros64(w uint64) uint { return uint(bits.TrailingZeros64(w)) }
