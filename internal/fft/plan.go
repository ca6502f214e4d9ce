// Package fft implements an iterative radix-2 Cooley-Tukey transform over
// power-of-two lengths, with precomputed bit-reversal and twiddle tables.
package fft

import (
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
	"sync"
)

// Plan holds the bit-reversal permutation and twiddle factors for one
// transform length. A Plan is read-only after construction and may be shared
// by any number of concurrent transforms of that length.
type Plan struct {
	n        int
	bitrev   []int
	twiddles []complex128
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NewPlan builds the tables for length n. A length that is not a power of two
// is a caller bug and panics.
func NewPlan(n int) *Plan {
	if !IsPowerOfTwo(n) {
		panic(fmt.Sprintf("fft: length %d is not a power of two", n))
	}

	logN := bits.TrailingZeros(uint(n))
	bitrev := make([]int, n)
	for i := range bitrev {
		if logN > 0 {
			bitrev[i] = int(bits.Reverse(uint(i)) >> (bits.UintSize - logN))
		}
	}

	// One table per stage, concatenated: 1 + 2 + ... + n/2 = n-1 entries.
	twiddles := make([]complex128, 0, n-1)
	for size := 2; size <= n; size <<= 1 {
		for k := 0; k < size/2; k++ {
			twiddles = append(twiddles, cmplx.Exp(complex(0, -2*math.Pi*float64(k)/float64(size))))
		}
	}

	return &Plan{n: n, bitrev: bitrev, twiddles: twiddles}
}

// Len returns the transform length.
func (p *Plan) Len() int { return p.n }

// Scale is the factor TransformScaled applies to its output.
func (p *Plan) Scale() float64 { return 2 / float64(p.n) }

// Transform computes the unnormalized forward DFT of src into dst.
// dst and src must hold at least Len elements and may be the same slice;
// partially overlapping slices are not supported.
func (p *Plan) Transform(dst, src []complex128) {
	n := p.n
	if len(dst) < n || len(src) < n {
		panic(fmt.Sprintf("fft: buffers of %d/%d elements for length %d", len(dst), len(src), n))
	}
	dst, src = dst[:n], src[:n]

	if &dst[0] == &src[0] {
		for i, j := range p.bitrev {
			if i < j {
				dst[i], dst[j] = dst[j], dst[i]
			}
		}
	} else {
		for i, j := range p.bitrev {
			dst[i] = src[j]
		}
	}

	offset := 0
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		tw := p.twiddles[offset : offset+half]
		for start := 0; start < n; start += size {
			block := dst[start : start+size]
			for k, w := range tw {
				even := block[k]
				odd := w * block[k+half]
				block[k] = even + odd
				block[k+half] = even - odd
			}
		}
		offset += half
	}
}

// TransformScaled is Transform followed by multiplication with Scale.
func (p *Plan) TransformScaled(dst, src []complex128) {
	p.Transform(dst, src)
	s := complex(p.Scale(), 0)
	for i := range dst[:p.n] {
		dst[i] *= s
	}
}

// Inverse computes the unnormalized inverse DFT as conj(Transform(conj(src))).
// A Transform followed by Inverse reproduces the input scaled by Len.
func (p *Plan) Inverse(dst, src []complex128) {
	n := p.n
	if len(dst) < n || len(src) < n {
		panic(fmt.Sprintf("fft: buffers of %d/%d elements for length %d", len(dst), len(src), n))
	}
	for i := 0; i < n; i++ {
		dst[i] = cmplx.Conj(src[i])
	}
	p.Transform(dst, dst)
	for i := 0; i < n; i++ {
		dst[i] = cmplx.Conj(dst[i])
	}
}

// Cache hands out one Plan per distinct length.
type Cache struct {
	mu    sync.Mutex
	plans map[int]*Plan
}

// Get returns the cached Plan for n, building it on first use.
func (c *Cache) Get(n int) *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[n]; ok {
		return p
	}
	if c.plans == nil {
		c.plans = make(map[int]*Plan)
	}
	p := NewPlan(n)
	c.plans[n] = p
	return p
}

// Len reports how many plans have been built.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

var shared Cache

// For returns the process-wide Plan for length n. Plans are immutable, so
// sharing them carries no coordination beyond the first build.
func For(n int) *Plan {
	return shared.Get(n)
}
