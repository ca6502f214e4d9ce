package device

import (
	"math"
	"math/rand"

	"scopie/internal/frame"
)

type skyStar struct {
	x, y, amp, sigma float64
}

// Sky is a fixed synthetic star field rendered at arbitrary sub-pixel shifts.
type Sky struct {
	width, height int
	background    float64
	noise         float64
	stars         []skyStar
	rng           *rand.Rand
}

// NewSky places count stars at random over a width x height field. The same
// seed gives the same field. Sky is not safe for concurrent use.
func NewSky(width, height, count int, seed int64) *Sky {
	rng := rand.New(rand.NewSource(seed))
	s := &Sky{width: width, height: height, background: 400, noise: 6, rng: rng}
	for i := 0; i < count; i++ {
		s.stars = append(s.stars, skyStar{
			x:     rng.Float64() * float64(width),
			y:     rng.Float64() * float64(height),
			amp:   800 + rng.Float64()*20000,
			sigma: 1.8 + rng.Float64(),
		})
	}
	return s
}

// Render draws the field shifted by (dx, dy) pixels as a frame of the given
// bit depth (8 or 16).
func (s *Sky) Render(dx, dy float64, bitDepth int) frame.Frame {
	acc := make([]float64, s.width*s.height)
	for i := range acc {
		acc[i] = s.background + s.rng.NormFloat64()*s.noise
	}
	for _, st := range s.stars {
		cx, cy := st.x+dx, st.y+dy
		r := int(math.Ceil(4 * st.sigma))
		x0, x1 := max(0, int(cx)-r), min(s.width-1, int(cx)+r)
		y0, y1 := max(0, int(cy)-r), min(s.height-1, int(cy)+r)
		k := -1 / (2 * st.sigma * st.sigma)
		for y := y0; y <= y1; y++ {
			ey := float64(y) - cy
			for x := x0; x <= x1; x++ {
				ex := float64(x) - cx
				acc[y*s.width+x] += st.amp * math.Exp((ex*ex+ey*ey)*k)
			}
		}
	}

	if bitDepth == 8 {
		pix := make([]uint8, len(acc))
		for i, v := range acc {
			pix[i] = uint8(clamp(v/256, 255))
		}
		f, _ := frame.NewGray8(s.width, s.height, pix)
		return f
	}
	pix := make([]uint16, len(acc))
	for i, v := range acc {
		pix[i] = uint16(clamp(v, 65535))
	}
	f, _ := frame.NewGray16(s.width, s.height, pix)
	return f
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(hi, math.Round(v)))
}
