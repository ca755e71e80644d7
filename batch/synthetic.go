package batch

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"relight/maps"
	"relight/parallel"
)

// Synthetic generates sphere-like objects with random materials and lighting.
// It stands in for a dataset: batches are a pure function of (Seed, epoch, iter).
type Synthetic struct {
	BatchSize int
	Height    int
	Width     int
	EnvLen    int
	Seed      int64
	Workers   int
}

// Batch returns the batch for the given epoch and iteration. Examples are generated
// concurrently; each worker writes only its own slice of the batch tensors.
func (s *Synthetic) Batch(epoch, iter int) (*Batch, error) {
	if s.BatchSize <= 0 || s.Height <= 0 || s.Width <= 0 || s.EnvLen <= 0 {
		return nil, errors.Errorf("synthetic source needs positive sizes, got %+v", *s)
	}
	n, h, w := s.BatchSize, s.Height, s.Width
	b := &Batch{
		Albedo:     maps.Zeros(n, 3, h, w),
		Normal:     maps.Zeros(n, 3, h, w),
		Rough:      maps.Zeros(n, 1, h, w),
		Depth:      maps.Zeros(n, 1, h, w),
		Mask:       maps.Zeros(n, 1, h, w),
		Env:        maps.Zeros(n, s.EnvLen),
		Background: maps.Zeros(n, 3, h, w),
	}

	parallel.ForEach(n, s.Workers, func(k int) {
		seed := s.Seed ^ int64(epoch)<<40 ^ int64(iter)<<16 ^ int64(k)
		s.example(b, k, rand.New(rand.NewSource(seed)))
	})
	return b, nil
}

func (s *Synthetic) example(b *Batch, k int, random *rand.Rand) {
	h, w := s.Height, s.Width
	plane := h * w

	cx := uniform(random, -0.2, 0.2)
	cy := uniform(random, -0.2, 0.2)
	radius := uniform(random, 0.5, 0.8)
	rough := uniform(random, 0.2, 0.9)
	var color, bg [3]float64
	for ch := range color {
		color[ch] = uniform(random, 0.2, 0.9)
		bg[ch] = uniform(random, 0, 0.3)
	}

	albedo := b.Albedo.Float64s()
	normal := b.Normal.Float64s()
	roughness := b.Rough.Float64s()
	depth := b.Depth.Float64s()
	mask := b.Mask.Float64s()
	background := b.Background.Float64s()

	for i := 0; i < h; i++ {
		v := 1 - 2*(float64(i)+0.5)/float64(h)
		for j := 0; j < w; j++ {
			u := 2*(float64(j)+0.5)/float64(w) - 1
			p := i*w + j
			dx := (u - cx) / radius
			dy := (v - cy) / radius
			d2 := dx*dx + dy*dy
			if d2 >= 1 {
				for ch := 0; ch < 3; ch++ {
					background[(k*3+ch)*plane+p] = bg[ch]
				}
				continue
			}
			nz := math.Sqrt(1 - d2)
			mask[k*plane+p] = 1
			normal[(k*3+0)*plane+p] = dx
			normal[(k*3+1)*plane+p] = dy
			normal[(k*3+2)*plane+p] = nz
			depth[k*plane+p] = 2 - radius*nz
			roughness[k*plane+p] = rough
			for ch := 0; ch < 3; ch++ {
				albedo[(k*3+ch)*plane+p] = color[ch]
			}
		}
	}

	env := b.Env.Float64s()[k*s.EnvLen : (k+1)*s.EnvLen]
	for i := range env {
		env[i] = uniform(random, -0.2, 0.2)
	}
	// With channel-major SH layout the first coefficient of every 9 is the DC term.
	for i := 0; i < len(env); i += 9 {
		env[i] = uniform(random, 0.6, 1.2)
	}
}

func uniform(random *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*random.Float64()
}
