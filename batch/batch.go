// Package batch defines the ground-truth example batch consumed by a training step.
package batch

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/maps"
)

var (
	// ErrEmptyMask is returned for a batch without a single foreground pixel.
	// Mask-normalised losses are undefined for such a batch.
	ErrEmptyMask = errors.New("batch has an empty mask")
	// ErrInvalidBatch is returned when a batch breaks a data-model invariant.
	ErrInvalidBatch = errors.New("invalid batch")
)

// normalTolerance bounds | |n| - 1 | on foreground pixels.
const normalTolerance = 1e-3

// Batch holds per-pixel ground truth for B examples on a common H x W grid.
type Batch struct {
	Albedo     *tensor.Dense // [B, 3, H, W]
	Normal     *tensor.Dense // [B, 3, H, W], unit length where Mask = 1
	Rough      *tensor.Dense // [B, 1, H, W]
	Depth      *tensor.Dense // [B, 1, H, W], positive where Mask = 1
	Mask       *tensor.Dense // [B, 1, H, W], binary
	Env        *tensor.Dense // [B, K] environment coefficients
	Background *tensor.Dense // [B, 3, H, W]
}

// Size returns the batch size and spatial extent.
func (b *Batch) Size() (n, h, w int) {
	n, _, h, w, _ = maps.Dims(b.Mask)
	return n, h, w
}

// PixelCount returns the number of foreground pixels over the whole batch.
func (b *Batch) PixelCount() float64 {
	return maps.Sum(b.Mask)
}

// Validate checks the batch against the data model. It returns ErrEmptyMask when the
// mask has no foreground pixel and a wrapped ErrInvalidBatch for every other violation.
func (b *Batch) Validate() error {
	n, c, h, w, err := maps.Dims(b.Mask)
	if err != nil {
		return errors.Wrapf(ErrInvalidBatch, "mask: %v", err)
	}
	if c != 1 {
		return errors.Wrapf(ErrInvalidBatch, "mask has %d channels", c)
	}

	for _, m := range []struct {
		name     string
		t        *tensor.Dense
		channels int
	}{
		{"albedo", b.Albedo, 3},
		{"normal", b.Normal, 3},
		{"rough", b.Rough, 1},
		{"depth", b.Depth, 1},
		{"background", b.Background, 3},
	} {
		mb, mc, mh, mw, err := maps.Dims(m.t)
		if err != nil {
			return errors.Wrapf(ErrInvalidBatch, "%s: %v", m.name, err)
		}
		if mb != n || mc != m.channels || mh != h || mw != w {
			return errors.Wrapf(ErrInvalidBatch, "%s is %v, want (%d, %d, %d, %d)", m.name, m.t.Shape(), n, m.channels, h, w)
		}
	}

	if b.Env == nil || b.Env.Dims() != 2 || b.Env.Shape()[0] != n {
		return errors.Wrapf(ErrInvalidBatch, "env must be (%d, K)", n)
	}

	mask := b.Mask.Float64s()
	normal := b.Normal.Float64s()
	depth := b.Depth.Float64s()
	plane := h * w
	foreground := 0
	for k := 0; k < n; k++ {
		for p := 0; p < plane; p++ {
			i := k*plane + p
			switch mask[i] {
			case 0:
				continue
			case 1:
				foreground++
			default:
				return errors.Wrapf(ErrInvalidBatch, "mask value %v at %d is not binary", mask[i], i)
			}
			if !(depth[i] > 0) {
				return errors.Wrapf(ErrInvalidBatch, "depth %v at %d is not positive", depth[i], i)
			}
			nx := normal[(k*3+0)*plane+p]
			ny := normal[(k*3+1)*plane+p]
			nz := normal[(k*3+2)*plane+p]
			if l := math.Sqrt(nx*nx + ny*ny + nz*nz); math.Abs(l-1) > normalTolerance {
				return errors.Wrapf(ErrInvalidBatch, "normal length %v at %d", l, i)
			}
		}
	}
	if foreground == 0 {
		return ErrEmptyMask
	}
	return nil
}
