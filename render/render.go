// Package render defines the render function contract used to synthesise training images,
// and the caller-side composition of its outputs into a network-ready image.
package render

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/maps"
)

// Renderer shades per-pixel BRDF maps. Both methods are pure: equal inputs give equal
// outputs and no state is kept between calls. Outputs are [B, 3, H, W].
type Renderer interface {
	// Point shades the object under one point light per batch element. light is [B, 3].
	Point(albedo, normal, rough, depth, mask, light *tensor.Dense) (*tensor.Dense, error)
	// Env shades the object under the environment lighting encoded by env, [B, K].
	Env(albedo, normal, rough, mask, env *tensor.Dense) (*tensor.Dense, error)
}

// Compose combines rendered terms into a network-ready image:
//
//	clamp(2 * (point*mask + env + background) - 1, -1, 1)
//
// point may be nil when no point light contributes.
func Compose(point, env, background, mask *tensor.Dense) (*tensor.Dense, error) {
	if env == nil || background == nil {
		return nil, errors.Wrap(maps.ErrShape, "env and background are required")
	}
	if !maps.SameShape(env, background) {
		return nil, errors.Wrapf(maps.ErrShape, "env %v vs background %v", env.Shape(), background.Shape())
	}
	out := maps.Clone(env)
	if err := maps.AddInto(out, background); err != nil {
		return nil, err
	}
	if point != nil {
		lit, err := maps.MulMask(point, mask)
		if err != nil {
			return nil, errors.Wrap(err, "point term")
		}
		if err := maps.AddInto(out, lit); err != nil {
			return nil, errors.Wrap(err, "point term")
		}
	}
	data := out.Float64s()
	for i, v := range data {
		data[i] = Clamp(2*v-1, -1, 1)
	}
	return out, nil
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
