// Package lights draws the light values used to build self-supervision targets.
package lights

import (
	"math"

	"gorgonia.org/tensor"
)

const (
	// DefaultSpan is the half-width of the box point lights are drawn from.
	DefaultSpan = 2.0
	// DefaultHeight is the fixed z of sampled point lights.
	DefaultHeight = 0.0
)

// Source provides uniform random numbers in [0, 1).
// *rand.Rand satisfies it; tests can substitute a fixed sequence.
type Source interface {
	Float64() float64
}

// SampleHemisphereDirections returns n unit directions drawn uniformly over the upper
// hemisphere, with z shifted down by one so that every sample lies in [-1, 0].
func SampleHemisphereDirections(src Source, n int) *tensor.Dense {
	data := make([]float64, n*3)
	for i := 0; i < n; i++ {
		x, y, z := uniformInHemisphere(src)
		data[i*3+0] = x
		data[i*3+1] = y
		data[i*3+2] = z
	}
	return tensor.New(tensor.WithShape(n, 3), tensor.WithBacking(data))
}

func uniformInHemisphere(src Source) (x, y, z float64) {
	phi := src.Float64() * 2 * math.Pi
	cosTheta := src.Float64()

	sinTheta := math.Sqrt(math.Max(0, 1-cosTheta*cosTheta))
	x = sinTheta * math.Cos(phi)
	y = sinTheta * math.Sin(phi)
	z = cosTheta - 1
	return x, y, z
}

// SamplePointLights returns n light positions with x and y uniform in [-span, span]
// and z fixed to height.
func SamplePointLights(src Source, n int, span, height float64) *tensor.Dense {
	data := make([]float64, n*3)
	for i := 0; i < n; i++ {
		data[i*3+0] = (2*src.Float64() - 1) * span
		data[i*3+1] = (2*src.Float64() - 1) * span
		data[i*3+2] = height
	}
	return tensor.New(tensor.WithShape(n, 3), tensor.WithBacking(data))
}

// Zero returns n zero lights. Builders treat a zero light as "point light off".
func Zero(n int) *tensor.Dense {
	return tensor.New(tensor.WithShape(n, 3), tensor.WithBacking(make([]float64, n*3)))
}
