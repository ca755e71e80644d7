package network

import "math"

// ActivationFunction is applied element-wise after every pixel layer. Derivative takes the
// pre-activation input, which is what the layers keep for their reverse pass.
type ActivationFunction interface {
	Name() string
	Activate(x float64) float64
	Derivative(x float64) float64
}

// ReLU clips negative inputs to zero.
type ReLU struct{}

func (ReLU) Name() string { return "relu" }

func (ReLU) Activate(x float64) float64 {
	return math.Max(x, 0)
}

func (ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// LeakyReLU scales negative inputs by Alpha instead of clipping them.
type LeakyReLU struct {
	Alpha float64
}

func NewLeakyReLU(alpha float64) LeakyReLU {
	return LeakyReLU{Alpha: alpha}
}

func (LeakyReLU) Name() string { return "leaky_relu" }

func (l LeakyReLU) Activate(x float64) float64 {
	return x * l.Derivative(x)
}

func (l LeakyReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return l.Alpha
}

// Sigmoid maps onto (0, 1).
type Sigmoid struct{}

func (Sigmoid) Name() string { return "sigmoid" }

func (Sigmoid) Activate(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (s Sigmoid) Derivative(x float64) float64 {
	y := s.Activate(x)
	return y * (1 - y)
}

// Tanh maps onto (-1, 1), the range of the signed image maps.
type Tanh struct{}

func (Tanh) Name() string { return "tanh" }

func (Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

func (Tanh) Derivative(x float64) float64 {
	y := math.Tanh(x)
	return 1 - y*y
}

// Linear leaves its input unchanged.
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Activate(x float64) float64 { return x }

func (Linear) Derivative(float64) float64 { return 1 }

var activations = []ActivationFunction{ReLU{}, NewLeakyReLU(0.2), Sigmoid{}, Tanh{}, Linear{}}

// ActivationByName maps configuration names to activation functions.
func ActivationByName(name string) (ActivationFunction, bool) {
	for _, a := range activations {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}
