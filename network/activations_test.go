package network

import (
	"math"
	"testing"
)

func TestReLUActivate(t *testing.T) {
	r := ReLU{}
	if got := r.Activate(-1); got != 0 {
		t.Errorf("ReLU.Activate(-1) = %v; want 0", got)
	}
	if got := r.Activate(2); got != 2 {
		t.Errorf("ReLU.Activate(2) = %v; want 2", got)
	}
}

func TestSigmoidActivate(t *testing.T) {
	s := Sigmoid{}
	if got := s.Activate(0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Sigmoid.Activate(0) = %v; want 0.5", got)
	}
}

func TestLeakyReLUDerivative(t *testing.T) {
	l := NewLeakyReLU(0.1)
	if got := l.Derivative(-3); got != 0.1 {
		t.Errorf("LeakyReLU.Derivative(-3) = %v; want 0.1", got)
	}
	if got := l.Activate(-3); math.Abs(got+0.3) > 1e-12 {
		t.Errorf("LeakyReLU.Activate(-3) = %v; want -0.3", got)
	}
}

func TestDerivativesMatchSlopes(t *testing.T) {
	const h = 1e-6
	for _, name := range []string{"relu", "leaky_relu", "sigmoid", "tanh", "linear"} {
		act, ok := ActivationByName(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		for _, x := range []float64{-2, -0.5, 0.3, 1.7} {
			slope := (act.Activate(x+h) - act.Activate(x-h)) / (2 * h)
			if math.Abs(slope-act.Derivative(x)) > 1e-6 {
				t.Errorf("%s'(%v) = %v; slope %v", name, x, act.Derivative(x), slope)
			}
		}
	}
	if _, ok := ActivationByName("softplus"); ok {
		t.Error("unknown activation resolved")
	}
}

func TestActivationNames(t *testing.T) {
	for _, name := range []string{"relu", "leaky_relu", "sigmoid", "tanh", "linear"} {
		act, ok := ActivationByName(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		if act.Name() != name {
			t.Errorf("ActivationByName(%q).Name() = %q", name, act.Name())
		}
	}
	if got := NewLeakyReLU(0.2).Activate(2); got != 2 {
		t.Errorf("LeakyReLU.Activate(2) = %v; want 2", got)
	}
}
