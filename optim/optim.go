// Package optim holds the per-network optimizers and the joint optimizer that steps them
// together.
package optim

import (
	"math"

	"github.com/pkg/errors"

	"relight/network"
)

// ErrNonFinite is returned by Step when a gradient holds NaN or an infinity. No parameter
// is changed in that case.
var ErrNonFinite = errors.New("non-finite gradient")

// Optimizer applies accumulated gradients to a fixed set of parameters.
type Optimizer interface {
	Params() []*network.Param
	// ZeroGrad clears the gradients of every parameter.
	ZeroGrad()
	// Step updates every parameter from its gradient.
	Step() error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Adam defaults.
const (
	DefaultBeta1 = 0.5
	DefaultBeta2 = 0.999
	DefaultEps   = 1e-8
)

// Adam implements the Adam update with bias-corrected moment estimates.
type Adam struct {
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*network.Param
	lr     float64
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdam returns an Adam optimizer over params.
func NewAdam(params []*network.Param, lr, beta1, beta2 float64) *Adam {
	a := &Adam{Beta1: beta1, Beta2: beta2, Eps: DefaultEps, params: params, lr: lr}
	for _, p := range params {
		n := len(p.Value.Float64s())
		a.m = append(a.m, make([]float64, n))
		a.v = append(a.v, make([]float64, n))
	}
	return a
}

func (a *Adam) Params() []*network.Param { return a.params }

func (a *Adam) ZeroGrad() { zeroGrad(a.params) }

func (a *Adam) LearningRate() float64 { return a.lr }

func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

// Step implements Optimizer.
func (a *Adam) Step() error {
	if err := checkGradients(a.params); err != nil {
		return err
	}
	a.t++
	corr1 := 1 - math.Pow(a.Beta1, float64(a.t))
	corr2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		w, g := p.Value.Float64s(), p.Grad.Float64s()
		m, v := a.m[i], a.v[i]
		for j := range w {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			w[j] -= a.lr * (m[j] / corr1) / (math.Sqrt(v[j]/corr2) + a.Eps)
		}
	}
	return nil
}

// SGD is gradient descent with momentum and L2 regularisation.
type SGD struct {
	Momentum float64
	L2       float64

	params   []*network.Param
	lr       float64
	velocity [][]float64
}

// NewSGD returns a momentum SGD optimizer over params.
func NewSGD(params []*network.Param, lr, momentum float64) *SGD {
	s := &SGD{Momentum: momentum, params: params, lr: lr}
	for _, p := range params {
		s.velocity = append(s.velocity, make([]float64, len(p.Value.Float64s())))
	}
	return s
}

func (s *SGD) Params() []*network.Param { return s.params }

func (s *SGD) ZeroGrad() { zeroGrad(s.params) }

func (s *SGD) LearningRate() float64 { return s.lr }

func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// Step implements Optimizer.
func (s *SGD) Step() error {
	if err := checkGradients(s.params); err != nil {
		return err
	}
	for i, p := range s.params {
		w, g := p.Value.Float64s(), p.Grad.Float64s()
		vel := s.velocity[i]
		for j := range w {
			vel[j] = s.Momentum*vel[j] - s.lr*(g[j]+s.L2*w[j])
			w[j] += vel[j]
		}
	}
	return nil
}

// New returns the optimizer registered under name.
func New(name string, params []*network.Param, lr, beta1, beta2 float64) (Optimizer, error) {
	switch name {
	case "adam", "":
		return NewAdam(params, lr, beta1, beta2), nil
	case "sgd":
		return NewSGD(params, lr, beta1), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}

func zeroGrad(params []*network.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// checkGradients fails on the first NaN or infinite gradient entry.
func checkGradients(params []*network.Param) error {
	for _, p := range params {
		for i, g := range p.Grad.Float64s() {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return errors.Wrapf(ErrNonFinite, "%s[%d] is %v", p.Name, i, g)
			}
		}
	}
	return nil
}
