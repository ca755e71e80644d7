// Package network declares the capability interfaces of the four sub-networks that make up
// the inverse-rendering model, and the parameter type optimizers work on.
//
// Every forward method returns, next to its outputs, a backward closure for that call.
// A backward closure accumulates parameter gradients (Param.Grad) and returns gradients with
// respect to the call's inputs. Nil gradient tensors, in and out, stand for zeros.
package network

import (
	"gorgonia.org/tensor"

	"relight/maps"
)

// Param is one learned tensor and its accumulated gradient.
type Param struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense
}

// NewParam allocates a zero parameter and gradient of the given shape.
func NewParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: maps.Zeros(shape...),
		Grad:  maps.Zeros(shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	g := p.Grad.Float64s()
	for i := range g {
		g[i] = 0
	}
}

// Module is anything that owns parameters.
type Module interface {
	// Name identifies the module in checkpoints.
	Name() string
	Params() []*Param
}

// FeatureStack holds encoder features ordered from shallowest to deepest.
type FeatureStack []*tensor.Dense

// Deepest returns the last feature map of the stack.
func (s FeatureStack) Deepest() *tensor.Dense {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// BRDFMaps are the per-pixel surface predictions.
type BRDFMaps struct {
	Albedo *tensor.Dense // [B, 3, H, W]
	Normal *tensor.Dense // [B, 3, H, W]
	Rough  *tensor.Dense // [B, 1, H, W]
	Depth  *tensor.Dense // [B, 1, H, W]
}

type (
	// EncoderBackward takes the gradient of every feature map.
	EncoderBackward func(dStack FeatureStack) error
	// EnvBackward takes the coefficient gradient and returns the deepest feature gradient.
	EnvBackward func(dCoeffs *tensor.Dense) (*tensor.Dense, error)
	// BRDFBackward takes the BRDF feature and map gradients and returns the stack gradient.
	BRDFBackward func(dFeature *tensor.Dense, dMaps BRDFMaps) (FeatureStack, error)
	// RelightBackward takes the image gradient and returns the stack, BRDF feature and
	// conditioning gradients.
	RelightBackward func(dImage *tensor.Dense) (dStack FeatureStack, dFeature, dCond *tensor.Dense, err error)
)

// Encoder extracts a feature stack from the network input.
type Encoder interface {
	Module
	Encode(input *tensor.Dense) (FeatureStack, EncoderBackward, error)
}

// EnvPredictor regresses environment coefficients [B, K] from the deepest feature.
type EnvPredictor interface {
	Module
	Predict(deepest *tensor.Dense) (*tensor.Dense, EnvBackward, error)
}

// BRDFDecoder decodes BRDF maps and an intermediate BRDF feature from the stack.
type BRDFDecoder interface {
	Module
	Decode(stack FeatureStack) (*tensor.Dense, BRDFMaps, BRDFBackward, error)
}

// RelightDecoder renders the object under the light encoded by cond, [B, D].
type RelightDecoder interface {
	Module
	Relight(stack FeatureStack, feature, cond *tensor.Dense) (*tensor.Dense, RelightBackward, error)
}
