// Package loss computes the weighted training objective and its gradients.
package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"relight/batch"
	"relight/maps"
	"relight/pipeline"
	"relight/supervise"
)

var (
	// ErrAuxMismatch is returned when relit predictions and targets do not pair up.
	ErrAuxMismatch = errors.New("relit predictions and targets differ in number")
	// ErrNonFinite is returned when the total loss is NaN or infinite.
	ErrNonFinite = errors.New("non-finite loss")
)

// Weights scale the terms of the total loss.
type Weights struct {
	Albedo float64 `json:"albedo"`
	Normal float64 `json:"normal"`
	Rough  float64 `json:"rough"`
	Depth  float64 `json:"depth"`
	Relit  float64 `json:"relit"`
	Env    float64 `json:"env"`
}

// DefaultWeights returns the standard term weights.
func DefaultWeights() Weights {
	return Weights{Albedo: 1, Normal: 1, Rough: 0.5, Depth: 0.5, Relit: 1, Env: 0.01}
}

// Terms are the unweighted loss terms of one batch and their weighted total.
type Terms struct {
	Albedo float64
	Normal float64
	Rough  float64
	Depth  float64
	Env    float64
	Relit  float64 // summed over auxiliary lights
	Total  float64
}

// MaskedMSE is the squared error over foreground pixels divided by PixelCount and by the
// number of channels.
type MaskedMSE struct {
	Mask       *tensor.Dense // [B, 1, H, W]
	PixelCount float64
}

// Compute returns the masked mean squared error between output and target.
func (l MaskedMSE) Compute(output, target *tensor.Dense) (float64, error) {
	var loss float64
	c, err := l.each(output, target, func(i int, d, m float64) {
		loss += d * d * m
	})
	if err != nil {
		return 0, err
	}
	return loss / l.PixelCount / float64(c), nil
}

// Gradient returns the derivative of Compute with respect to output.
func (l MaskedMSE) Gradient(output, target *tensor.Dense) (*tensor.Dense, error) {
	grad := maps.ZerosLike(output)
	g := grad.Float64s()
	c, err := l.each(output, target, func(i int, d, m float64) {
		g[i] = d * m
	})
	if err != nil {
		return nil, err
	}
	floats.Scale(2/l.PixelCount/float64(c), g)
	return grad, nil
}

// each calls fn with the flat index, output-target difference and mask value of every
// entry, and returns the channel count.
func (l MaskedMSE) each(output, target *tensor.Dense, fn func(i int, d, m float64)) (int, error) {
	if !maps.SameShape(output, target) {
		return 0, errors.Wrap(maps.ErrShape, "output and target differ")
	}
	b, c, h, w, err := maps.Dims(output)
	if err != nil {
		return 0, err
	}
	mb, mc, mh, mw, err := maps.Dims(l.Mask)
	if err != nil || mb != b || mc != 1 || mh != h || mw != w {
		return 0, errors.Wrapf(maps.ErrShape, "mask does not cover %v", output.Shape())
	}
	if l.PixelCount <= 0 {
		return 0, batch.ErrEmptyMask
	}
	plane := h * w
	o, t, m := output.Float64s(), target.Float64s(), l.Mask.Float64s()
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			base := (n*c + ch) * plane
			for p := 0; p < plane; p++ {
				fn(base+p, o[base+p]-t[base+p], m[n*plane+p])
			}
		}
	}
	return c, nil
}

// Aggregator combines the six loss terms.
type Aggregator struct {
	Weights Weights
}

// New returns an Aggregator with the given weights.
func New(w Weights) *Aggregator {
	return &Aggregator{Weights: w}
}

// Compute returns the loss terms of pred against the ground truth in b and the relit
// targets in sup, along with the gradients of the total. Nothing is returned for a batch
// with an empty mask, mismatched relit counts or a non-finite total.
func (a *Aggregator) Compute(pred *pipeline.Prediction, b *batch.Batch, sup *supervise.Supervision) (Terms, pipeline.Gradients, error) {
	var terms Terms
	count := b.PixelCount()
	if count == 0 {
		return terms, pipeline.Gradients{}, batch.ErrEmptyMask
	}
	if len(pred.Relit) != len(sup.AuxTargets) {
		return terms, pipeline.Gradients{}, errors.Wrapf(ErrAuxMismatch, "%d predictions, %d targets", len(pred.Relit), len(sup.AuxTargets))
	}
	mse := MaskedMSE{Mask: b.Mask, PixelCount: count}
	w := a.Weights

	spatial := []struct {
		name   string
		out    *tensor.Dense
		target *tensor.Dense
		term   *float64
	}{
		{"albedo", pred.Maps.Albedo, b.Albedo, &terms.Albedo},
		{"normal", pred.Maps.Normal, b.Normal, &terms.Normal},
		{"rough", pred.Maps.Rough, b.Rough, &terms.Rough},
		{"depth", pred.Maps.Depth, b.Depth, &terms.Depth},
	}
	for _, s := range spatial {
		v, err := mse.Compute(s.out, s.target)
		if err != nil {
			return Terms{}, pipeline.Gradients{}, errors.Wrap(err, s.name)
		}
		*s.term = v
	}
	for i, relit := range pred.Relit {
		v, err := mse.Compute(relit, sup.AuxTargets[i])
		if err != nil {
			return Terms{}, pipeline.Gradients{}, errors.Wrapf(err, "relit %d", i)
		}
		terms.Relit += v
	}

	if !maps.SameShape(pred.Env, b.Env) {
		return Terms{}, pipeline.Gradients{}, errors.Wrapf(maps.ErrShape, "env prediction %v", pred.Env.Shape())
	}
	envDiff := make([]float64, len(b.Env.Float64s()))
	floats.SubTo(envDiff, pred.Env.Float64s(), b.Env.Float64s())
	terms.Env = floats.Dot(envDiff, envDiff) / float64(len(envDiff))

	terms.Total = w.Albedo*terms.Albedo + w.Normal*terms.Normal + w.Rough*terms.Rough +
		w.Depth*terms.Depth + w.Relit*terms.Relit + w.Env*terms.Env
	if math.IsNaN(terms.Total) || math.IsInf(terms.Total, 0) {
		return terms, pipeline.Gradients{}, errors.Wrapf(ErrNonFinite, "total %v", terms.Total)
	}

	var grads pipeline.Gradients
	weighted := func(out, target *tensor.Dense, weight float64) (*tensor.Dense, error) {
		g, err := mse.Gradient(out, target)
		if err != nil {
			return nil, err
		}
		floats.Scale(weight, g.Float64s())
		return g, nil
	}
	var err error
	if grads.Maps.Albedo, err = weighted(pred.Maps.Albedo, b.Albedo, w.Albedo); err != nil {
		return Terms{}, pipeline.Gradients{}, err
	}
	if grads.Maps.Normal, err = weighted(pred.Maps.Normal, b.Normal, w.Normal); err != nil {
		return Terms{}, pipeline.Gradients{}, err
	}
	if grads.Maps.Rough, err = weighted(pred.Maps.Rough, b.Rough, w.Rough); err != nil {
		return Terms{}, pipeline.Gradients{}, err
	}
	if grads.Maps.Depth, err = weighted(pred.Maps.Depth, b.Depth, w.Depth); err != nil {
		return Terms{}, pipeline.Gradients{}, err
	}
	grads.Relit = make([]*tensor.Dense, len(pred.Relit))
	for i, relit := range pred.Relit {
		if grads.Relit[i], err = weighted(relit, sup.AuxTargets[i], w.Relit); err != nil {
			return Terms{}, pipeline.Gradients{}, err
		}
	}
	grads.Env = maps.ZerosLike(pred.Env)
	floats.ScaleTo(grads.Env.Float64s(), 2*w.Env/float64(len(envDiff)), envDiff)
	return terms, grads, nil
}
