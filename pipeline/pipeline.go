// Package pipeline wires the four sub-networks into one prediction per batch and runs the
// matching reverse pass.
package pipeline

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/maps"
	"relight/network"
	"relight/supervise"
)

// InputChannels is the width of the network input: image, masked image and mask.
const InputChannels = 7

// Pipeline composes the sub-networks. Any implementations of the capability interfaces
// may be plugged in.
type Pipeline struct {
	Encoder network.Encoder
	BRDF    network.BRDFDecoder
	Env     network.EnvPredictor
	Relight network.RelightDecoder
}

// New returns a pipeline over the reference networks.
func New(nets *network.Networks) *Pipeline {
	return &Pipeline{
		Encoder: nets.Encoder,
		BRDF:    nets.BRDF,
		Env:     nets.Env,
		Relight: nets.Relight,
	}
}

// Modules returns the networks in checkpoint order.
func (p *Pipeline) Modules() []network.Module {
	return []network.Module{p.Encoder, p.BRDF, p.Relight, p.Env}
}

// Prediction is everything predicted for one batch. It keeps the reverse-pass state of the
// forward call that produced it and must not outlive the iteration.
type Prediction struct {
	Maps  network.BRDFMaps
	Env   *tensor.Dense   // [B, K]
	Relit []*tensor.Dense // one masked image per auxiliary light

	mask      *tensor.Dense
	depth     int
	encoder   network.EncoderBackward
	env       network.EnvBackward
	brdf      network.BRDFBackward
	relighted []network.RelightBackward
}

// Gradients holds the gradient of a scalar objective with respect to a Prediction.
// Nil entries are zero.
type Gradients struct {
	Maps  network.BRDFMaps
	Env   *tensor.Dense
	Relit []*tensor.Dense
}

// Input concatenates the image, the masked image and the mask along channels.
func Input(image, mask *tensor.Dense) (*tensor.Dense, error) {
	masked, err := maps.MulMask(image, mask)
	if err != nil {
		return nil, err
	}
	return maps.Concat(image, masked, mask)
}

// Conditioning joins a light [B, 3] and environment coefficients [B, K] into [B, 3+K].
func Conditioning(light, env *tensor.Dense) (*tensor.Dense, error) {
	if light == nil || env == nil || light.Dims() != 2 || env.Dims() != 2 {
		return nil, errors.Wrap(maps.ErrShape, "conditioning takes two 2-D tensors")
	}
	ls, es := light.Shape(), env.Shape()
	if ls[0] != es[0] || ls[1] != 3 {
		return nil, errors.Wrapf(maps.ErrShape, "light %v and env %v", ls, es)
	}
	b, k := es[0], es[1]
	out := maps.Zeros(b, 3+k)
	dst, l, e := out.Float64s(), light.Float64s(), env.Float64s()
	for n := 0; n < b; n++ {
		copy(dst[n*(3+k):], l[n*3:(n+1)*3])
		copy(dst[n*(3+k)+3:], e[n*k:(n+1)*k])
	}
	return out, nil
}

// Forward predicts BRDF maps, environment coefficients and one relit image per auxiliary
// light of sup. Relit images are masked by mask.
func (p *Pipeline) Forward(sup *supervise.Supervision, mask *tensor.Dense) (*Prediction, error) {
	input, err := Input(sup.Input, mask)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline input")
	}
	stack, encBack, err := p.Encoder.Encode(input)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	if len(stack) == 0 {
		return nil, errors.New("encoder returned an empty feature stack")
	}
	env, envBack, err := p.Env.Predict(stack.Deepest())
	if err != nil {
		return nil, errors.Wrap(err, "predict environment")
	}
	feature, brdf, brdfBack, err := p.BRDF.Decode(stack)
	if err != nil {
		return nil, errors.Wrap(err, "decode brdf")
	}

	pred := &Prediction{
		Maps:    brdf,
		Env:     env,
		mask:    mask,
		depth:   len(stack),
		encoder: encBack,
		env:     envBack,
		brdf:    brdfBack,
	}
	for i, light := range sup.AuxLights {
		cond, err := Conditioning(light, env)
		if err != nil {
			return nil, errors.Wrapf(err, "conditioning %d", i)
		}
		img, back, err := p.Relight.Relight(stack, feature, cond)
		if err != nil {
			return nil, errors.Wrapf(err, "relight %d", i)
		}
		if img, err = maps.MulMask(img, mask); err != nil {
			return nil, errors.Wrapf(err, "relight %d", i)
		}
		pred.Relit = append(pred.Relit, img)
		pred.relighted = append(pred.relighted, back)
	}
	return pred, nil
}

// Backward propagates g through every network, accumulating parameter gradients.
func (pr *Prediction) Backward(g Gradients) error {
	if g.Relit != nil && len(g.Relit) != len(pr.Relit) {
		return errors.Errorf("%d relit gradients for %d relit images", len(g.Relit), len(pr.Relit))
	}
	dStack := make(network.FeatureStack, pr.depth)
	var dFeature *tensor.Dense
	dEnv := maps.ZerosLike(pr.Env)
	if g.Env != nil {
		if err := maps.AddInto(dEnv, g.Env); err != nil {
			return errors.Wrap(err, "env gradient")
		}
	}
	k := pr.Env.Shape()[1]

	for i, back := range pr.relighted {
		var dImage *tensor.Dense
		if g.Relit != nil && g.Relit[i] != nil {
			var err error
			if dImage, err = maps.MulMask(g.Relit[i], pr.mask); err != nil {
				return errors.Wrapf(err, "relit gradient %d", i)
			}
		}
		ds, df, dc, err := back(dImage)
		if err != nil {
			return errors.Wrapf(err, "relight %d backward", i)
		}
		if err := addStack(dStack, ds); err != nil {
			return err
		}
		if dFeature, err = accumulate(dFeature, df); err != nil {
			return err
		}
		addEnvSlice(dEnv, dc, k)
	}

	ds, err := pr.brdf(dFeature, g.Maps)
	if err != nil {
		return errors.Wrap(err, "brdf backward")
	}
	if err := addStack(dStack, ds); err != nil {
		return err
	}

	dDeep, err := pr.env(dEnv)
	if err != nil {
		return errors.Wrap(err, "env backward")
	}
	last := len(dStack) - 1
	if dStack[last], err = accumulate(dStack[last], dDeep); err != nil {
		return err
	}

	return errors.Wrap(pr.encoder(dStack), "encoder backward")
}

// addEnvSlice adds the coefficient columns of a conditioning gradient [B, 3+K] to dEnv.
func addEnvSlice(dEnv, dCond *tensor.Dense, k int) {
	if dCond == nil {
		return
	}
	dst, src := dEnv.Float64s(), dCond.Float64s()
	for n := 0; n < len(dst)/k; n++ {
		for j := 0; j < k; j++ {
			dst[n*k+j] += src[n*(3+k)+3+j]
		}
	}
}

func addStack(dst, src network.FeatureStack) error {
	if src == nil {
		return nil
	}
	if len(src) != len(dst) {
		return errors.Wrapf(maps.ErrShape, "stack gradient has %d maps, want %d", len(src), len(dst))
	}
	for i := range src {
		var err error
		if dst[i], err = accumulate(dst[i], src[i]); err != nil {
			return errors.Wrapf(err, "feature %d", i)
		}
	}
	return nil
}

func accumulate(dst, src *tensor.Dense) (*tensor.Dense, error) {
	switch {
	case src == nil:
		return dst, nil
	case dst == nil:
		return maps.Clone(src), nil
	}
	return dst, maps.AddInto(dst, src)
}
