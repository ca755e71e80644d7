package network

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"relight/maps"
)

// Module names, also used as checkpoint file names.
const (
	EncoderName        = "encoder"
	BRDFDecoderName    = "decoder_brdf"
	RelightDecoderName = "decoder_render"
	EnvPredictorName   = "env_predictor"
)

// brdfChannels is albedo(3) + normal(3) + roughness(1) + depth(1).
const brdfChannels = 8

// PixelEncoder is a stack of per-pixel layers; every layer output is one feature map.
type PixelEncoder struct {
	layers []*pixelLayer
}

// NewPixelEncoder returns an encoder with depth layers of width features.
func NewPixelEncoder(in, features, depth int, act ActivationFunction, random *rand.Rand) *PixelEncoder {
	e := &PixelEncoder{}
	for i := 0; i < depth; i++ {
		e.layers = append(e.layers, newPixelLayer(EncoderName+".layer"+strconv.Itoa(i), in, features, act, random))
		in = features
	}
	return e
}

func (e *PixelEncoder) Name() string { return EncoderName }

func (e *PixelEncoder) Params() []*Param {
	var ps []*Param
	for _, l := range e.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// Encode implements Encoder.
func (e *PixelEncoder) Encode(input *tensor.Dense) (FeatureStack, EncoderBackward, error) {
	b, _, h, w, err := maps.Dims(input)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoder input")
	}
	x, err := toRows(input)
	if err != nil {
		return nil, nil, err
	}

	ins := make([]*mat.Dense, len(e.layers))
	pre := make([]*mat.Dense, len(e.layers))
	stack := make(FeatureStack, len(e.layers))
	for i, l := range e.layers {
		y, z, err := l.forward(x)
		if err != nil {
			return nil, nil, err
		}
		ins[i], pre[i] = x, z
		stack[i] = fromRows(y, b, h, w)
		x = y
	}

	backward := func(dStack FeatureStack) error {
		if len(dStack) != len(e.layers) {
			return errors.Wrapf(maps.ErrShape, "encoder got %d feature gradients, want %d", len(dStack), len(e.layers))
		}
		var above *mat.Dense
		for i := len(e.layers) - 1; i >= 0; i-- {
			rows, _ := pre[i].Dims()
			_, out := e.layers[i].dims()
			dy, err := rowsOrZeros(dStack[i], rows, out)
			if err != nil {
				return errors.Wrapf(err, "feature %d", i)
			}
			if above != nil {
				dy.Add(dy, above)
			}
			above = e.layers[i].backward(ins[i], pre[i], dy)
		}
		return nil
	}
	return stack, backward, nil
}

// PooledEnvPredictor averages the deepest feature over space and maps it to coefficients.
type PooledEnvPredictor struct {
	layer *pixelLayer
}

// NewPooledEnvPredictor returns a predictor from features channels to coeffs outputs.
func NewPooledEnvPredictor(features, coeffs int, random *rand.Rand) *PooledEnvPredictor {
	return &PooledEnvPredictor{layer: newPixelLayer(EnvPredictorName+".head", features, coeffs, Linear{}, random)}
}

func (p *PooledEnvPredictor) Name() string { return EnvPredictorName }

func (p *PooledEnvPredictor) Params() []*Param { return p.layer.params() }

// Predict implements EnvPredictor.
func (p *PooledEnvPredictor) Predict(deepest *tensor.Dense) (*tensor.Dense, EnvBackward, error) {
	b, c, h, w, err := maps.Dims(deepest)
	if err != nil {
		return nil, nil, errors.Wrap(err, "env predictor input")
	}
	plane := h * w
	src := deepest.Float64s()
	pooled := mat.NewDense(b, c, nil)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			var s float64
			for _, v := range src[(n*c+ch)*plane : (n*c+ch+1)*plane] {
				s += v
			}
			pooled.Set(n, ch, s/float64(plane))
		}
	}

	y, z, err := p.layer.forward(pooled)
	if err != nil {
		return nil, nil, err
	}

	backward := func(dCoeffs *tensor.Dense) (*tensor.Dense, error) {
		_, out := p.layer.dims()
		dy := mat.NewDense(b, out, nil)
		if dCoeffs != nil {
			m, err := matrix(dCoeffs)
			if err != nil {
				return nil, errors.Wrap(err, "coefficient gradient")
			}
			if r, k := m.Dims(); r != b || k != out {
				return nil, errors.Wrapf(maps.ErrShape, "coefficient gradient is %dx%d, want %dx%d", r, k, b, out)
			}
			dy.Copy(m)
		}
		dPooled := p.layer.backward(pooled, z, dy)

		dDeep := maps.Zeros(b, c, h, w)
		dst := dDeep.Float64s()
		for n := 0; n < b; n++ {
			for ch := 0; ch < c; ch++ {
				g := dPooled.At(n, ch) / float64(plane)
				row := dst[(n*c+ch)*plane : (n*c+ch+1)*plane]
				for i := range row {
					row[i] = g
				}
			}
		}
		return dDeep, nil
	}
	return fromMatrix(y), backward, nil
}

// PixelBRDFDecoder maps the concatenated feature stack through a hidden per-pixel layer
// (the BRDF feature) to the four BRDF maps.
type PixelBRDFDecoder struct {
	hidden *pixelLayer
	head   *pixelLayer
}

// NewPixelBRDFDecoder returns a decoder over in stacked channels with a hidden width.
func NewPixelBRDFDecoder(in, hidden int, act ActivationFunction, random *rand.Rand) *PixelBRDFDecoder {
	return &PixelBRDFDecoder{
		hidden: newPixelLayer(BRDFDecoderName+".hidden", in, hidden, act, random),
		head:   newPixelLayer(BRDFDecoderName+".head", hidden, brdfChannels, Linear{}, random),
	}
}

func (d *PixelBRDFDecoder) Name() string { return BRDFDecoderName }

func (d *PixelBRDFDecoder) Params() []*Param {
	return append(d.hidden.params(), d.head.params()...)
}

// Decode implements BRDFDecoder.
func (d *PixelBRDFDecoder) Decode(stack FeatureStack) (*tensor.Dense, BRDFMaps, BRDFBackward, error) {
	in, err := maps.Concat(stack...)
	if err != nil {
		return nil, BRDFMaps{}, nil, errors.Wrap(err, "brdf decoder input")
	}
	b, _, h, w, _ := maps.Dims(in)
	x, err := toRows(in)
	if err != nil {
		return nil, BRDFMaps{}, nil, err
	}
	feat, z1, err := d.hidden.forward(x)
	if err != nil {
		return nil, BRDFMaps{}, nil, err
	}
	out, z2, err := d.head.forward(feat)
	if err != nil {
		return nil, BRDFMaps{}, nil, err
	}
	parts, err := maps.Split(fromRows(out, b, h, w), 3, 3, 1, 1)
	if err != nil {
		return nil, BRDFMaps{}, nil, err
	}
	brdf := BRDFMaps{Albedo: parts[0], Normal: parts[1], Rough: parts[2], Depth: parts[3]}

	channels := make([]int, len(stack))
	for i, s := range stack {
		channels[i] = s.Shape()[1]
	}

	backward := func(dFeature *tensor.Dense, dMaps BRDFMaps) (FeatureStack, error) {
		grads := []*tensor.Dense{dMaps.Albedo, dMaps.Normal, dMaps.Rough, dMaps.Depth}
		for i, g := range grads {
			if g == nil {
				grads[i] = maps.ZerosLike(parts[i])
			}
		}
		dOut, err := maps.Concat(grads...)
		if err != nil {
			return nil, errors.Wrap(err, "brdf map gradient")
		}
		dy, err := toRows(dOut)
		if err != nil {
			return nil, err
		}
		if r, c := dy.Dims(); r != b*h*w || c != brdfChannels {
			return nil, errors.Wrapf(maps.ErrShape, "brdf map gradient is %dx%d", r, c)
		}
		dFeat := d.head.backward(feat, z2, dy)
		if dFeature != nil {
			rows, cols := dFeat.Dims()
			extra, err := rowsOrZeros(dFeature, rows, cols)
			if err != nil {
				return nil, errors.Wrap(err, "brdf feature gradient")
			}
			dFeat.Add(dFeat, extra)
		}
		dx := d.hidden.backward(x, z1, dFeat)
		dStack, err := maps.Split(fromRows(dx, b, h, w), channels...)
		if err != nil {
			return nil, err
		}
		return FeatureStack(dStack), nil
	}
	return fromRows(feat, b, h, w), brdf, backward, nil
}

// PixelRelightDecoder shades each pixel from the deepest feature, the BRDF feature and a
// per-example conditioning vector broadcast over the image.
type PixelRelightDecoder struct {
	image *pixelLayer // [features + brdf feature] -> 3, linear
	cond  *pixelLayer // conditioning -> 3, linear
	act   ActivationFunction
}

// NewPixelRelightDecoder returns a decoder for in feature channels and condLen conditioning.
func NewPixelRelightDecoder(in, condLen int, random *rand.Rand) *PixelRelightDecoder {
	return &PixelRelightDecoder{
		image: newPixelLayer(RelightDecoderName+".image", in, 3, Linear{}, random),
		cond:  newPixelLayer(RelightDecoderName+".cond", condLen, 3, Linear{}, random),
		act:   Tanh{},
	}
}

func (d *PixelRelightDecoder) Name() string { return RelightDecoderName }

func (d *PixelRelightDecoder) Params() []*Param {
	return append(d.image.params(), d.cond.params()...)
}

// Relight implements RelightDecoder. The output lies in (-1, 1).
func (d *PixelRelightDecoder) Relight(stack FeatureStack, feature, cond *tensor.Dense) (*tensor.Dense, RelightBackward, error) {
	deepest := stack.Deepest()
	in, err := maps.Concat(deepest, feature)
	if err != nil {
		return nil, nil, errors.Wrap(err, "relight decoder input")
	}
	b, _, h, w, _ := maps.Dims(in)
	plane := h * w
	x, err := toRows(in)
	if err != nil {
		return nil, nil, err
	}
	c, err := matrix(cond)
	if err != nil {
		return nil, nil, errors.Wrap(err, "conditioning")
	}
	if r, _ := c.Dims(); r != b {
		return nil, nil, errors.Wrapf(maps.ErrShape, "conditioning has %d rows, want %d", r, b)
	}

	u, uPre, err := d.image.forward(x)
	if err != nil {
		return nil, nil, err
	}
	v, vPre, err := d.cond.forward(c)
	if err != nil {
		return nil, nil, err
	}
	rows, _ := u.Dims()
	z := mat.NewDense(rows, 3, nil)
	y := mat.NewDense(rows, 3, nil)
	for r := 0; r < rows; r++ {
		n := r / plane
		for ch := 0; ch < 3; ch++ {
			s := u.At(r, ch) + v.At(n, ch)
			z.Set(r, ch, s)
			y.Set(r, ch, d.act.Activate(s))
		}
	}

	deepChannels := deepest.Shape()[1]
	featChannels := feature.Shape()[1]

	backward := func(dImage *tensor.Dense) (FeatureStack, *tensor.Dense, *tensor.Dense, error) {
		dy, err := rowsOrZeros(dImage, rows, 3)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "relit image gradient")
		}
		dz := mat.NewDense(rows, 3, nil)
		dv := mat.NewDense(b, 3, nil)
		for r := 0; r < rows; r++ {
			n := r / plane
			for ch := 0; ch < 3; ch++ {
				g := dy.At(r, ch) * d.act.Derivative(z.At(r, ch))
				dz.Set(r, ch, g)
				dv.Set(n, ch, dv.At(n, ch)+g)
			}
		}
		dx := d.image.backward(x, uPre, dz)
		dc := d.cond.backward(c, vPre, dv)

		parts, err := maps.Split(fromRows(dx, b, h, w), deepChannels, featChannels)
		if err != nil {
			return nil, nil, nil, err
		}
		dStack := make(FeatureStack, len(stack))
		dStack[len(stack)-1] = parts[0]
		return dStack, parts[1], fromMatrix(dc), nil
	}
	return fromRows(y, b, h, w), backward, nil
}

// Networks is the set of four reference networks.
type Networks struct {
	Encoder *PixelEncoder
	BRDF    *PixelBRDFDecoder
	Env     *PooledEnvPredictor
	Relight *PixelRelightDecoder
}

// NewNetworks builds the reference networks for inputs of in channels and environment
// vectors of envLen coefficients. Initial weights depend only on seed.
func NewNetworks(in, features, depth, envLen int, act ActivationFunction, seed int64) *Networks {
	random := rand.New(rand.NewSource(seed))
	return &Networks{
		Encoder: NewPixelEncoder(in, features, depth, act, random),
		BRDF:    NewPixelBRDFDecoder(features*depth, features, act, random),
		Env:     NewPooledEnvPredictor(features, envLen, random),
		Relight: NewPixelRelightDecoder(features+features, 3+envLen, random),
	}
}

// Modules returns the four networks in checkpoint order.
func (n *Networks) Modules() []Module {
	return []Module{n.Encoder, n.BRDF, n.Relight, n.Env}
}
