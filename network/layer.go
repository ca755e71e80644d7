package network

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"relight/maps"
)

// pixelLayer is a fully connected layer applied independently to every row of its input.
// Over [B, C, H, W] maps laid out as rows (one row per pixel) it is a 1x1 convolution.
type pixelLayer struct {
	weight *Param // [in, out]
	bias   *Param // [out]
	act    ActivationFunction
}

func newPixelLayer(name string, in, out int, act ActivationFunction, random *rand.Rand) *pixelLayer {
	l := &pixelLayer{
		weight: NewParam(name+".weight", in, out),
		bias:   NewParam(name+".bias", out),
		act:    act,
	}
	w := l.weight.Value.Float64s()
	for i := range w {
		w[i] = xavierInit(in, out, random)
	}
	return l
}

func (l *pixelLayer) params() []*Param {
	return []*Param{l.weight, l.bias}
}

func (l *pixelLayer) dims() (in, out int) {
	s := l.weight.Value.Shape()
	return s[0], s[1]
}

// forward returns the activated rows and the pre-activation rows.
func (l *pixelLayer) forward(x *mat.Dense) (y, z *mat.Dense, err error) {
	in, out := l.dims()
	rows, cols := x.Dims()
	if cols != in {
		return nil, nil, errors.Wrapf(maps.ErrShape, "layer %s takes %d inputs, got %d", l.weight.Name, in, cols)
	}
	w := mat.NewDense(in, out, l.weight.Value.Float64s())
	b := l.bias.Value.Float64s()

	z = mat.NewDense(rows, out, nil)
	z.Mul(x, w)
	y = mat.NewDense(rows, out, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < out; c++ {
			v := z.At(r, c) + b[c]
			z.Set(r, c, v)
			y.Set(r, c, l.act.Activate(v))
		}
	}
	return y, z, nil
}

// backward accumulates weight and bias gradients for one forward call and returns the
// gradient with respect to x.
func (l *pixelLayer) backward(x, z, dy *mat.Dense) *mat.Dense {
	in, out := l.dims()
	rows, _ := z.Dims()

	dz := mat.NewDense(rows, out, nil)
	gb := l.bias.Grad.Float64s()
	for r := 0; r < rows; r++ {
		for c := 0; c < out; c++ {
			v := dy.At(r, c) * l.act.Derivative(z.At(r, c))
			dz.Set(r, c, v)
			gb[c] += v
		}
	}

	var gw mat.Dense
	gw.Mul(x.T(), dz)
	acc := mat.NewDense(in, out, l.weight.Grad.Float64s())
	acc.Add(acc, &gw)

	w := mat.NewDense(in, out, l.weight.Value.Float64s())
	dx := mat.NewDense(rows, in, nil)
	dx.Mul(dz, w.T())
	return dx
}

func xavierInit(numInputs int, numOutputs int, random *rand.Rand) float64 {
	limit := math.Sqrt(6.0 / float64(numInputs+numOutputs))
	return 2*random.Float64()*limit - limit
}

// toRows lays a [B, C, H, W] map out as a (B*H*W) x C matrix, one row per pixel.
func toRows(t *tensor.Dense) (*mat.Dense, error) {
	b, c, h, w, err := maps.Dims(t)
	if err != nil {
		return nil, err
	}
	plane := h * w
	src := t.Float64s()
	data := make([]float64, b*plane*c)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			for p := 0; p < plane; p++ {
				data[(n*plane+p)*c+ch] = src[(n*c+ch)*plane+p]
			}
		}
	}
	return mat.NewDense(b*plane, c, data), nil
}

// fromRows is the inverse of toRows.
func fromRows(m *mat.Dense, b, h, w int) *tensor.Dense {
	_, c := m.Dims()
	plane := h * w
	out := maps.Zeros(b, c, h, w)
	dst := out.Float64s()
	for n := 0; n < b; n++ {
		for p := 0; p < plane; p++ {
			for ch := 0; ch < c; ch++ {
				dst[(n*c+ch)*plane+p] = m.At(n*plane+p, ch)
			}
		}
	}
	return out
}

// rowsOrZeros converts an optional gradient map; nil becomes zeros of the given size.
func rowsOrZeros(t *tensor.Dense, rows, cols int) (*mat.Dense, error) {
	if t == nil {
		return mat.NewDense(rows, cols, nil), nil
	}
	m, err := toRows(t)
	if err != nil {
		return nil, err
	}
	if r, c := m.Dims(); r != rows || c != cols {
		return nil, errors.Wrapf(maps.ErrShape, "gradient is %dx%d, want %dx%d", r, c, rows, cols)
	}
	return m, nil
}

// matrix wraps a 2-D tensor as a gonum matrix sharing its backing data.
func matrix(t *tensor.Dense) (*mat.Dense, error) {
	if t == nil || t.Dims() != 2 {
		return nil, errors.Wrap(maps.ErrShape, "want a 2-D tensor")
	}
	s := t.Shape()
	return mat.NewDense(s[0], s[1], t.Float64s()), nil
}

// fromMatrix copies a gonum matrix into a new 2-D tensor.
func fromMatrix(m *mat.Dense) *tensor.Dense {
	r, c := m.Dims()
	out := maps.Zeros(r, c)
	dst := out.Float64s()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[i*c+j] = m.At(i, j)
		}
	}
	return out
}
