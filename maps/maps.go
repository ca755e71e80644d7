// Package maps holds the helpers shared by everything that handles per-pixel maps.
// A map is a float64 *tensor.Dense laid out as [B, C, H, W].
package maps

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape reports a map whose shape does not match what the caller needs.
var ErrShape = errors.New("shape mismatch")

// Dims returns the batch, channel, height and width of a [B, C, H, W] map.
func Dims(t *tensor.Dense) (b, c, h, w int, err error) {
	if t == nil {
		return 0, 0, 0, 0, errors.Wrap(ErrShape, "nil map")
	}
	s := t.Shape()
	if len(s) != 4 {
		return 0, 0, 0, 0, errors.Wrapf(ErrShape, "want 4 dims, got %v", s)
	}
	return s[0], s[1], s[2], s[3], nil
}

// Zeros returns a zero float64 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float64, size)))
}

// ZerosLike returns a zero tensor with the shape of t.
func ZerosLike(t *tensor.Dense) *tensor.Dense {
	return Zeros(t.Shape().Clone()...)
}

// Clone deep-copies t.
func Clone(t *tensor.Dense) *tensor.Dense {
	data := make([]float64, len(t.Float64s()))
	copy(data, t.Float64s())
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(data))
}

// Fill returns a tensor of the given shape with every entry set to v.
func Fill(v float64, shape ...int) *tensor.Dense {
	t := Zeros(shape...)
	data := t.Float64s()
	for i := range data {
		data[i] = v
	}
	return t
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *tensor.Dense) bool {
	return a != nil && b != nil && a.Shape().Eq(b.Shape())
}

// Concat concatenates maps along the channel axis. All inputs must share B, H and W.
func Concat(ts ...*tensor.Dense) (*tensor.Dense, error) {
	if len(ts) == 0 {
		return nil, errors.Wrap(ErrShape, "nothing to concatenate")
	}
	b, _, h, w, err := Dims(ts[0])
	if err != nil {
		return nil, err
	}
	total := 0
	for i, t := range ts {
		tb, tc, th, tw, err := Dims(t)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		if tb != b || th != h || tw != w {
			return nil, errors.Wrapf(ErrShape, "input %d is %v, want (%d, _, %d, %d)", i, t.Shape(), b, h, w)
		}
		total += tc
	}

	plane := h * w
	out := Zeros(b, total, h, w)
	dst := out.Float64s()
	for n := 0; n < b; n++ {
		offset := n * total * plane
		for _, t := range ts {
			c := t.Shape()[1]
			src := t.Float64s()[n*c*plane : (n+1)*c*plane]
			copy(dst[offset:offset+c*plane], src)
			offset += c * plane
		}
	}
	return out, nil
}

// Split is the inverse of Concat: it cuts t into consecutive channel groups.
func Split(t *tensor.Dense, channels ...int) ([]*tensor.Dense, error) {
	b, c, h, w, err := Dims(t)
	if err != nil {
		return nil, err
	}
	sum := 0
	for _, n := range channels {
		sum += n
	}
	if sum != c {
		return nil, errors.Wrapf(ErrShape, "split %v of %d channels", channels, c)
	}

	plane := h * w
	src := t.Float64s()
	out := make([]*tensor.Dense, len(channels))
	for i, n := range channels {
		out[i] = Zeros(b, n, h, w)
	}
	for k := 0; k < b; k++ {
		offset := k * c * plane
		for i, n := range channels {
			dst := out[i].Float64s()[k*n*plane : (k+1)*n*plane]
			copy(dst, src[offset:offset+n*plane])
			offset += n * plane
		}
	}
	return out, nil
}

// MulMask returns t multiplied by a single-channel mask broadcast over t's channels.
func MulMask(t, mask *tensor.Dense) (*tensor.Dense, error) {
	b, c, h, w, err := Dims(t)
	if err != nil {
		return nil, err
	}
	mb, mc, mh, mw, err := Dims(mask)
	if err != nil {
		return nil, errors.Wrap(err, "mask")
	}
	if mb != b || mc != 1 || mh != h || mw != w {
		return nil, errors.Wrapf(ErrShape, "mask %v does not cover %v", mask.Shape(), t.Shape())
	}

	plane := h * w
	out := Clone(t)
	dst := out.Float64s()
	m := mask.Float64s()
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			row := dst[(n*c+ch)*plane : (n*c+ch+1)*plane]
			mrow := m[n*plane : (n+1)*plane]
			for p := range row {
				row[p] *= mrow[p]
			}
		}
	}
	return out, nil
}

// AddInto adds src to dst element-wise. Shapes must match.
func AddInto(dst, src *tensor.Dense) error {
	if !SameShape(dst, src) {
		return errors.Wrapf(ErrShape, "add %v into %v", shapeOf(src), shapeOf(dst))
	}
	d := dst.Float64s()
	for i, v := range src.Float64s() {
		d[i] += v
	}
	return nil
}

// Sum returns the sum of every entry of t.
func Sum(t *tensor.Dense) float64 {
	var s float64
	for _, v := range t.Float64s() {
		s += v
	}
	return s
}

func shapeOf(t *tensor.Dense) tensor.Shape {
	if t == nil {
		return nil
	}
	return t.Shape()
}
