package loss

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gorgonia.org/tensor"

	"relight/batch"
	"relight/maps"
	"relight/network"
	"relight/pipeline"
	"relight/supervise"
)

const envLen = 27

// scenario returns a 2x4x4 batch with a full mask, one relit target and a prediction that
// matches the ground truth exactly.
func scenario() (*batch.Batch, *supervise.Supervision, *pipeline.Prediction) {
	normal := maps.Zeros(2, 3, 4, 4)
	for i := 2 * 16; i < 3*16; i++ {
		normal.Float64s()[i] = 1
		normal.Float64s()[i+3*16] = 1
	}
	env := maps.Zeros(2, envLen)
	for i := range env.Float64s() {
		env.Float64s()[i] = float64(i%9) / 10
	}
	b := &batch.Batch{
		Albedo:     maps.Fill(0.5, 2, 3, 4, 4),
		Normal:     normal,
		Rough:      maps.Fill(0.3, 2, 1, 4, 4),
		Depth:      maps.Fill(2, 2, 1, 4, 4),
		Mask:       maps.Fill(1, 2, 1, 4, 4),
		Env:        env,
		Background: maps.Zeros(2, 3, 4, 4),
	}
	target := maps.Fill(0.2, 2, 3, 4, 4)
	sup := &supervise.Supervision{
		AuxLights:  []*tensor.Dense{maps.Zeros(2, 3)},
		AuxTargets: []*tensor.Dense{target},
	}
	pred := &pipeline.Prediction{
		Maps: network.BRDFMaps{
			Albedo: maps.Clone(b.Albedo),
			Normal: maps.Clone(b.Normal),
			Rough:  maps.Clone(b.Rough),
			Depth:  maps.Clone(b.Depth),
		},
		Env:   maps.Clone(env),
		Relit: []*tensor.Dense{maps.Clone(target)},
	}
	return b, sup, pred
}

func TestExactPredictionHasZeroLoss(t *testing.T) {
	b, sup, pred := scenario()
	terms, grads, err := New(DefaultWeights()).Compute(pred, b, sup)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if terms != (Terms{}) {
		t.Errorf("terms = %+v; want all zero", terms)
	}
	for _, g := range []*tensor.Dense{grads.Maps.Albedo, grads.Maps.Depth, grads.Env, grads.Relit[0]} {
		for _, v := range g.Float64s() {
			if v != 0 {
				t.Fatalf("non-zero gradient %v for an exact prediction", v)
			}
		}
	}
}

func TestAlbedoOffset(t *testing.T) {
	b, sup, pred := scenario()
	for i := range pred.Maps.Albedo.Float64s() {
		pred.Maps.Albedo.Float64s()[i] += 0.1
	}
	terms, _, err := New(DefaultWeights()).Compute(pred, b, sup)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(terms.Albedo-0.01) > 1e-12 {
		t.Errorf("albedo loss = %v; want 0.01", terms.Albedo)
	}
	if math.Abs(terms.Total-0.01) > 1e-12 {
		t.Errorf("total = %v; want 0.01", terms.Total)
	}
}

func TestWeightedTotal(t *testing.T) {
	b, sup, pred := scenario()
	add := func(x *tensor.Dense, v float64) {
		for i := range x.Float64s() {
			x.Float64s()[i] += v
		}
	}
	add(pred.Maps.Rough, 0.2)
	add(pred.Maps.Depth, -0.1)
	add(pred.Relit[0], 0.3)
	add(pred.Env, 1)
	terms, _, err := New(DefaultWeights()).Compute(pred, b, sup)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := 0.5*0.04 + 0.5*0.01 + 0.09 + 0.01*1
	if math.Abs(terms.Total-want) > 1e-12 {
		t.Errorf("total = %v; want %v", terms.Total, want)
	}
	if math.Abs(terms.Env-1) > 1e-12 {
		t.Errorf("env loss = %v; want 1", terms.Env)
	}
}

func TestRelitSumsOverLights(t *testing.T) {
	b, sup, pred := scenario()
	second := maps.Fill(0.4, 2, 3, 4, 4)
	sup.AuxLights = append(sup.AuxLights, maps.Zeros(2, 3))
	sup.AuxTargets = append(sup.AuxTargets, second)
	pred.Relit = append(pred.Relit, maps.Fill(0.5, 2, 3, 4, 4))
	terms, _, err := New(DefaultWeights()).Compute(pred, b, sup)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(terms.Relit-0.01) > 1e-12 {
		t.Errorf("relit loss = %v; want 0.01", terms.Relit)
	}
}

func TestMaskedPixelsAreIgnored(t *testing.T) {
	b, sup, pred := scenario()
	m := b.Mask.Float64s()
	for i := range m {
		if i%2 == 1 {
			m[i] = 0
			pred.Maps.Albedo.Float64s()[i] = 100
		}
	}
	terms, grads, err := New(DefaultWeights()).Compute(pred, b, sup)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if terms.Albedo != 0 {
		t.Errorf("albedo loss = %v; want 0", terms.Albedo)
	}
	if maps.Sum(grads.Maps.Albedo) != 0 {
		t.Error("gradient reached background pixels")
	}
}

func TestComputeErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*batch.Batch, *supervise.Supervision, *pipeline.Prediction)
		want   error
	}{
		{"empty mask", func(b *batch.Batch, _ *supervise.Supervision, _ *pipeline.Prediction) {
			b.Mask = maps.Zeros(2, 1, 4, 4)
		}, batch.ErrEmptyMask},
		{"missing relit", func(_ *batch.Batch, _ *supervise.Supervision, p *pipeline.Prediction) {
			p.Relit = nil
		}, ErrAuxMismatch},
		{"extra target", func(_ *batch.Batch, s *supervise.Supervision, _ *pipeline.Prediction) {
			s.AuxTargets = append(s.AuxTargets, maps.Zeros(2, 3, 4, 4))
		}, ErrAuxMismatch},
		{"nan", func(_ *batch.Batch, _ *supervise.Supervision, p *pipeline.Prediction) {
			p.Maps.Albedo.Float64s()[0] = math.NaN()
		}, ErrNonFinite},
		{"inf", func(_ *batch.Batch, _ *supervise.Supervision, p *pipeline.Prediction) {
			p.Env.Float64s()[3] = math.Inf(-1)
		}, ErrNonFinite},
		{"shape", func(_ *batch.Batch, _ *supervise.Supervision, p *pipeline.Prediction) {
			p.Maps.Rough = maps.Zeros(2, 1, 4, 3)
		}, maps.ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sup, pred := scenario()
			tt.mutate(b, sup, pred)
			_, grads, err := New(DefaultWeights()).Compute(pred, b, sup)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v; want %v", err, tt.want)
			}
			if grads.Env != nil || grads.Relit != nil {
				t.Error("gradients returned with an error")
			}
		})
	}
}

func TestMaskedMSEGradient(t *testing.T) {
	mask := maps.Zeros(1, 1, 2, 3)
	copy(mask.Float64s(), []float64{1, 0, 1, 1, 0, 1})
	l := MaskedMSE{Mask: mask, PixelCount: 4}
	out := maps.Zeros(1, 3, 2, 3)
	target := maps.Zeros(1, 3, 2, 3)
	for i := range out.Float64s() {
		out.Float64s()[i] = float64(i) / 7
		target.Float64s()[i] = math.Sin(float64(i))
	}

	grad, err := l.Gradient(out, target)
	if err != nil {
		t.Fatalf("Gradient: %v", err)
	}
	x := append([]float64(nil), out.Float64s()...)
	numeric := fd.Gradient(nil, func(v []float64) float64 {
		copy(out.Float64s(), v)
		loss, err := l.Compute(out, target)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}, x, nil)
	for i, want := range numeric {
		if math.Abs(grad.Float64s()[i]-want) > 1e-6 {
			t.Errorf("grad[%d] = %v; want %v", i, grad.Float64s()[i], want)
		}
	}
}
