package network

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gorgonia.org/tensor"

	"relight/maps"
)

const (
	testEnvLen   = 5
	testFeatures = 4
	testDepth    = 2
)

func random(r *rand.Rand, shape ...int) *tensor.Dense {
	t := maps.Zeros(shape...)
	for i := range t.Float64s() {
		t.Float64s()[i] = r.NormFloat64()
	}
	return t
}

func dot(a, b *tensor.Dense) float64 {
	var s float64
	for i, v := range a.Float64s() {
		s += v * b.Float64s()[i]
	}
	return s
}

// checkGradient compares analytic against a central finite difference of f with respect
// to the values held in x. x is restored afterwards.
func checkGradient(t *testing.T, name string, x, analytic []float64, f func() float64) {
	t.Helper()
	orig := append([]float64(nil), x...)
	numeric := fd.Gradient(nil, func(v []float64) float64 {
		copy(x, v)
		return f()
	}, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	copy(x, orig)

	for i := range numeric {
		diff := math.Abs(numeric[i] - analytic[i])
		if diff > 1e-5*math.Max(1, math.Abs(numeric[i])) {
			t.Errorf("%s[%d]: analytic %g, numeric %g", name, i, analytic[i], numeric[i])
		}
	}
}

func newTestNetworks() *Networks {
	return NewNetworks(7, testFeatures, testDepth, testEnvLen, Tanh{}, 1)
}

func zeroGrads(m Module) {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

func TestEncoderGradient(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	enc := newTestNetworks().Encoder
	input := random(r, 2, 7, 3, 2)
	weights := make(FeatureStack, testDepth)
	for i := range weights {
		weights[i] = random(r, 2, testFeatures, 3, 2)
	}
	objective := func() float64 {
		stack, _, err := enc.Encode(input)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var s float64
		for i, f := range stack {
			s += dot(weights[i], f)
		}
		return s
	}

	stack, backward, err := enc.Encode(input)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(stack) != testDepth || stack.Deepest() != stack[testDepth-1] {
		t.Fatalf("stack has %d maps", len(stack))
	}
	zeroGrads(enc)
	if err := backward(weights); err != nil {
		t.Fatalf("backward: %v", err)
	}
	for _, p := range enc.Params() {
		checkGradient(t, p.Name, p.Value.Float64s(), p.Grad.Float64s(), objective)
	}
}

func TestEnvPredictorGradient(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	env := newTestNetworks().Env
	deepest := random(r, 2, testFeatures, 3, 2)
	weights := random(r, 2, testEnvLen)
	objective := func() float64 {
		coeffs, _, err := env.Predict(deepest)
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		return dot(weights, coeffs)
	}

	coeffs, backward, err := env.Predict(deepest)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if s := coeffs.Shape(); s[0] != 2 || s[1] != testEnvLen {
		t.Fatalf("coefficients shape = %v", s)
	}
	zeroGrads(env)
	dDeep, err := backward(weights)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	for _, p := range env.Params() {
		checkGradient(t, p.Name, p.Value.Float64s(), p.Grad.Float64s(), objective)
	}
	checkGradient(t, "deepest", deepest.Float64s(), dDeep.Float64s(), objective)
}

func TestBRDFDecoderGradient(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	dec := newTestNetworks().BRDF
	stack := FeatureStack{random(r, 2, testFeatures, 3, 2), random(r, 2, testFeatures, 3, 2)}
	wFeat := random(r, 2, testFeatures, 3, 2)
	wMaps := BRDFMaps{
		Albedo: random(r, 2, 3, 3, 2),
		Normal: random(r, 2, 3, 3, 2),
		Rough:  random(r, 2, 1, 3, 2),
		Depth:  random(r, 2, 1, 3, 2),
	}
	objective := func() float64 {
		feat, out, _, err := dec.Decode(stack)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return dot(wFeat, feat) + dot(wMaps.Albedo, out.Albedo) + dot(wMaps.Normal, out.Normal) +
			dot(wMaps.Rough, out.Rough) + dot(wMaps.Depth, out.Depth)
	}

	_, out, backward, err := dec.Decode(stack)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Rough.Shape()[1] != 1 || out.Normal.Shape()[1] != 3 {
		t.Fatalf("unexpected map shapes %v %v", out.Rough.Shape(), out.Normal.Shape())
	}
	zeroGrads(dec)
	dStack, err := backward(wFeat, wMaps)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	for _, p := range dec.Params() {
		checkGradient(t, p.Name, p.Value.Float64s(), p.Grad.Float64s(), objective)
	}
	for i := range stack {
		checkGradient(t, "stack", stack[i].Float64s(), dStack[i].Float64s(), objective)
	}
}

func TestRelightDecoderGradient(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	dec := newTestNetworks().Relight
	stack := FeatureStack{random(r, 2, testFeatures, 3, 2), random(r, 2, testFeatures, 3, 2)}
	feature := random(r, 2, testFeatures, 3, 2)
	cond := random(r, 2, 3+testEnvLen)
	weights := random(r, 2, 3, 3, 2)
	objective := func() float64 {
		img, _, err := dec.Relight(stack, feature, cond)
		if err != nil {
			t.Fatalf("Relight: %v", err)
		}
		return dot(weights, img)
	}

	img, backward, err := dec.Relight(stack, feature, cond)
	if err != nil {
		t.Fatalf("Relight: %v", err)
	}
	for _, v := range img.Float64s() {
		if v <= -1 || v >= 1 {
			t.Fatalf("relit value %v outside (-1, 1)", v)
		}
	}
	zeroGrads(dec)
	dStack, dFeature, dCond, err := backward(weights)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if dStack[0] != nil {
		t.Error("shallow feature received a gradient")
	}
	for _, p := range dec.Params() {
		checkGradient(t, p.Name, p.Value.Float64s(), p.Grad.Float64s(), objective)
	}
	checkGradient(t, "deepest", stack[1].Float64s(), dStack[1].Float64s(), objective)
	checkGradient(t, "feature", feature.Float64s(), dFeature.Float64s(), objective)
	checkGradient(t, "cond", cond.Float64s(), dCond.Float64s(), objective)
}

func TestGradientsAccumulate(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	env := newTestNetworks().Env
	deepest := random(r, 1, testFeatures, 2, 2)
	weights := random(r, 1, testEnvLen)

	zeroGrads(env)
	_, backward, _ := env.Predict(deepest)
	if _, err := backward(weights); err != nil {
		t.Fatal(err)
	}
	once := append([]float64(nil), env.Params()[0].Grad.Float64s()...)
	if _, err := backward(weights); err != nil {
		t.Fatal(err)
	}
	for i, v := range env.Params()[0].Grad.Float64s() {
		if math.Abs(v-2*once[i]) > 1e-12 {
			t.Fatalf("grad[%d] = %v after two passes, want %v", i, v, 2*once[i])
		}
	}
	env.Params()[0].ZeroGrad()
	if maps.Sum(env.Params()[0].Grad) != 0 {
		t.Error("ZeroGrad left a gradient behind")
	}
}

func TestStateRoundTrip(t *testing.T) {
	src := newTestNetworks()
	dst := NewNetworks(7, testFeatures, testDepth, testEnvLen, Tanh{}, 99)

	for i, m := range src.Modules() {
		var buf bytes.Buffer
		if err := WriteState(&buf, m); err != nil {
			t.Fatalf("WriteState(%s): %v", m.Name(), err)
		}
		if err := ReadState(&buf, dst.Modules()[i]); err != nil {
			t.Fatalf("ReadState(%s): %v", m.Name(), err)
		}
		want, got := m.Params(), dst.Modules()[i].Params()
		for j := range want {
			for k, v := range want[j].Value.Float64s() {
				if got[j].Value.Float64s()[k] != v {
					t.Fatalf("%s differs after round trip", want[j].Name)
				}
			}
		}
	}
}

func TestStateRejectsWrongModule(t *testing.T) {
	nets := newTestNetworks()
	var buf bytes.Buffer
	if err := WriteState(&buf, nets.Encoder); err != nil {
		t.Fatal(err)
	}
	if err := ReadState(&buf, nets.BRDF); err == nil {
		t.Error("ReadState accepted an encoder state for the BRDF decoder")
	}

	buf.Reset()
	if err := WriteState(&buf, nets.Env); err != nil {
		t.Fatal(err)
	}
	wider := NewNetworks(7, testFeatures+1, testDepth, testEnvLen, Tanh{}, 1)
	if err := ReadState(&buf, wider.Env); err == nil {
		t.Error("ReadState accepted mismatched shapes")
	}
}

func TestStateFile(t *testing.T) {
	nets := newTestNetworks()
	name := t.TempDir() + "/encoder.gob"
	if err := WriteStateToFile(name, nets.Encoder); err != nil {
		t.Fatalf("WriteStateToFile: %v", err)
	}
	other := NewNetworks(7, testFeatures, testDepth, testEnvLen, Tanh{}, 7)
	if err := ReadStateFromFile(name, other.Encoder); err != nil {
		t.Fatalf("ReadStateFromFile: %v", err)
	}
	if err := ReadStateFromFile(name+".missing", other.Encoder); err == nil {
		t.Error("ReadStateFromFile succeeded on a missing file")
	}
}
