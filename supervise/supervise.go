// Package supervise builds the self-supervision for one batch: the lit image the networks
// must invert and the auxiliary relit targets they must reproduce.
package supervise

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/batch"
	"relight/lights"
	"relight/render"
)

// Input lighting modes.
const (
	// InputEnv lights the input image by the environment only (zero point light).
	InputEnv = "env"
	// InputPoint adds a canonical point light drawn on the z = 0 plane.
	InputPoint = "point"
)

// Supervision is the per-batch output of a Builder.
// AuxLights[i] is the light under which AuxTargets[i] was rendered.
type Supervision struct {
	Input      *tensor.Dense   // [B, 3, H, W] in [-1, 1]
	InputLight *tensor.Dense   // [B, 3]
	AuxLights  []*tensor.Dense // AuxCount x [B, 3]
	AuxTargets []*tensor.Dense // AuxCount x [B, 3, H, W] in [-1, 1]
}

// Builder renders supervision from ground-truth maps.
type Builder struct {
	Renderer   render.Renderer
	Source     lights.Source
	AuxCount   int
	InputLight string
	PointSpan  float64
}

// NewBuilder returns a Builder with one auxiliary light and an environment-lit input.
func NewBuilder(r render.Renderer, src lights.Source) *Builder {
	return &Builder{
		Renderer:   r,
		Source:     src,
		AuxCount:   1,
		InputLight: InputEnv,
		PointSpan:  lights.DefaultSpan,
	}
}

// Build renders the input image and AuxCount auxiliary targets for b.
func (s *Builder) Build(b *batch.Batch) (*Supervision, error) {
	if s.AuxCount < 1 {
		return nil, errors.Errorf("auxiliary light count must be positive, got %d", s.AuxCount)
	}
	n, _, _ := b.Size()

	env, err := s.Renderer.Env(b.Albedo, b.Normal, b.Rough, b.Mask, b.Env)
	if err != nil {
		return nil, errors.Wrap(err, "render environment")
	}

	sup := &Supervision{
		AuxLights:  make([]*tensor.Dense, 0, s.AuxCount),
		AuxTargets: make([]*tensor.Dense, 0, s.AuxCount),
	}

	switch s.InputLight {
	case InputEnv, "":
		sup.InputLight = lights.Zero(n)
		sup.Input, err = render.Compose(nil, env, b.Background, b.Mask)
	case InputPoint:
		sup.InputLight = lights.SamplePointLights(s.Source, n, s.PointSpan, lights.DefaultHeight)
		sup.Input, err = s.underPoint(b, env, sup.InputLight)
	default:
		return nil, errors.Errorf("unknown input lighting %q", s.InputLight)
	}
	if err != nil {
		return nil, errors.Wrap(err, "input image")
	}

	for i := 0; i < s.AuxCount; i++ {
		light := lights.SampleHemisphereDirections(s.Source, n)
		target, err := s.underPoint(b, env, light)
		if err != nil {
			return nil, errors.Wrapf(err, "auxiliary target %d", i)
		}
		sup.AuxLights = append(sup.AuxLights, light)
		sup.AuxTargets = append(sup.AuxTargets, target)
	}
	return sup, nil
}

// underPoint renders b under light plus the already shaded environment term.
func (s *Builder) underPoint(b *batch.Batch, env, light *tensor.Dense) (*tensor.Dense, error) {
	point, err := s.Renderer.Point(b.Albedo, b.Normal, b.Rough, b.Depth, b.Mask, light)
	if err != nil {
		return nil, errors.Wrap(err, "render point light")
	}
	return render.Compose(point, env, b.Background, b.Mask)
}
