package render

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/maps"
	"relight/parallel"
)

// EnvCoefficients is the environment vector length the Reference renderer expects:
// second-order spherical harmonics, nine per colour channel, channel-major.
const EnvCoefficients = 27

const (
	shBands = 9

	// Irradiance constants for second-order SH lighting (Ramamoorthi and Hanrahan).
	c1 = 0.429043
	c2 = 0.511664
	c3 = 0.743125
	c4 = 0.886227
	c5 = 0.247708

	minRoughness = 0.05
)

// Reference is a small analytic renderer: Lambertian plus Blinn-Phong under a point light
// with inverse-square falloff, and SH irradiance for the environment.
//
// Pixels span [-1, 1] in x and y; a surface point sits at z = -depth and is viewed from +z.
type Reference struct {
	Intensity float64 // point light intensity
	Workers   int     // batch elements shaded concurrently
}

// NewReference returns a Reference renderer with unit light intensity.
func NewReference(workers int) *Reference {
	return &Reference{Intensity: 1, Workers: workers}
}

// Point implements Renderer.
func (r *Reference) Point(albedo, normal, rough, depth, mask, light *tensor.Dense) (*tensor.Dense, error) {
	n, h, w, err := checkMaps(albedo, normal, rough, mask)
	if err != nil {
		return nil, err
	}
	if !maps.SameShape(depth, mask) {
		return nil, errors.Wrap(maps.ErrShape, "depth must match mask")
	}
	if light == nil || light.Dims() != 2 || light.Shape()[0] != n || light.Shape()[1] != 3 {
		return nil, errors.Wrapf(maps.ErrShape, "light must be (%d, 3)", n)
	}

	out := maps.Zeros(n, 3, h, w)
	a, nm, ro, d, m := albedo.Float64s(), normal.Float64s(), rough.Float64s(), depth.Float64s(), mask.Float64s()
	l, o := light.Float64s(), out.Float64s()
	plane := h * w

	parallel.ForEach(n, r.Workers, func(k int) {
		lx, ly, lz := l[k*3], l[k*3+1], l[k*3+2]
		for i := 0; i < h; i++ {
			y := 1 - 2*(float64(i)+0.5)/float64(h)
			for j := 0; j < w; j++ {
				p := i*w + j
				if m[k*plane+p] == 0 {
					continue
				}
				x := 2*(float64(j)+0.5)/float64(w) - 1
				z := -d[k*plane+p]

				dx, dy, dz := lx-x, ly-y, lz-z
				dist2 := dx*dx + dy*dy + dz*dz
				inv := 1 / math.Sqrt(math.Max(dist2, 1e-12))
				dx, dy, dz = dx*inv, dy*inv, dz*inv

				nx, ny, nz := nm[(k*3)*plane+p], nm[(k*3+1)*plane+p], nm[(k*3+2)*plane+p]
				ndotl := nx*dx + ny*dy + nz*dz
				if ndotl <= 0 {
					continue
				}

				// half vector between the light and the +z viewer
				hx, hy, hz := dx, dy, dz+1
				hl := math.Sqrt(hx*hx + hy*hy + hz*hz)
				ndoth := 0.0
				if hl > 0 {
					ndoth = math.Max(0, (nx*hx+ny*hy+nz*hz)/hl)
				}
				rg := math.Max(ro[k*plane+p], minRoughness)
				shininess := math.Max(2/(rg*rg)-2, 1)
				specular := (1 - rg) * math.Pow(ndoth, shininess) * (shininess + 2) / (8 * math.Pi)

				falloff := r.Intensity / (1 + dist2)
				for ch := 0; ch < 3; ch++ {
					diffuse := a[(k*3+ch)*plane+p] / math.Pi
					o[(k*3+ch)*plane+p] = (diffuse + specular) * ndotl * falloff
				}
			}
		}
	})
	return out, nil
}

// Env implements Renderer.
func (r *Reference) Env(albedo, normal, rough, mask, env *tensor.Dense) (*tensor.Dense, error) {
	n, h, w, err := checkMaps(albedo, normal, rough, mask)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Dims() != 2 || env.Shape()[0] != n || env.Shape()[1] != EnvCoefficients {
		return nil, errors.Wrapf(maps.ErrShape, "env must be (%d, %d)", n, EnvCoefficients)
	}

	out := maps.Zeros(n, 3, h, w)
	a, nm, m := albedo.Float64s(), normal.Float64s(), mask.Float64s()
	e, o := env.Float64s(), out.Float64s()
	plane := h * w

	parallel.ForEach(n, r.Workers, func(k int) {
		for p := 0; p < plane; p++ {
			if m[k*plane+p] == 0 {
				continue
			}
			x, y, z := nm[(k*3)*plane+p], nm[(k*3+1)*plane+p], nm[(k*3+2)*plane+p]
			for ch := 0; ch < 3; ch++ {
				sh := e[k*EnvCoefficients+ch*shBands : k*EnvCoefficients+(ch+1)*shBands]
				o[(k*3+ch)*plane+p] = a[(k*3+ch)*plane+p] / math.Pi * math.Max(0, irradiance(sh, x, y, z))
			}
		}
	})
	return out, nil
}

// irradiance evaluates SH irradiance for normal (x, y, z). sh is ordered
// L00, L1-1, L10, L11, L2-2, L2-1, L20, L21, L22.
func irradiance(sh []float64, x, y, z float64) float64 {
	return c1*sh[8]*(x*x-y*y) + c3*sh[6]*z*z + c4*sh[0] - c5*sh[6] +
		2*c1*(sh[4]*x*y+sh[7]*x*z+sh[5]*y*z) +
		2*c2*(sh[3]*x+sh[1]*y+sh[2]*z)
}

func checkMaps(albedo, normal, rough, mask *tensor.Dense) (n, h, w int, err error) {
	n, c, h, w, err := maps.Dims(mask)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "mask")
	}
	if c != 1 {
		return 0, 0, 0, errors.Wrapf(maps.ErrShape, "mask has %d channels", c)
	}
	for _, m := range []struct {
		name     string
		t        *tensor.Dense
		channels int
	}{{"albedo", albedo, 3}, {"normal", normal, 3}, {"rough", rough, 1}} {
		mb, mc, mh, mw, err := maps.Dims(m.t)
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, m.name)
		}
		if mb != n || mc != m.channels || mh != h || mw != w {
			return 0, 0, 0, errors.Wrapf(maps.ErrShape, "%s is %v", m.name, m.t.Shape())
		}
	}
	return n, h, w, nil
}
