package trainer

import (
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"gorgonia.org/tensor"

	"relight/ledger"
	"relight/maps"
)

const gamma = 1 / 2.2

type sampleImage struct {
	name string
	t    *tensor.Dense
	f    func(v, mv, bg float64) float64
}

// saveSamples writes PNGs of the last step's input, targets and predictions to the
// samples directory of epoch.
func (m *Model) saveSamples(epoch int) error {
	dir := ledger.SamplesDir(m.Config.Outf, m.Config.Name, epoch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s := m.last
	b, mask := s.batch, s.batch.Mask

	// signed images are brought back to [0, 1]; relit images are put on the background
	image01 := func(v, _, _ float64) float64 { return math.Pow(clamp01((v+1)/2), gamma) }
	onBackground := func(v, mv, bg float64) float64 { return math.Pow(clamp01((v+1)/2*mv+bg), gamma) }
	brdf := func(v, mv, _ float64) float64 { return 0.5 * (v + 1) * mv }
	depth := func(v, mv, _ float64) float64 {
		return (1/math.Max(1e-6, math.Min(v, 10))*mv - 0.25) / 0.8 * mv
	}

	images := []sampleImage{
		{"image_src_bg", s.sup.Input, image01},
		{"image_bg", b.Background, func(v, _, _ float64) float64 { return math.Pow(clamp01(v), gamma) }},
		{"albedo_gt", b.Albedo, brdf},
		{"normal_gt", b.Normal, brdf},
		{"rough_gt", b.Rough, brdf},
		{"depth_gt", b.Depth, depth},
		{"albedo_pred", s.pred.Maps.Albedo, brdf},
		{"normal_pred", s.pred.Maps.Normal, brdf},
		{"rough_pred", s.pred.Maps.Rough, brdf},
		{"depth_pred", s.pred.Maps.Depth, depth},
	}
	for i := range s.pred.Relit {
		n := strconv.Itoa(i)
		images = append(images,
			sampleImage{"image_pred_" + n, s.pred.Relit[i], onBackground},
			sampleImage{"image_targ_" + n, s.sup.AuxTargets[i], onBackground},
		)
	}

	for _, img := range images {
		rgba, err := tile(img.t, mask, b.Background, img.f)
		if err != nil {
			return err
		}
		if err := savePNG(filepath.Join(dir, img.name+".png"), rgba); err != nil {
			return err
		}
	}
	return nil
}

// tile lays the batch out left to right. f maps a value, its mask and the background of
// the same pixel and channel to a display intensity in [0, 1]. Single-channel maps are
// shown as grey.
func tile(t, mask, background *tensor.Dense, f func(v, mv, bg float64) float64) (*image.RGBA, error) {
	n, c, h, w, err := maps.Dims(t)
	if err != nil {
		return nil, err
	}
	plane := h * w
	src, m, bg := t.Float64s(), mask.Float64s(), background.Float64s()
	img := image.NewRGBA(image.Rect(0, 0, n*w, h))
	for k := 0; k < n; k++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				var rgb [3]float64
				for ch := 0; ch < 3; ch++ {
					sc := ch
					if c == 1 {
						sc = 0
					}
					rgb[ch] = f(src[(k*c+sc)*plane+p], m[k*plane+p], bg[(k*3+ch)*plane+p])
				}
				img.Set(k*w+x, y, colorful.Color{R: rgb[0], G: rgb[1], B: rgb[2]}.Clamped())
			}
		}
	}
	return img, nil
}

func savePNG(name string, img image.Image) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	err = png.Encode(file, img)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}
