package batch

import (
	"testing"

	"github.com/pkg/errors"

	"relight/maps"
)

func newSynthetic() *Synthetic {
	return &Synthetic{BatchSize: 3, Height: 8, Width: 6, EnvLen: 27, Seed: 1, Workers: 2}
}

func TestSyntheticBatchIsValid(t *testing.T) {
	src := newSynthetic()
	for iter := 0; iter < 5; iter++ {
		b, err := src.Batch(0, iter)
		if err != nil {
			t.Fatalf("Batch: %v", err)
		}
		if err := b.Validate(); err != nil {
			t.Fatalf("iter %d: Validate: %v", iter, err)
		}
		if n, h, w := b.Size(); n != 3 || h != 8 || w != 6 {
			t.Errorf("Size = (%d, %d, %d), want (3, 8, 6)", n, h, w)
		}
	}
}

func TestSyntheticTinyGridHasForeground(t *testing.T) {
	src := &Synthetic{BatchSize: 4, Height: 1, Width: 1, EnvLen: 9, Seed: 3}
	b, err := src.Batch(2, 0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if got := b.PixelCount(); got != 4 {
		t.Errorf("PixelCount = %v, want 4", got)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a, _ := newSynthetic().Batch(1, 2)
	b, _ := newSynthetic().Batch(1, 2)
	c, _ := newSynthetic().Batch(1, 3)
	for i, v := range a.Albedo.Float64s() {
		if b.Albedo.Float64s()[i] != v {
			t.Fatalf("same (epoch, iter) differs at %d", i)
		}
	}
	if maps.Sum(a.Env) == maps.Sum(c.Env) {
		t.Error("different iterations produced identical lighting")
	}
}

func TestSyntheticRejectsBadSizes(t *testing.T) {
	src := newSynthetic()
	src.Height = 0
	if _, err := src.Batch(0, 0); err == nil {
		t.Error("expected an error for a zero height")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Batch)
		want   error
	}{
		{"valid", func(b *Batch) {}, nil},
		{"empty mask", func(b *Batch) {
			b.Mask = maps.ZerosLike(b.Mask)
		}, ErrEmptyMask},
		{"non-binary mask", func(b *Batch) {
			b.Mask.Float64s()[0] = 0.5
		}, ErrInvalidBatch},
		{"albedo channels", func(b *Batch) {
			b.Albedo = maps.Zeros(3, 1, 8, 6)
		}, ErrInvalidBatch},
		{"depth grid", func(b *Batch) {
			b.Depth = maps.Zeros(3, 1, 8, 5)
		}, ErrInvalidBatch},
		{"env batch", func(b *Batch) {
			b.Env = maps.Zeros(2, 27)
		}, ErrInvalidBatch},
		{"missing background", func(b *Batch) {
			b.Background = nil
		}, ErrInvalidBatch},
		{"non-unit normal", func(b *Batch) {
			foregroundScale(b, b.Normal, 3, 2)
		}, ErrInvalidBatch},
		{"non-positive depth", func(b *Batch) {
			foregroundScale(b, b.Depth, 1, -1)
		}, ErrInvalidBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := newSynthetic().Batch(0, 0)
			if err != nil {
				t.Fatalf("Batch: %v", err)
			}
			tt.mutate(b)
			err = b.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

// foregroundScale multiplies every channel of the first foreground pixel by s.
func foregroundScale(b *Batch, m interface{ Float64s() []float64 }, channels int, s float64) {
	_, h, w := b.Size()
	plane := h * w
	for p, v := range b.Mask.Float64s()[:plane] {
		if v == 1 {
			for ch := 0; ch < channels; ch++ {
				m.Float64s()[ch*plane+p] *= s
			}
			return
		}
	}
}
