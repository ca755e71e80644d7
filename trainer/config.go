package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"relight/ledger"
	"relight/loss"
	"relight/network"
	"relight/optim"
	"relight/render"
	"relight/supervise"
)

// ErrConfig is returned for an invalid run configuration.
var ErrConfig = errors.New("invalid configuration")

// LearningRates are the initial per-network learning rates.
type LearningRates struct {
	Encoder float64 `json:"encoder"`
	BRDF    float64 `json:"decoder_brdf"`
	Relight float64 `json:"decoder_render"`
	Env     float64 `json:"env_predictor"`
}

// byName returns the rate of the named network.
func (r LearningRates) byName(name string) (float64, bool) {
	switch name {
	case network.EncoderName:
		return r.Encoder, true
	case network.BRDFDecoderName:
		return r.BRDF, true
	case network.RelightDecoderName:
		return r.Relight, true
	case network.EnvPredictorName:
		return r.Env, true
	}
	return 0, false
}

// Config is every option of a training run. It is written to config.json when a model
// is created.
type Config struct {
	Name       string `json:"name"`
	Outf       string `json:"outf"`
	NEpoch     int    `json:"nepoch"`
	NIter      int    `json:"niter"`
	StartEpoch int    `json:"start_epoch"`
	Reuse      bool   `json:"reuse"`

	BatchSize int `json:"batch_size"`
	ImageSize int `json:"image_size"`
	EnvLen    int `json:"env_len"`

	AuxCount   int     `json:"aux_cnt"`
	InputLight string  `json:"input_light"`
	PointSpan  float64 `json:"point_span"`

	Optimizer     string            `json:"optimizer"`
	LearningRates LearningRates     `json:"lr"`
	Beta1         float64           `json:"beta1"`
	Beta2         float64           `json:"beta2"`
	Decay         optim.DecayPolicy `json:"decay"`
	Weights       loss.Weights      `json:"weights"`

	Features   int    `json:"features"`
	Depth      int    `json:"depth"`
	Activation string `json:"activation"`

	Seed        int64 `json:"seed"`
	Workers     int   `json:"workers"`
	LogEvery    int   `json:"log_every"`
	SaveSamples bool  `json:"save_samples"`
}

// DefaultConfig returns the standard options. Name is left empty and filled with a
// generated one when the model is created.
func DefaultConfig() Config {
	return Config{
		Outf:       "output",
		NEpoch:     10,
		NIter:      100,
		BatchSize:  4,
		ImageSize:  32,
		EnvLen:     render.EnvCoefficients,
		AuxCount:   1,
		InputLight: supervise.InputEnv,
		PointSpan:  2,
		Optimizer:  "adam",
		LearningRates: LearningRates{
			Encoder: 1e-4,
			BRDF:    2e-4,
			Relight: 2e-4,
			Env:     2e-4,
		},
		Beta1:       optim.DefaultBeta1,
		Beta2:       optim.DefaultBeta2,
		Decay:       optim.DefaultDecayPolicy(),
		Weights:     loss.DefaultWeights(),
		Features:    16,
		Depth:       3,
		Activation:  "leaky_relu",
		Seed:        1,
		Workers:     1,
		LogEvery:    10,
		SaveSamples: true,
	}
}

// LoadConfig reads a JSON configuration on top of DefaultConfig.
func LoadConfig(name string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(name)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", name)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Outf == "":
		return errors.Wrap(ErrConfig, "empty output root")
	case c.NEpoch <= 0 || c.NIter <= 0:
		return errors.Wrapf(ErrConfig, "need positive epochs and iterations, got %d and %d", c.NEpoch, c.NIter)
	case c.StartEpoch < 0 || c.StartEpoch >= c.NEpoch:
		return errors.Wrapf(ErrConfig, "start epoch %d outside [0, %d)", c.StartEpoch, c.NEpoch)
	case c.Reuse && c.StartEpoch == 0:
		return errors.Wrap(ErrConfig, "reuse needs a start epoch after 0")
	case c.BatchSize <= 0 || c.ImageSize <= 0 || c.EnvLen <= 0:
		return errors.Wrap(ErrConfig, "batch size, image size and env length must be positive")
	case c.AuxCount < 1:
		return errors.Wrapf(ErrConfig, "aux_cnt must be at least 1, got %d", c.AuxCount)
	case c.InputLight != supervise.InputEnv && c.InputLight != supervise.InputPoint:
		return errors.Wrapf(ErrConfig, "unknown input light %q", c.InputLight)
	case c.Features <= 0 || c.Depth <= 0:
		return errors.Wrap(ErrConfig, "features and depth must be positive")
	case c.Workers <= 0:
		return errors.Wrapf(ErrConfig, "workers must be positive, got %d", c.Workers)
	}
	for _, name := range []string{network.EncoderName, network.BRDFDecoderName, network.RelightDecoderName, network.EnvPredictorName} {
		if lr, _ := c.LearningRates.byName(name); !(lr > 0) {
			return errors.Wrapf(ErrConfig, "learning rate of %s must be positive", name)
		}
	}
	if _, ok := network.ActivationByName(c.Activation); !ok {
		return errors.Wrapf(ErrConfig, "unknown activation %q", c.Activation)
	}
	if err := c.Decay.Validate(); err != nil {
		return errors.Wrap(ErrConfig, err.Error())
	}
	return nil
}

// Save writes c as {Outf}/{Name}/config.json.
func (c Config) Save() error {
	dir := ledger.RunDir(c.Outf, c.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}

func newRunName() string {
	return "relight-" + uuid.New().String()[:8]
}
