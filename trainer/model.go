// Package trainer runs the training loop: one joint optimisation step per batch, and at
// every epoch boundary the error series, checkpoints, sample images and learning rate decay.
package trainer

import (
	"log"
	"math/rand"
	"os"

	"github.com/pkg/errors"

	"relight/batch"
	"relight/ledger"
	"relight/loss"
	"relight/network"
	"relight/optim"
	"relight/pipeline"
	"relight/render"
	"relight/supervise"
)

// ErrEmptyEpoch is returned at the end of an epoch in which no batch was accepted.
var ErrEmptyEpoch = errors.New("no batch accepted in epoch")

// Source yields the ground-truth batch for an iteration.
type Source interface {
	Batch(epoch, iter int) (*batch.Batch, error)
}

// Model owns the networks, their optimizers and the ledger of one run.
type Model struct {
	Config   Config
	Pipeline *pipeline.Pipeline
	Builder  *supervise.Builder
	Loss     *loss.Aggregator
	Optim    *optim.Joint
	Ledger   *ledger.Ledger

	l    *log.Logger
	last *sample
}

// sample is what the last successful step saw, kept for the sample dump.
type sample struct {
	batch *batch.Batch
	sup   *supervise.Supervision
	pred  *pipeline.Prediction
}

// NewReference creates a model over the reference networks and renderer.
func NewReference(cfg Config, l *log.Logger) (*Model, error) {
	act, ok := network.ActivationByName(cfg.Activation)
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "unknown activation %q", cfg.Activation)
	}
	if cfg.EnvLen != render.EnvCoefficients {
		return nil, errors.Wrapf(ErrConfig, "the reference renderer takes %d environment coefficients, got %d", render.EnvCoefficients, cfg.EnvLen)
	}
	nets := network.NewNetworks(pipeline.InputChannels, cfg.Features, cfg.Depth, cfg.EnvLen, act, cfg.Seed)
	return New(cfg, pipeline.New(nets), render.NewReference(cfg.Workers), l)
}

// New creates a model. The configuration is written to the run directory. When
// cfg.Reuse is set the learning rate decay is replayed up to cfg.StartEpoch and the error
// series and network parameters are loaded from the epoch before it.
func New(cfg Config, p *pipeline.Pipeline, r render.Renderer, l *log.Logger) (*Model, error) {
	if cfg.Name == "" {
		cfg.Name = newRunName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = log.New(os.Stderr, "", log.LstdFlags)
	}

	joint := optim.NewJoint()
	for _, m := range p.Modules() {
		lr, ok := cfg.LearningRates.byName(m.Name())
		if !ok {
			return nil, errors.Wrapf(ErrConfig, "no learning rate for network %q", m.Name())
		}
		o, err := optim.New(cfg.Optimizer, m.Params(), lr, cfg.Beta1, cfg.Beta2)
		if err != nil {
			return nil, errors.Wrap(ErrConfig, err.Error())
		}
		joint.Add(m.Name(), o)
	}

	builder := supervise.NewBuilder(r, rand.New(rand.NewSource(cfg.Seed)))
	builder.AuxCount = cfg.AuxCount
	builder.InputLight = cfg.InputLight
	builder.PointSpan = cfg.PointSpan

	m := &Model{
		Config:   cfg,
		Pipeline: p,
		Builder:  builder,
		Loss:     loss.New(cfg.Weights),
		Optim:    joint,
		Ledger:   ledger.New(cfg.Outf, cfg.Name),
		l:        l,
	}
	if err := cfg.Save(); err != nil {
		return nil, errors.Wrap(err, "save config")
	}

	if !cfg.Reuse {
		l.Printf("--> start a new model %s", cfg.Name)
		return m, nil
	}
	l.Printf("--> loading saved models and loss npys from epoch %d", cfg.StartEpoch-1)
	if n := cfg.Decay.Replays(cfg.StartEpoch); n > 0 {
		l.Printf("--> divide lr by %v, %d times", cfg.Decay.Factor, n)
	}
	if err := cfg.Decay.Replay(joint, cfg.StartEpoch); err != nil {
		return nil, err
	}
	if err := m.Ledger.Resume(cfg.StartEpoch); err != nil {
		return nil, errors.Wrap(err, "resume errors")
	}
	if err := m.Ledger.LoadCheckpoint(cfg.StartEpoch, p.Modules()...); err != nil {
		return nil, errors.Wrap(err, "resume checkpoint")
	}
	return m, nil
}

// Step runs one atomic training iteration on b: zero gradients, build supervision,
// predict, compute the loss, propagate it back and step every optimizer. If Step fails no
// parameter has changed.
func (m *Model) Step(b *batch.Batch) (loss.Terms, error) {
	if err := b.Validate(); err != nil {
		return loss.Terms{}, err
	}
	m.Optim.ZeroGrad()

	sup, err := m.Builder.Build(b)
	if err != nil {
		return loss.Terms{}, errors.Wrap(err, "build supervision")
	}
	pred, err := m.Pipeline.Forward(sup, b.Mask)
	if err != nil {
		return loss.Terms{}, errors.Wrap(err, "forward")
	}
	terms, grads, err := m.Loss.Compute(pred, b, sup)
	if err != nil {
		return terms, err
	}
	if err := pred.Backward(grads); err != nil {
		return terms, errors.Wrap(err, "backward")
	}
	if err := m.Optim.Step(); err != nil {
		return terms, err
	}

	m.Ledger.Record(ledger.Albedo, terms.Albedo)
	m.Ledger.Record(ledger.Normal, terms.Normal)
	m.Ledger.Record(ledger.Rough, terms.Rough)
	m.Ledger.Record(ledger.Depth, terms.Depth)
	m.Ledger.Record(ledger.Env, terms.Env)
	m.Ledger.Record(ledger.Relit, terms.Relit/float64(len(sup.AuxTargets)))
	m.Ledger.Record(ledger.Total, terms.Total)
	m.last = &sample{batch: b, sup: sup, pred: pred}
	return terms, nil
}

// EndEpoch flushes and persists the error series, saves a checkpoint and the sample
// images of epoch, then decays the learning rates if the next epoch calls for it. An epoch
// that recorded nothing fails with ErrEmptyEpoch before anything is written.
func (m *Model) EndEpoch(epoch int) error {
	means := m.Ledger.Flush()
	for _, q := range ledger.Quantities {
		if _, ok := means[q]; !ok {
			return errors.Wrapf(ErrEmptyEpoch, "epoch %d has no %s value", epoch, q)
		}
	}
	m.l.Printf("%s: epoch %d, mean loss: %.4f", m.Config.Name, epoch, means[ledger.Total])
	if err := m.Ledger.Persist(epoch); err != nil {
		return err
	}
	m.l.Print("--> saving checkpoints")
	if err := m.Ledger.SaveCheckpoint(epoch, m.Pipeline.Modules()...); err != nil {
		return err
	}
	if m.Config.SaveSamples && m.last != nil {
		if err := m.saveSamples(epoch); err != nil {
			return errors.Wrap(err, "save samples")
		}
	}
	if m.Config.Decay.DecaysAt(epoch + 1) {
		m.l.Printf("--> divide lr by %v", m.Config.Decay.Factor)
		if err := m.Optim.DivideLearningRates(m.Config.Decay.Factor); err != nil {
			return err
		}
	}
	return nil
}

// Train runs epochs StartEpoch to NEpoch-1 over src. Batches with an empty mask or a
// non-finite loss are logged and skipped; any other error stops training, as does an epoch
// in which every batch was skipped.
func (m *Model) Train(src Source) error {
	c := m.Config
	for epoch := c.StartEpoch; epoch < c.NEpoch; epoch++ {
		for iter := 0; iter < c.NIter; iter++ {
			b, err := src.Batch(epoch, iter)
			if err != nil {
				return errors.Wrapf(err, "batch %d of epoch %d", iter, epoch)
			}
			terms, err := m.Step(b)
			if skippable(err) {
				m.l.Printf("%s: [%d/%d][%d/%d], batch skipped: %v", c.Name, epoch, c.NEpoch, iter, c.NIter, err)
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "step %d of epoch %d", iter, epoch)
			}
			if c.LogEvery > 0 && iter%c.LogEvery == 0 {
				m.logLoss(epoch, iter, terms)
			}
		}
		if err := m.EndEpoch(epoch); err != nil {
			return errors.Wrapf(err, "end of epoch %d", epoch)
		}
	}
	return nil
}

func skippable(err error) bool {
	return errors.Is(err, batch.ErrEmptyMask) || errors.Is(err, loss.ErrNonFinite) || errors.Is(err, optim.ErrNonFinite)
}

func (m *Model) logLoss(epoch, iter int, t loss.Terms) {
	c := m.Config
	m.l.Printf("%s: [%d/%d][%d/%d], loss: %.4f", c.Name, epoch, c.NEpoch, iter, c.NIter, t.Total)
	m.l.Printf("A: %.3f, N: %.3f, R: %.3f, D: %.3f, relit: %.3f, env: %.3f", t.Albedo, t.Normal, t.Rough, t.Depth, t.Relit, t.Env)
}
