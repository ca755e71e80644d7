package ledger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/network"
)

// ErrNotFound is returned when resume data for an epoch does not exist.
var ErrNotFound = errors.New("resume data not found")

const (
	errorExt      = ".npy"
	checkpointExt = ".gob"
)

// RunDir is {root}/{run}.
func RunDir(root, run string) string {
	return filepath.Join(root, run)
}

// EpochDir is {root}/{run}/state_dict_{epoch}.
func EpochDir(root, run string, epoch int) string {
	return filepath.Join(RunDir(root, run), "state_dict_"+strconv.Itoa(epoch))
}

// ErrorsDir holds the error series persisted at epoch.
func ErrorsDir(root, run string, epoch int) string {
	return filepath.Join(EpochDir(root, run, epoch), "errors")
}

// ModelsDir holds the network checkpoints saved at epoch.
func ModelsDir(root, run string, epoch int) string {
	return filepath.Join(EpochDir(root, run, epoch), "models")
}

// SamplesDir holds the sample images dumped at epoch.
func SamplesDir(root, run string, epoch int) string {
	return filepath.Join(EpochDir(root, run, epoch), "samples")
}

// ErrorFile is the series file of q persisted at epoch.
func ErrorFile(root, run string, q Quantity, epoch int) string {
	return filepath.Join(ErrorsDir(root, run, epoch), fmt.Sprintf("%s_error_%d%s", q, epoch, errorExt))
}

// CheckpointFile is the checkpoint of the named network saved at epoch.
func CheckpointFile(root, run, network string, epoch int) string {
	return filepath.Join(ModelsDir(root, run, epoch), network+checkpointExt)
}

// Persist writes the full series of every quantity for epoch. A quantity that has never
// been flushed cannot be persisted.
func (l *Ledger) Persist(epoch int) error {
	if err := os.MkdirAll(ErrorsDir(l.Root, l.Run, epoch), 0o755); err != nil {
		return errors.Wrap(err, "create errors directory")
	}
	for _, q := range Quantities {
		series := l.acc[q].series
		if len(series) == 0 {
			return errors.Errorf("no %s errors to persist at epoch %d", q, epoch)
		}
		data := append([]float64(nil), series...)
		t := tensor.New(tensor.WithShape(len(data)), tensor.WithBacking(data))
		name := ErrorFile(l.Root, l.Run, q, epoch)
		if err := writeAtomic(name, t.WriteNpy); err != nil {
			return errors.Wrapf(err, "persist %s errors", q)
		}
	}
	return nil
}

// Load replaces every series with the one persisted at epoch.
func (l *Ledger) Load(epoch int) error {
	loaded := make(map[Quantity][]float64, len(Quantities))
	for _, q := range Quantities {
		name := ErrorFile(l.Root, l.Run, q, epoch)
		file, err := os.Open(name)
		if os.IsNotExist(err) {
			return errors.Wrap(ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		t := new(tensor.Dense)
		err = t.ReadNpy(file)
		file.Close()
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if t.Dtype() != tensor.Float64 || t.Dims() != 1 {
			return errors.Errorf("%s holds %v %v, want a float64 vector", name, t.Dtype(), t.Shape())
		}
		loaded[q] = t.Float64s()
	}
	for q, series := range loaded {
		l.acc[q].Reset(series)
	}
	return nil
}

// Resume loads the series persisted at the epoch before start.
func (l *Ledger) Resume(start int) error {
	if start < 1 {
		return errors.Wrapf(ErrNotFound, "nothing precedes epoch %d", start)
	}
	return l.Load(start - 1)
}

// SaveCheckpoint writes the parameters of every module for epoch.
func (l *Ledger) SaveCheckpoint(epoch int, modules ...network.Module) error {
	if err := os.MkdirAll(ModelsDir(l.Root, l.Run, epoch), 0o755); err != nil {
		return errors.Wrap(err, "create models directory")
	}
	for _, m := range modules {
		m := m
		name := CheckpointFile(l.Root, l.Run, m.Name(), epoch)
		err := writeAtomic(name, func(w io.Writer) error {
			return network.WriteState(w, m)
		})
		if err != nil {
			return errors.Wrapf(err, "checkpoint %s", m.Name())
		}
	}
	return nil
}

// LoadCheckpoint restores every module from the checkpoint of the epoch before start. If
// any module's file is missing no module is touched.
func (l *Ledger) LoadCheckpoint(start int, modules ...network.Module) error {
	if start < 1 {
		return errors.Wrapf(ErrNotFound, "no checkpoint precedes epoch %d", start)
	}
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = CheckpointFile(l.Root, l.Run, m.Name(), start-1)
		if _, err := os.Stat(names[i]); os.IsNotExist(err) {
			return errors.Wrap(ErrNotFound, names[i])
		}
	}
	for i, m := range modules {
		if err := network.ReadStateFromFile(names[i], m); err != nil {
			return errors.Wrapf(err, "load %s", names[i])
		}
	}
	return nil
}

// writeAtomic writes name through a temporary file in the same directory, so readers see
// either the previous content or the complete new one.
func writeAtomic(name string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
