package network

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"relight/maps"
)

// state is the serialised form of a module: parameter values keyed by name.
// Tensors are stored as plain host data, so a state loads the same wherever it was written.
type state struct {
	Network string
	Params  map[string]*tensor.Dense
}

// WriteState writes the parameter values of m to w.
func WriteState(w io.Writer, m Module) error {
	s := state{Network: m.Name(), Params: make(map[string]*tensor.Dense)}
	for _, p := range m.Params() {
		s.Params[p.Name] = p.Value
	}
	return errors.Wrapf(gob.NewEncoder(w).Encode(&s), "encode %s", m.Name())
}

// ReadState reads parameter values written by WriteState into m. Every parameter of m
// must be present with the same shape; gradients are left untouched.
func ReadState(r io.Reader, m Module) error {
	var s state
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return errors.Wrapf(err, "decode %s", m.Name())
	}
	if s.Network != m.Name() {
		return errors.Errorf("state belongs to %q, not %q", s.Network, m.Name())
	}
	params := m.Params()
	if len(s.Params) != len(params) {
		return errors.Wrapf(maps.ErrShape, "%s: state has %d parameters, want %d", m.Name(), len(s.Params), len(params))
	}
	for _, p := range params {
		v, ok := s.Params[p.Name]
		if !ok {
			return errors.Errorf("%s: parameter %s missing from state", m.Name(), p.Name)
		}
		if !v.Shape().Eq(p.Value.Shape()) {
			return errors.Wrapf(maps.ErrShape, "%s: parameter %s is %v, want %v", m.Name(), p.Name, v.Shape(), p.Value.Shape())
		}
		copy(p.Value.Float64s(), v.Float64s())
	}
	return nil
}

// WriteStateToFile writes the parameters of m to the named file.
func WriteStateToFile(name string, m Module) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	err = WriteState(file, m)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadStateFromFile reads the parameters of m from the named file.
func ReadStateFromFile(name string, m Module) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()
	return ReadState(file, m)
}
