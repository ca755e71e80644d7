// Package ledger keeps the per-epoch error series of a training run and stores them, along
// with network checkpoints, under the run directory.
package ledger

import (
	"gonum.org/v1/gonum/stat"
)

// Quantity names one error series.
type Quantity string

// The seven tracked quantities.
const (
	Albedo Quantity = "albedo"
	Normal Quantity = "normal"
	Rough  Quantity = "rough"
	Depth  Quantity = "depth"
	Env    Quantity = "env"
	Relit  Quantity = "relit"
	Total  Quantity = "total"
)

// Quantities lists every tracked quantity in a fixed order.
var Quantities = []Quantity{Albedo, Normal, Rough, Depth, Env, Relit, Total}

// Accumulator buffers per-iteration values and reduces them into a series, one mean per
// flush.
type Accumulator struct {
	pending []float64
	series  []float64
}

// Record buffers v.
func (a *Accumulator) Record(v float64) {
	a.pending = append(a.pending, v)
}

// Flush appends the mean of the buffered values to the series and clears the buffer.
// Flushing an empty buffer leaves the series unchanged and reports false.
func (a *Accumulator) Flush() (float64, bool) {
	if len(a.pending) == 0 {
		return 0, false
	}
	mean := stat.Mean(a.pending, nil)
	a.series = append(a.series, mean)
	a.pending = a.pending[:0]
	return mean, true
}

// Series returns a copy of the flushed means.
func (a *Accumulator) Series() []float64 {
	return append([]float64(nil), a.series...)
}

// Pending returns the number of buffered values.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

// Reset replaces the series and drops any buffered values.
func (a *Accumulator) Reset(series []float64) {
	a.series = append([]float64(nil), series...)
	a.pending = a.pending[:0]
}

// Ledger holds one accumulator per quantity for the run Run under Root.
type Ledger struct {
	Root string
	Run  string

	acc map[Quantity]*Accumulator
}

// New returns an empty ledger.
func New(root, run string) *Ledger {
	l := &Ledger{Root: root, Run: run, acc: make(map[Quantity]*Accumulator)}
	for _, q := range Quantities {
		l.acc[q] = &Accumulator{}
	}
	return l
}

// Accumulator returns the accumulator of q, or nil for an unknown quantity.
func (l *Ledger) Accumulator(q Quantity) *Accumulator {
	return l.acc[q]
}

// Record buffers v for q. Unknown quantities are ignored.
func (l *Ledger) Record(q Quantity, v float64) {
	if a, ok := l.acc[q]; ok {
		a.Record(v)
	}
}

// Flush flushes every accumulator and returns the means that were appended.
func (l *Ledger) Flush() map[Quantity]float64 {
	means := make(map[Quantity]float64)
	for _, q := range Quantities {
		if mean, ok := l.acc[q].Flush(); ok {
			means[q] = mean
		}
	}
	return means
}

// Series returns the flushed means of q.
func (l *Ledger) Series(q Quantity) []float64 {
	if a, ok := l.acc[q]; ok {
		return a.Series()
	}
	return nil
}
