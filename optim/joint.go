package optim

import (
	"github.com/pkg/errors"
)

// Joint steps a fixed, ordered set of optimizers together, one per network.
type Joint struct {
	names   []string
	members []Optimizer
}

// NewJoint returns an empty joint optimizer.
func NewJoint() *Joint {
	return &Joint{}
}

// Add appends a member. Members are zeroed and stepped in the order they were added.
func (j *Joint) Add(name string, o Optimizer) {
	j.names = append(j.names, name)
	j.members = append(j.members, o)
}

// Names returns the member names in order.
func (j *Joint) Names() []string {
	return j.names
}

// ZeroGrad clears the gradients of every member.
func (j *Joint) ZeroGrad() {
	for _, o := range j.members {
		o.ZeroGrad()
	}
}

// Step steps every member. Gradients of all members are checked first, so either every
// network is updated or none is.
func (j *Joint) Step() error {
	for i, o := range j.members {
		if err := checkGradients(o.Params()); err != nil {
			return errors.Wrap(err, j.names[i])
		}
	}
	for i, o := range j.members {
		if err := o.Step(); err != nil {
			return errors.Wrapf(err, "step %s", j.names[i])
		}
	}
	return nil
}

// DivideLearningRates divides the learning rate of every member by factor.
func (j *Joint) DivideLearningRates(factor float64) error {
	if !(factor > 0) {
		return errors.Errorf("learning rate divisor must be positive, got %v", factor)
	}
	for _, o := range j.members {
		o.SetLearningRate(o.LearningRate() / factor)
	}
	return nil
}

// HalveLearningRates divides every learning rate by 2.
func (j *Joint) HalveLearningRates() error {
	return j.DivideLearningRates(2)
}

// LearningRates returns the member learning rates in order.
func (j *Joint) LearningRates() []float64 {
	rates := make([]float64, len(j.members))
	for i, o := range j.members {
		rates[i] = o.LearningRate()
	}
	return rates
}

// DecayPolicy decides at which epochs the learning rates are divided by Factor.
// A decay happens when an epoch is reached that is a positive multiple of Every or is
// listed in Milestones.
type DecayPolicy struct {
	Every      int     `json:"every"`
	Milestones []int   `json:"milestones,omitempty"`
	Factor     float64 `json:"factor"`
}

// DefaultDecayPolicy halves the learning rates every second epoch.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{Every: 2, Factor: 2}
}

// DecaysAt reports whether reaching epoch triggers a decay.
func (p DecayPolicy) DecaysAt(epoch int) bool {
	if epoch <= 0 {
		return false
	}
	if p.Every > 0 && epoch%p.Every == 0 {
		return true
	}
	for _, m := range p.Milestones {
		if m == epoch {
			return true
		}
	}
	return false
}

// Replays returns how many decays a run has applied by the time it reaches start.
func (p DecayPolicy) Replays(start int) int {
	n := 0
	for e := 1; e <= start; e++ {
		if p.DecaysAt(e) {
			n++
		}
	}
	return n
}

// Validate checks the policy.
func (p DecayPolicy) Validate() error {
	if !(p.Factor > 0) {
		return errors.Errorf("decay factor must be positive, got %v", p.Factor)
	}
	if p.Every < 0 {
		return errors.Errorf("decay interval must not be negative, got %d", p.Every)
	}
	return nil
}

// Replay applies to j every decay a run would have applied before reaching start.
func (p DecayPolicy) Replay(j *Joint, start int) error {
	for i := p.Replays(start); i > 0; i-- {
		if err := j.DivideLearningRates(p.Factor); err != nil {
			return err
		}
	}
	return nil
}
