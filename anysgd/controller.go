package anysgd

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// A Policy selects how a Controller changes the learning
// rate.
type Policy int

// These are the supported learning rate policies.
const (
	// PerEpoch multiplies the learning rate by the decay
	// rate after every epoch, starting at DecayStart.
	PerEpoch Policy = iota

	// CompareMetric multiplies the learning rate by the
	// decay rate once the monitored metric has not
	// improved for Patience epochs.
	CompareMetric

	// Warmup sets the learning rate from the step count,
	// increasing linearly for WarmupSteps steps and then
	// decaying with the inverse square root of the step.
	Warmup
)

// ParsePolicy converts "per_epoch", "compare_metric", or
// "warmup" into a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "per_epoch":
		return PerEpoch, nil
	case "compare_metric":
		return CompareMetric, nil
	case "warmup":
		return Warmup, nil
	default:
		return 0, fmt.Errorf("unsupported decay type: %q", name)
	}
}

// String returns the name accepted by ParsePolicy.
func (p Policy) String() string {
	switch p {
	case PerEpoch:
		return "per_epoch"
	case CompareMetric:
		return "compare_metric"
	case Warmup:
		return "warmup"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// A Controller adjusts the learning rate.
//
// A Controller holds no mutable state itself.
// Its methods map a State to a new State, and the caller
// owns the State.
type Controller struct {
	Policy Policy

	DecayStart int
	DecayRate  float64
	Patience   int

	// LowerIsBetter is true for metrics like loss or error
	// rates.
	LowerIsBetter bool

	WarmupSteps  int
	WarmupFactor float64

	// ModelDim is the model width used to scale warmup
	// learning rates.
	ModelDim int
}

// State is the state of a learning rate schedule.
type State struct {
	LearningRate float64
	BestMetric   float64
	NotImproved  int
}

// Validate checks the controller for errors.
func (c *Controller) Validate() error {
	switch c.Policy {
	case PerEpoch, CompareMetric:
		if c.DecayRate <= 0 || c.DecayRate > 1 {
			return fmt.Errorf("decay rate %f out of range", c.DecayRate)
		}
		if c.Policy == CompareMetric && c.Patience < 1 {
			return errors.New("decay patience must be at least 1")
		}
	case Warmup:
		if c.WarmupSteps <= 0 || c.ModelDim <= 0 || c.WarmupFactor <= 0 {
			return errors.New("warmup needs positive steps, model width, and factor")
		}
	default:
		return fmt.Errorf("unknown policy: %s", c.Policy)
	}
	return nil
}

// Start creates the initial State.
func (c *Controller) Start(learningRate float64) State {
	best := math.Inf(1)
	if !c.LowerIsBetter {
		best = math.Inf(-1)
	}
	return State{LearningRate: learningRate, BestMetric: best}
}

// Improves reports whether a metric beats the best one in
// the state.
func (c *Controller) Improves(s State, metric float64) bool {
	if c.LowerIsBetter {
		return metric < s.BestMetric
	}
	return metric > s.BestMetric
}

// Decay updates the state at the end of an epoch, given
// the metric measured for that epoch.
// Epochs are counted from 1.
//
// It never changes the learning rate under the Warmup
// policy.
func (c *Controller) Decay(s State, epoch int, metric float64) State {
	if c.Improves(s, metric) {
		s.BestMetric = metric
		s.NotImproved = 0
	} else {
		s.NotImproved++
	}
	if epoch < c.DecayStart {
		return s
	}
	switch c.Policy {
	case PerEpoch:
		s.LearningRate *= c.DecayRate
	case CompareMetric:
		if s.NotImproved >= c.Patience {
			s.LearningRate *= c.DecayRate
			s.NotImproved = 0
		}
	}
	return s
}

// Warmup updates the state after a training step.
// Steps are counted from 1.
//
// It only changes the learning rate under the Warmup
// policy.
func (c *Controller) Warmup(s State, step int) State {
	if c.Policy != Warmup {
		return s
	}
	x := math.Max(1, float64(step))
	s.LearningRate = c.WarmupFactor * math.Pow(float64(c.ModelDim), -0.5) *
		math.Min(math.Pow(x, -0.5), x*math.Pow(float64(c.WarmupSteps), -1.5))
	return s
}
