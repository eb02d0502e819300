package anyctc

import (
	"math"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// LogLikelihood computes the log probability of a label
// under CTC.
//
// The logProbs argument is a row-major matrix with one
// row per timestep, where each row holds log probabilities
// for every label and then the blank.
// The result is a single component.
// It is -Inf when the label cannot be aligned to the
// steps, in which case the gradient is zero.
func LogLikelihood(logProbs anydiff.Res, steps int, label []int) anydiff.Res {
	c := logProbs.Output().Creator()
	if steps == 0 {
		value := 0.0
		if len(label) > 0 {
			value = math.Inf(-1)
		}
		return anydiff.NewConst(makeVector(c, []float64{value}))
	}
	probs := anyasr.VecFloats(logProbs.Output())
	cols := len(probs) / steps
	ll := newLattice(probs, cols, label)
	logP := ll.forward()
	return &logLikelihoodRes{
		In:   logProbs,
		Out:  makeVector(c, []float64{logP}),
		Grad: ll.occupancy(logP),
	}
}

// MinSteps returns the fewest timesteps which can be
// aligned to a label.
// Every repeated pair of adjacent labels needs a blank
// between them.
func MinSteps(label []int) int {
	res := len(label)
	for i := 1; i < len(label); i++ {
		if label[i] == label[i-1] {
			res++
		}
	}
	return res
}

type logLikelihoodRes struct {
	In   anydiff.Res
	Out  anyvec.Vector
	Grad []float64
}

func (l *logLikelihoodRes) Output() anyvec.Vector {
	return l.Out
}

func (l *logLikelihoodRes) Vars() anydiff.VarSet {
	return l.In.Vars()
}

func (l *logLikelihoodRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !g.Intersects(l.In.Vars()) {
		return
	}
	down := makeVector(u.Creator(), l.Grad)
	down.Scale(anyvec.Sum(u))
	l.In.Propagate(down, g)
}

// lattice holds the alignment scores of a label extended
// with blanks: blank, l1, blank, l2, ..., blank.
type lattice struct {
	probs  []float64
	cols   int
	steps  int
	states []int
	alpha  [][]float64
}

func newLattice(probs []float64, cols int, label []int) *lattice {
	blank := cols - 1
	states := []int{blank}
	for _, x := range label {
		states = append(states, x, blank)
	}
	return &lattice{
		probs:  probs,
		cols:   cols,
		steps:  len(probs) / cols,
		states: states,
	}
}

func (l *lattice) prob(t, s int) float64 {
	return l.probs[t*l.cols+l.states[s]]
}

// canSkip reports whether state s may be entered from
// state s-2, skipping a blank.
func (l *lattice) canSkip(s int) bool {
	return s >= 2 && l.states[s] != l.states[len(l.states)-1] &&
		l.states[s] != l.states[s-2]
}

// forward fills in alpha and returns the total log
// probability.
func (l *lattice) forward() float64 {
	n := len(l.states)
	l.alpha = make([][]float64, l.steps)
	for t := range l.alpha {
		row := make([]float64, n)
		for s := range row {
			var sum float64
			if t == 0 {
				sum = math.Inf(-1)
				if s < 2 {
					sum = 0
				}
			} else {
				prev := l.alpha[t-1]
				sum = prev[s]
				if s > 0 {
					sum = addLogs(sum, prev[s-1])
				}
				if l.canSkip(s) {
					sum = addLogs(sum, prev[s-2])
				}
			}
			row[s] = sum + l.prob(t, s)
		}
		l.alpha[t] = row
	}
	last := l.alpha[l.steps-1]
	res := last[n-1]
	if n > 1 {
		res = addLogs(res, last[n-2])
	}
	return res
}

// occupancy computes the derivative of the total log
// probability with respect to every input log
// probability.
func (l *lattice) occupancy(logP float64) []float64 {
	res := make([]float64, len(l.probs))
	if math.IsInf(logP, -1) {
		return res
	}
	n := len(l.states)
	sums := make([]float64, len(l.probs))
	for i := range sums {
		sums[i] = math.Inf(-1)
	}
	beta := make([]float64, n)
	next := make([]float64, n)
	for t := l.steps - 1; t >= 0; t-- {
		for s := range beta {
			var sum float64
			if t == l.steps-1 {
				sum = math.Inf(-1)
				if s >= n-2 {
					sum = 0
				}
			} else {
				sum = next[s]
				if s+1 < n {
					sum = addLogs(sum, next[s+1])
				}
				if s+2 < n && l.canSkip(s+2) {
					sum = addLogs(sum, next[s+2])
				}
			}
			beta[s] = sum + l.prob(t, s)
			idx := t*l.cols + l.states[s]
			sums[idx] = addLogs(sums[idx], l.alpha[t][s]+beta[s])
		}
		beta, next = next, beta
	}
	for i, sum := range sums {
		if !math.IsInf(sum, -1) {
			res[i] = math.Exp(sum - logP - l.probs[i])
		}
	}
	return res
}

func addLogs(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	} else if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
