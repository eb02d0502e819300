package anyasr

import (
	"fmt"

	"github.com/unixpickle/anydiff"
)

// TokenCE computes a summed token-level cross-entropy from
// unnormalized logits.
type TokenCE struct {
	// IgnoreID is a target id which never contributes to
	// the cost.
	// Set it to a negative number to count every target.
	IgnoreID int

	// Smoothing mixes the one-hot targets with a uniform
	// distribution: (1-Smoothing)*onehot + Smoothing/V.
	Smoothing float64
}

// Cost computes the total cross-entropy of the targets
// under the row-major logits matrix, which has one row
// per target.
// The result has a single component.
func (t TokenCE) Cost(logits anydiff.Res, targets []int) anydiff.Res {
	c := logits.Output().Creator()
	if len(targets) == 0 {
		return anydiff.NewConst(c.MakeVector(1))
	}
	numClasses := logits.Output().Len() / len(targets)
	if numClasses*len(targets) != logits.Output().Len() {
		panic(fmt.Sprintf("logits length %d not divisible by %d targets",
			logits.Output().Len(), len(targets)))
	}
	weights := t.targetWeights(targets, numClasses)
	logProbs := anydiff.LogSoftmax(logits, numClasses)
	weighted := anydiff.Mul(logProbs, anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(weights))))
	return anydiff.Scale(anydiff.Sum(weighted), c.MakeNumeric(-1))
}

// targetWeights builds the (possibly smoothed) target
// distribution for every row; ignored rows are zero.
func (t TokenCE) targetWeights(targets []int, numClasses int) []float64 {
	res := make([]float64, len(targets)*numClasses)
	for i, target := range targets {
		if target == t.IgnoreID {
			continue
		}
		row := res[i*numClasses : (i+1)*numClasses]
		if t.Smoothing != 0 {
			for j := range row {
				row[j] = t.Smoothing / float64(numClasses)
			}
		}
		row[target] += 1 - t.Smoothing
	}
	return res
}
