package anyctc

import (
	"fmt"
	"math"

	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
)

// Cost computes the negative log likelihood of each
// label sequence, giving one component per sequence.
//
// With N labels, every step of seqs has N+1 log
// probabilities, the last of which is the blank.
// Labels must be in [0, N).
func Cost(seqs anyseq.Seq, labels [][]int) anydiff.Res {
	c := seqs.Creator()
	if len(seqs.Output()) == 0 {
		costs := make([]float64, len(labels))
		for i, l := range labels {
			if len(l) > 0 {
				costs[i] = math.Inf(1)
			}
		}
		return anydiff.NewConst(makeVector(c, costs))
	}
	likelihoods := anyrnn.PoolSeqs(seqs, func(mats []*anydiff.Matrix) anydiff.Res {
		if len(mats) != len(labels) {
			panic(fmt.Sprintf("have %d sequences but %d labels", len(mats), len(labels)))
		}
		res := make([]anydiff.Res, len(mats))
		for i, m := range mats {
			res[i] = LogLikelihood(m.Data, m.Rows, labels[i])
		}
		return anydiff.Concat(res...)
	})
	return anydiff.Scale(likelihoods, c.MakeNumeric(-1))
}

// ScaleLengths computes the sequence lengths after
// subsampling by each of the factors in turn.
// Every factor floors the length, matching the frame
// dropping done by anyrnn.Subsample.
func ScaleLengths(lengths []int, factors []int) []int {
	res := make([]int, len(lengths))
	for i, l := range lengths {
		for _, f := range factors {
			l = anyrnn.SubsampledLength(l, f)
		}
		res[i] = l
	}
	return res
}
