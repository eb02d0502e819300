package anyctc

import (
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

func makeVector(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

// seqSteps converts a batch into per-sequence lists of
// log probability rows.
func seqSteps(seqs anyseq.Seq) [][][]float64 {
	separated := anyseq.SeparateSeqs(seqs.Output())
	res := make([][][]float64, len(separated))
	for i, seq := range separated {
		res[i] = make([][]float64, len(seq))
		for t, step := range seq {
			res[i][t] = anyasr.VecFloats(step)
		}
	}
	return res
}
