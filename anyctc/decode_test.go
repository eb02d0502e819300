package anyctc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestGreedy(t *testing.T) {
	seqs := logProbSeqs(anyvec64.DefaultCreator{}, [][][]float64{
		{{0.2, 0.1, 0.7}, {0.7, 0.1, 0.2}, {0.6, 0.1, 0.3}, {0.1, 0.1, 0.8},
			{0.7, 0.1, 0.2}, {0.1, 0.8, 0.1}},
		{{0.1, 0.1, 0.8}},
		{},
	})
	assert.Equal(t, [][]int{{0, 0, 1}, {}, {}}, Greedy(seqs))
}

func TestBeamSearchPrefixMerging(t *testing.T) {
	// The best path is "blank blank", but the two paths
	// through label 0 together are more likely.
	seqs := logProbSeqs(anyvec64.DefaultCreator{}, [][][]float64{
		{{0.4, 0, 0.6}, {0.4, 0, 0.6}},
	})
	assert.Equal(t, [][]int{{}}, Greedy(seqs))
	assert.Equal(t, [][]int{{0}}, BeamSearch(seqs, 4))
}

func TestBeamSearchMatchesBruteForce(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 5; trial++ {
		probs := randomProbs(rng, 4, 3)
		seq := make([]anyvec.Vector, len(probs))
		for i, row := range probs {
			seq[i] = makeVector(c, row)
			anyvec.Log(seq[i])
		}
		decoded := BeamSearch(anyseq.ConstSeqList(c, [][]anyvec.Vector{seq}), 100)[0]

		best := math.Inf(-1)
		var bestLabel []int
		for _, label := range allLabels(2, 4) {
			if p := bruteForce(probs, label); p > best {
				best = p
				bestLabel = label
			}
		}
		assert.Equal(t, bestLabel, decoded)
	}
}

// allLabels lists every label sequence up to maxLen.
func allLabels(symbols, maxLen int) [][]int {
	res := [][]int{{}}
	frontier := [][]int{{}}
	for l := 0; l < maxLen; l++ {
		var next [][]int
		for _, prefix := range frontier {
			for s := 0; s < symbols; s++ {
				next = append(next, append(append([]int{}, prefix...), s))
			}
		}
		res = append(res, next...)
		frontier = next
	}
	return res
}
