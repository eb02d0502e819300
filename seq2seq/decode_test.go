package seq2seq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestGreedyDeterministic(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	frames, _ := testBatch()
	in := NewBatch(c, frames, nil, nil).Inputs

	first := m.Greedy(in, 5)
	second := m.Greedy(in, 5)
	require.Len(t, first, 3)
	for i, d := range first {
		assert.Equal(t, d.Tokens, second[i].Tokens)
		assert.Equal(t, d.Score, second[i].Score)
	}
}

func TestDecodeMaxLen(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	frames, _ := testBatch()
	in := NewBatch(c, frames, nil, nil).Inputs
	encLens := []int{3, 2, 2}

	for _, beam := range []int{1, 3} {
		for _, maxLen := range []int{0, 1, 4} {
			for i, d := range m.Decode(in, beam, maxLen) {
				assert.True(t, len(d.Tokens) <= maxLen)
				assert.Len(t, d.Weights, len(d.Tokens))
				for j, tok := range d.Tokens {
					assert.NotEqual(t, m.Main.SOS(), tok)
					if tok == m.Main.EOS() {
						assert.Equal(t, len(d.Tokens)-1, j, "EOS ends the output")
					}
				}
				for _, w := range d.Weights {
					require.Len(t, w, encLens[i])
					var sum float64
					for _, x := range w {
						sum += x
					}
					assert.InDelta(t, 1, sum, 1e-8)
				}
			}
		}
	}
}

func TestBeamOneMatchesGreedy(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for i := 0; i < 3; i++ {
		m := testModel(t, testConfig())
		frames, _ := testBatch()
		in := NewBatch(c, frames, nil, nil).Inputs
		greedy := m.Greedy(in, 6)
		beam := m.BeamSearch(in, 1, 6)
		decoded := m.Decode(in, 1, 6)
		for j, g := range greedy {
			assert.Equal(t, g.Tokens, beam[j].Tokens)
			assert.Equal(t, g.Tokens, decoded[j].Tokens)
		}
	}
}

func TestDominantToken(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for _, numClasses := range []int{5, 2} {
		cfg := testConfig()
		cfg.Main.NumClasses = numClasses
		m := testModel(t, cfg)
		out := m.Main.Output[len(m.Main.Output)-1].(*anyasr.FC)
		out.Weights.Vector.Scale(c.MakeNumeric(0))
		biases := make([]float64, m.Main.OutputWidth())
		biases[1] = 10
		out.Biases.Vector.SetData(c.MakeNumericList(biases))

		frames, _ := testBatch()
		in := NewBatch(c, frames, nil, nil).Inputs
		expected := []int{1, 1, 1, 1}
		for _, d := range m.Greedy(in, 4) {
			assert.Equal(t, expected, d.Tokens, "classes %d", numClasses)
		}
		for _, beam := range []int{2, 3} {
			for _, d := range m.BeamSearch(in, beam, 4) {
				assert.Equal(t, expected, d.Tokens, "classes %d beam %d", numClasses, beam)
			}
		}
	}
}

func TestBeamStopsAtEOS(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	out := m.Main.Output[len(m.Main.Output)-1].(*anyasr.FC)
	out.Weights.Vector.Scale(c.MakeNumeric(0))
	biases := make([]float64, m.Main.OutputWidth())
	biases[m.Main.EOS()] = 10
	out.Biases.Vector.SetData(c.MakeNumericList(biases))

	frames, _ := testBatch()
	in := NewBatch(c, frames, nil, nil).Inputs
	for _, d := range m.Decode(in, 1, 5) {
		assert.Equal(t, []int{m.Main.EOS()}, d.Tokens)
	}
	for _, beam := range []int{2, 3} {
		for _, d := range m.Decode(in, beam, 5) {
			require.NotEmpty(t, d.Tokens)
			assert.True(t, len(d.Tokens) <= 2)
			assert.Equal(t, m.Main.EOS(), d.Tokens[len(d.Tokens)-1])
		}
	}
}

func TestCombineScores(t *testing.T) {
	for i := 0; i < 100; i++ {
		parent := -rand.Float64() * 20
		logProb := -rand.Float64() * 20
		score := CombineScores(parent, logProb)
		max := math.Max(parent, logProb)
		assert.True(t, score >= max)
		assert.True(t, score <= max+math.Log(2)+1e-12)
	}
	assert.InDelta(t, math.Log(2), CombineScores(0, 0), 1e-12)
}

func TestExpandScores(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	h := m.Main
	frames, _ := testBatch()
	in := NewBatch(c, frames, nil, nil).Inputs
	for _, s := range m.sessions(h, m.Encoder.Apply(in)) {
		parent := &Hypothesis{
			Tokens:  []int{h.SOS()},
			Score:   -1.5,
			State:   s.state,
			Weights: s.mem.ZeroWeights(),
		}
		logits, _, _ := h.step(s.mem, h.Embedding.Lookup([]int{h.SOS()}), s.state,
			s.mem.ZeroWeights())
		logProbs := logSoftmax(anyasr.VecFloats(logits.Output()))

		children := s.expand(parent)
		require.Len(t, children, h.OutputWidth())
		for id, child := range children {
			max := math.Max(parent.Score, logProbs[id])
			assert.True(t, child.Score >= max-1e-10, "token %d", id)
			assert.True(t, child.Score <= max+math.Log(2)+1e-10, "token %d", id)
			assert.Equal(t, []int{h.SOS(), id}, child.Tokens)
			assert.Len(t, child.History, 1)
		}

		for _, grandchild := range s.expand(children[0]) {
			parentScore := children[0].Score
			assert.True(t, grandchild.Score >= parentScore-1e-10)
			assert.True(t, grandchild.Score <= math.Max(parentScore, 0)+math.Log(2)+1e-10)
			assert.Len(t, grandchild.History, 2)
		}
	}
}

func TestDecodeSubTask(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.Encoder.Subsample = []int{1, 2}
	sub := cfg.Main
	sub.NumClasses = 2
	sub.CTCWeight = 0.5
	cfg.Sub = &sub
	cfg.SubLayers = 1
	cfg.MainWeight = 0.5
	m := testModel(t, cfg)

	out := m.Sub.Output[len(m.Sub.Output)-1].(*anyasr.FC)
	out.Weights.Vector.Scale(c.MakeNumeric(0))
	biases := make([]float64, m.Sub.OutputWidth())
	biases[1] = 10
	out.Biases.Vector.SetData(c.MakeNumericList(biases))

	ctc := m.Sub.CTC[0].(*anyasr.FC)
	ctc.Weights.Vector.Scale(c.MakeNumeric(0))
	ctcBiases := make([]float64, m.Sub.NumClasses+1)
	ctcBiases[0] = 10
	ctc.Biases.Vector.SetData(c.MakeNumericList(ctcBiases))

	lengths := []int{6, 4, 5}
	in := NewBatch(c, randomFrames(lengths, 3), nil, nil).Inputs
	for _, beam := range []int{1, 3} {
		decoded, err := m.DecodeTask(in, SubTask, beam, 3)
		require.NoError(t, err)
		require.Len(t, decoded, 3)
		for i, d := range decoded {
			assert.Equal(t, []int{1, 1, 1}, d.Tokens, "beam %d", beam)
			require.Len(t, d.Weights, 3)
			for _, w := range d.Weights {
				assert.Len(t, w, lengths[i], "sub-task attends to the tapped layer")
			}
		}

		ctcDecoded, err := m.DecodeTaskCTC(in, SubTask, beam)
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0}, {0}, {0}}, ctcDecoded)
	}

	main, err := m.DecodeTask(in, MainTask, 1, 3)
	require.NoError(t, err)
	for i, d := range main {
		for _, w := range d.Weights {
			assert.Len(t, w, lengths[i]/2)
		}
	}

	noSub := testModel(t, testConfig())
	_, err = noSub.DecodeTask(in, SubTask, 1, 3)
	assert.ErrorIs(t, err, ErrNoSubTask)
	_, err = noSub.DecodeTaskCTC(in, SubTask, 1)
	assert.ErrorIs(t, err, ErrNoSubTask)
	assert.Equal(t, "sub", SubTask.String())
}

func TestDecodeShortUtterance(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	in := NewBatch(c, randomFrames([]int{6, 1}, 3), nil, nil).Inputs
	res := m.BeamSearch(in, 2, 3)
	require.Len(t, res, 2)
	assert.Empty(t, res[1].Tokens)
	assert.NotEmpty(t, res[0].Tokens)
}

func TestDecodeCTC(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	out := m.Main.CTC[0].(*anyasr.FC)
	out.Weights.Vector.Scale(c.MakeNumeric(0))
	biases := make([]float64, m.Main.NumClasses+1)
	biases[1] = 10
	out.Biases.Vector.SetData(c.MakeNumericList(biases))

	in := NewBatch(c, randomFrames([]int{6, 4, 1}, 3), nil, nil).Inputs
	for _, beam := range []int{1, 3} {
		decoded, err := m.DecodeCTC(in, beam)
		require.NoError(t, err)
		assert.Equal(t, [][]int{{1}, {1}, {}}, decoded)
	}

	cfg := testConfig()
	cfg.Main.CTCWeight = 0
	_, err := testModel(t, cfg).DecodeCTC(in, 1)
	assert.ErrorIs(t, err, ErrNoCTC)
}
