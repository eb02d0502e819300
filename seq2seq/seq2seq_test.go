package seq2seq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anyasr/attention"
	"github.com/unixpickle/anyasr/decoder"
	"github.com/unixpickle/anyasr/encoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func testConfig() Config {
	return Config{
		Encoder: encoder.Config{
			FeatureDim:    3,
			Splice:        1,
			Stack:         1,
			Cell:          anyrnn.LSTM,
			Hidden:        3,
			Layers:        2,
			Bidirectional: true,
			Combine:       encoder.CombineConcat,
			Subsample:     []int{2, 1},
			SubsampleMode: anyrnn.SubsampleDrop,
			InitScale:     0.3,
		},
		Main: HeadConfig{
			NumClasses:   5,
			EmbeddingDim: 3,
			Decoder: decoder.Config{
				Cell:            anyrnn.LSTM,
				Hidden:          4,
				Layers:          1,
				InitScale:       0.3,
				InitFromEncoder: true,
			},
			Attention: attention.Config{
				Kind:      attention.Additive,
				AttDim:    3,
				InitScale: 0.3,
			},
			InputFeeding: true,
			ProjDim:      4,
			CTCWeight:    0.3,
			InitScale:    0.3,
		},
	}
}

func testModel(t *testing.T, cfg Config) *Model {
	m, err := New(anyvec64.DefaultCreator{}, cfg)
	require.NoError(t, err)
	return m
}

func randomFrames(lengths []int, width int) [][][]float64 {
	res := make([][][]float64, len(lengths))
	for i, l := range lengths {
		for j := 0; j < l; j++ {
			frame := make([]float64, width)
			for k := range frame {
				frame[k] = rand.NormFloat64()
			}
			res[i] = append(res[i], frame)
		}
	}
	return res
}

// testBatch returns three utterances which encode to
// [3, 2, 2] steps under the test configuration.
func testBatch() ([][][]float64, [][]int) {
	frames := randomFrames([]int{6, 4, 5}, 3)
	labels := [][]int{
		{5, 0, 1, 6},
		{5, 3, 6},
		{5, 2, 4, 6},
	}
	return frames, labels
}

func lossValue(t *testing.T, m *Model, b *Batch) float64 {
	loss, err := m.Loss(b)
	require.NoError(t, err)
	return loss.Total.Output().Data().([]float64)[0]
}

func TestOutputWidth(t *testing.T) {
	m := testModel(t, testConfig())
	assert.Equal(t, 7, m.Main.OutputWidth())
	assert.Equal(t, 5, m.Main.SOS())
	assert.Equal(t, 6, m.Main.EOS())

	c := anyvec64.DefaultCreator{}
	frames, labels := testBatch()
	loss, err := m.Loss(NewBatch(c, frames, labels, nil))
	require.NoError(t, err)
	total := loss.Total.Output().Data().([]float64)[0]
	assert.False(t, math.IsInf(total, 0) || math.IsNaN(total))
	assert.True(t, total >= 0)
	assert.NotNil(t, loss.Main.CTC)
	assert.Nil(t, loss.Sub)
}

func TestLossPermutation(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	frames, labels := testBatch()
	expected := lossValue(t, m, NewBatch(c, frames, labels, nil))

	perm := []int{2, 0, 1}
	var permFrames [][][]float64
	var permLabels [][]int
	for _, i := range perm {
		permFrames = append(permFrames, frames[i])
		permLabels = append(permLabels, labels[i])
	}
	actual := lossValue(t, m, NewBatch(c, permFrames, permLabels, nil))
	assert.InDelta(t, expected, actual, 1e-8)
}

func TestLossWithoutFeatures(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.Main.InputFeeding = false
	cfg.Main.CTCWeight = 0
	cfg.Main.Temperature = 2
	cfg.Main.LabelSmoothing = 0.1
	cfg.Main.Decoder.InitFromEncoder = false
	cfg.Main.Attention.Kind = attention.Dot
	m := testModel(t, cfg)
	assert.Empty(t, m.Main.CTC)

	frames, labels := testBatch()
	loss, err := m.Loss(NewBatch(c, frames, labels, nil))
	require.NoError(t, err)
	assert.Nil(t, loss.Main.CTC)
	assert.InDeltaSlice(t, loss.Main.XE.Output().Data(), loss.Total.Output().Data(), 1e-10)
}

func TestLossProp(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.Encoder.Hidden = 2
	cfg.Encoder.Layers = 1
	cfg.Encoder.Subsample = []int{2}
	cfg.Main.Decoder.Cell = anyrnn.GRU
	cfg.Main.Decoder.Hidden = 2
	cfg.Main.Attention.Kind = attention.Location
	cfg.Main.Attention.Channels = 2
	cfg.Main.Attention.Width = 1
	cfg.Main.ProjDim = 2
	cfg.Main.LabelSmoothing = 0.1
	m := testModel(t, cfg)

	frames := randomFrames([]int{4, 6}, 3)
	labels := [][]int{{5, 1, 6}, {5, 0, 2, 6}}
	b := NewBatch(c, frames, labels, nil)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			loss, err := m.Loss(b)
			if err != nil {
				t.Fatal(err)
			}
			return loss.Total
		},
		V: m.Parameters(),
	}
	checker.FullCheck(t)
}

func TestLossErrors(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())

	_, err := m.Loss(NewBatch(c, randomFrames([]int{6, 1}, 3), [][]int{
		{5, 0, 6},
		{5, 1, 6},
	}, nil))
	assert.Error(t, err, "utterance too short")

	for _, bad := range [][]int{{0, 1, 6}, {5, 1}, {5, 7, 6}, {5}} {
		_, err := m.Loss(NewBatch(c, randomFrames([]int{6}, 3), [][]int{bad}, nil))
		assert.Error(t, err, "labels %v", bad)
	}

	_, err = m.Loss(NewBatch(c, randomFrames([]int{6}, 3), nil, nil))
	assert.Error(t, err, "missing labels")

	out := m.Encoder.Apply(NewBatch(c, randomFrames([]int{6}, 3), nil, nil).Inputs)
	out.FinalState = nil
	_, err = m.Main.loss(out, [][]int{{5, 0, 6}}, m.Encoder.CellType())
	assert.ErrorIs(t, err, decoder.ErrNoEncoderState)
}

func TestLossCTCTooShort(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	frames := randomFrames([]int{4}, 3)
	labels := [][]int{{5, 1, 1, 6}}

	m := testModel(t, testConfig())
	_, err := m.Loss(NewBatch(c, frames, labels, nil))
	assert.Error(t, err, "two steps cannot align a repeated label")

	_, err = m.Loss(NewBatch(c, frames, [][]int{{5, 1, 2, 6}}, nil))
	assert.NoError(t, err)

	cfg := testConfig()
	cfg.Main.CTCWeight = 0
	val := lossValue(t, testModel(t, cfg), NewBatch(c, frames, labels, nil))
	assert.False(t, math.IsInf(val, 0) || math.IsNaN(val))
}

func TestSubTask(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	sub := cfg.Main
	sub.NumClasses = 3
	sub.CTCWeight = 0.5
	cfg.Sub = &sub
	cfg.SubLayers = 1
	cfg.MainWeight = 0.7
	m := testModel(t, cfg)
	assert.Equal(t, 5, m.Sub.OutputWidth())

	frames, labels := testBatch()
	subLabels := [][]int{{3, 0, 4}, {3, 1, 2, 4}, {3, 2, 4}}
	loss, err := m.Loss(NewBatch(c, frames, labels, subLabels))
	require.NoError(t, err)
	require.NotNil(t, loss.Sub)

	mainVal := loss.Main.Total.Output().Data().([]float64)[0]
	subVal := loss.Sub.Total.Output().Data().([]float64)[0]
	total := loss.Total.Output().Data().([]float64)[0]
	assert.InDelta(t, 0.7*mainVal+0.3*subVal, total, 1e-8)

	_, err = m.Loss(NewBatch(c, frames, labels, nil))
	assert.Error(t, err)

	cfg.SubLayers = 3
	_, err = New(c, cfg)
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	mutations := map[string]func(c *Config){
		"Classes":   func(c *Config) { c.Main.NumClasses = 0 },
		"Embedding": func(c *Config) { c.Main.EmbeddingDim = 0 },
		"CTC":       func(c *Config) { c.Main.CTCWeight = 1.5 },
		"Smoothing": func(c *Config) { c.Main.LabelSmoothing = 1 },
		"Proj":      func(c *Config) { c.Main.ProjDim = 0 },
		"Encoder":   func(c *Config) { c.Encoder.Splice = 2 },
		"Decoder":   func(c *Config) { c.Main.Decoder.Layers = 0 },
		"Attention": func(c *Config) { c.Main.Attention.AttDim = 0 },
	}
	for name, mutate := range mutations {
		cfg := testConfig()
		mutate(&cfg)
		_, err := New(c, cfg)
		assert.Error(t, err, name)
	}
}

func TestSerialize(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	sub := cfg.Main
	sub.NumClasses = 3
	cfg.Sub = &sub
	cfg.SubLayers = 2
	cfg.MainWeight = 0.5
	m := testModel(t, cfg)

	data, err := serializer.SerializeAny(m)
	require.NoError(t, err)
	var decoded *Model
	require.NoError(t, serializer.DeserializeAny(data, &decoded))
	assert.Equal(t, 2, decoded.SubLayers)
	assert.Equal(t, 0.5, decoded.MainWeight)
	assert.Equal(t, len(m.Parameters()), len(decoded.Parameters()))

	frames, labels := testBatch()
	subLabels := [][]int{{3, 0, 4}, {3, 1, 4}, {3, 2, 4}}
	b := NewBatch(c, frames, labels, subLabels)
	assert.InDelta(t, lossValue(t, m, b), lossValue(t, decoded, b), 1e-10)
}

func TestSetTraining(t *testing.T) {
	cfg := testConfig()
	cfg.Encoder.Dropout = 0.5
	cfg.Main.EmbeddingDropout = 0.5
	m := testModel(t, cfg)
	assert.False(t, m.training())
	m.SetTraining(true)
	for _, d := range m.dropouts() {
		assert.True(t, d.Enabled)
	}
	assert.True(t, m.Encoder.Dropout.Enabled)

	c := anyvec64.DefaultCreator{}
	frames, _ := testBatch()
	m.Greedy(NewBatch(c, frames, nil, nil).Inputs, 3)
	assert.True(t, m.training(), "decoding restores the training flag")
}

func TestTrainer(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testModel(t, testConfig())
	tr := NewTrainer(m)
	frames, labels := testBatch()
	b := NewBatch(c, frames, labels, nil)

	grad, err := tr.Gradient(b)
	require.NoError(t, err)
	assert.Equal(t, len(tr.Params), len(grad))
	assert.InDelta(t, lossValue(t, m, b), tr.LastCost.(float64), 1e-10)
	require.NotNil(t, tr.LastLoss)

	var nonZero bool
	for _, v := range grad {
		if anyvec.AbsMax(v).(float64) > 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)

	cost, err := tr.TotalCost(b)
	require.NoError(t, err)
	assert.InDelta(t, tr.LastCost.(float64), cost.Output().Data().([]float64)[0], 1e-10)
}
