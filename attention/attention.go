// Package attention implements the attention mechanisms
// that let a decoder read from encoder outputs.
package attention

import (
	"errors"
	"fmt"
	"strings"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Mechanism
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeMechanism)
}

// Kind selects the scoring function.
type Kind int

// These are the supported scoring functions.
const (
	// Dot scores encoder steps by their dot product with
	// the query.
	Dot Kind = iota

	// Additive is Bahdanau-style attention, scoring each
	// step with v·tanh(W_e e + W_q q).
	Additive

	// Location extends Additive with features computed by
	// convolving the previous attention weights.
	Location
)

// ParseKind converts a name like "dot", "add" or
// "location" into a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "dot", "dot_product":
		return Dot, nil
	case "add", "additive", "content", "bahdanau":
		return Additive, nil
	case "location":
		return Location, nil
	default:
		return 0, fmt.Errorf("unsupported attention type: %q", name)
	}
}

func (k Kind) String() string {
	switch k {
	case Dot:
		return "dot"
	case Additive:
		return "add"
	case Location:
		return "location"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Config describes an attention mechanism.
type Config struct {
	Kind Kind

	// EncDim is the width of each encoder step and QueryDim
	// is the width of the decoder query.
	EncDim   int
	QueryDim int

	// AttDim is the hidden width of additive scoring.
	AttDim int

	// Sharpening scales scores before the softmax.
	// Zero is treated as 1.
	Sharpening float64

	// Sigmoid replaces the softmax with σ(e)/Σσ(e).
	Sigmoid bool

	// Channels and Width configure the location
	// convolution, whose kernel spans 2*Width+1 steps.
	Channels int
	Width    int

	// InitScale bounds the uniform initialization of the
	// projections.
	InitScale float64
}

// A Mechanism computes attention weights over the steps
// of one encoded utterance and the resulting context.
type Mechanism struct {
	Kind       Kind
	Sigmoid    bool
	Sharpening float64
	EncDim     int
	QueryDim   int

	// Additive and Location parameters.
	EncFC   *anyasr.FC
	QueryFC *anyasr.FC
	Score   *anydiff.Var

	// Location parameters.
	Width int
	Conv  *anyasr.FC
	LocFC *anyasr.FC
}

// New creates a randomly initialized Mechanism.
func New(c anyvec.Creator, cfg Config) (*Mechanism, error) {
	if cfg.EncDim <= 0 || cfg.QueryDim <= 0 {
		return nil, errors.New("new attention: dimensions must be positive")
	}
	sharp := cfg.Sharpening
	if sharp == 0 {
		sharp = 1
	}
	res := &Mechanism{
		Kind:       cfg.Kind,
		Sigmoid:    cfg.Sigmoid,
		Sharpening: sharp,
		EncDim:     cfg.EncDim,
		QueryDim:   cfg.QueryDim,
	}
	switch cfg.Kind {
	case Dot:
		if cfg.EncDim != cfg.QueryDim {
			return nil, fmt.Errorf("new attention: dot scoring needs equal widths "+
				"(encoder %d, query %d)", cfg.EncDim, cfg.QueryDim)
		}
		return res, nil
	case Additive, Location:
	default:
		return nil, fmt.Errorf("new attention: unknown kind %d", cfg.Kind)
	}
	if cfg.AttDim <= 0 {
		return nil, errors.New("new attention: attention dimension must be positive")
	}
	res.EncFC = anyasr.NewFC(c, cfg.EncDim, cfg.AttDim, cfg.InitScale)
	res.QueryFC = anyasr.NewFC(c, cfg.QueryDim, cfg.AttDim, cfg.InitScale)
	res.Score = anydiff.NewVar(c.MakeVector(cfg.AttDim))
	anyvec.Rand(res.Score.Vector, anyvec.Normal, nil)
	res.Score.Vector.Scale(c.MakeNumeric(cfg.InitScale))
	if cfg.Kind == Location {
		if cfg.Channels <= 0 || cfg.Width < 0 {
			return nil, fmt.Errorf("new attention: bad convolution (%d channels, width %d)",
				cfg.Channels, cfg.Width)
		}
		res.Width = cfg.Width
		res.Conv = anyasr.NewFC(c, 2*cfg.Width+1, cfg.Channels, cfg.InitScale)
		res.LocFC = anyasr.NewFC(c, cfg.Channels, cfg.AttDim, cfg.InitScale)
	}
	return res, nil
}

// DeserializeMechanism deserializes a Mechanism.
func DeserializeMechanism(d []byte) (*Mechanism, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Mechanism", err)
	}
	if len(slice) < 5 {
		return nil, errors.New("deserialize Mechanism: missing header")
	}
	kind, ok1 := slice[0].(serializer.Int)
	sigmoid, ok2 := slice[1].(serializer.Int)
	sharp, ok3 := slice[2].(serializer.Float64)
	encDim, ok4 := slice[3].(serializer.Int)
	queryDim, ok5 := slice[4].(serializer.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, errors.New("deserialize Mechanism: bad header")
	}
	res := &Mechanism{
		Kind:       Kind(kind),
		Sigmoid:    sigmoid != 0,
		Sharpening: float64(sharp),
		EncDim:     int(encDim),
		QueryDim:   int(queryDim),
	}
	rest := slice[5:]
	switch res.Kind {
	case Dot:
		if len(rest) != 0 {
			return nil, errors.New("deserialize Mechanism: unexpected parameters")
		}
		return res, nil
	case Additive:
		if len(rest) != 3 {
			return nil, errors.New("deserialize Mechanism: expected 3 parameters")
		}
	case Location:
		if len(rest) != 6 {
			return nil, errors.New("deserialize Mechanism: expected 6 parameters")
		}
	default:
		return nil, fmt.Errorf("deserialize Mechanism: unknown kind %d", kind)
	}
	var ok bool
	var score *anyvecsave.S
	if res.EncFC, ok = rest[0].(*anyasr.FC); !ok {
		return nil, errors.New("deserialize Mechanism: bad encoder projection")
	}
	if res.QueryFC, ok = rest[1].(*anyasr.FC); !ok {
		return nil, errors.New("deserialize Mechanism: bad query projection")
	}
	if score, ok = rest[2].(*anyvecsave.S); !ok {
		return nil, errors.New("deserialize Mechanism: bad score vector")
	}
	res.Score = anydiff.NewVar(score.Vector)
	if res.Kind == Location {
		width, ok := rest[3].(serializer.Int)
		if !ok {
			return nil, errors.New("deserialize Mechanism: bad width")
		}
		res.Width = int(width)
		if res.Conv, ok = rest[4].(*anyasr.FC); !ok {
			return nil, errors.New("deserialize Mechanism: bad convolution")
		}
		if res.LocFC, ok = rest[5].(*anyasr.FC); !ok {
			return nil, errors.New("deserialize Mechanism: bad location projection")
		}
	}
	return res, nil
}

// A Memory stores an encoded utterance along with the
// projections of its steps that do not depend on the
// query.
type Memory struct {
	// Enc has one row per encoder step.
	Enc *anydiff.Matrix

	// Keys is the projection of Enc used by additive
	// scoring, or nil.
	Keys anydiff.Res
}

// Memory prepares an encoded utterance for attention.
func (m *Mechanism) Memory(enc *anydiff.Matrix) *Memory {
	if enc.Cols != m.EncDim {
		panic(fmt.Sprintf("encoder width should be %d but got %d", m.EncDim, enc.Cols))
	}
	res := &Memory{Enc: enc}
	if m.Kind != Dot {
		res.Keys = m.EncFC.Apply(enc.Data, enc.Rows)
	}
	return res
}

// Steps returns the number of encoder steps.
func (m *Memory) Steps() int {
	return m.Enc.Rows
}

// ZeroWeights returns the all-zero weights used as the
// previous weights at the first decoding step.
func (m *Memory) ZeroWeights() anydiff.Res {
	c := m.Enc.Data.Output().Creator()
	return anydiff.NewConst(c.MakeVector(m.Enc.Rows))
}

// Attend computes the attention weights for a query and
// returns the weighted sum of the encoder steps along
// with the weights.
//
// The prev argument holds the weights from the previous
// step and is only used by location-aware scoring.
func (m *Mechanism) Attend(mem *Memory, query, prev anydiff.Res) (context,
	weights anydiff.Res) {
	if query.Output().Len() != m.QueryDim {
		panic(fmt.Sprintf("query length should be %d but got %d", m.QueryDim,
			query.Output().Len()))
	}
	weights = m.normalize(m.scores(mem, query, prev), mem.Steps())
	context = anydiff.MatMul(true, false, mem.Enc, &anydiff.Matrix{
		Data: weights,
		Rows: mem.Steps(),
		Cols: 1,
	}).Data
	return
}

func (m *Mechanism) scores(mem *Memory, query, prev anydiff.Res) anydiff.Res {
	if m.Kind == Dot {
		queryMat := &anydiff.Matrix{Data: query, Rows: m.QueryDim, Cols: 1}
		return anydiff.MatMul(false, false, mem.Enc, queryMat).Data
	}
	steps := mem.Steps()
	hidden := anydiff.AddRepeated(mem.Keys, m.QueryFC.Apply(query, 1))
	if m.Kind == Location {
		features := m.Conv.Apply(shiftedWeights(prev, steps, m.Width), steps)
		hidden = anydiff.Add(hidden, m.LocFC.Apply(features, steps))
	}
	hiddenMat := &anydiff.Matrix{
		Data: anydiff.Tanh(hidden),
		Rows: steps,
		Cols: m.Score.Vector.Len(),
	}
	scoreMat := &anydiff.Matrix{Data: m.Score, Rows: m.Score.Vector.Len(), Cols: 1}
	return anydiff.MatMul(false, false, hiddenMat, scoreMat).Data
}

func (m *Mechanism) normalize(scores anydiff.Res, steps int) anydiff.Res {
	c := scores.Output().Creator()
	if m.Sigmoid {
		probs := anydiff.Sigmoid(scores)
		zeros := anydiff.NewConst(c.MakeVector(steps))
		norm := anydiff.AddRepeated(zeros, anydiff.Pow(anydiff.Sum(probs), c.MakeNumeric(-1)))
		return anydiff.Mul(probs, norm)
	}
	if m.Sharpening != 1 {
		scores = anydiff.Scale(scores, c.MakeNumeric(m.Sharpening))
	}
	return anydiff.Exp(anydiff.LogSoftmax(scores, steps))
}

// shiftedWeights builds a row-major matrix with one row
// per step, where row t holds the weights at steps
// t-width through t+width (zero outside the utterance).
func shiftedWeights(weights anydiff.Res, steps, width int) anydiff.Res {
	c := weights.Output().Creator()
	zeros := func(n int) anydiff.Res {
		return anydiff.NewConst(c.MakeVector(n))
	}
	var shifted []anydiff.Res
	for offset := -width; offset <= width; offset++ {
		switch {
		case offset >= steps || -offset >= steps:
			shifted = append(shifted, zeros(steps))
		case offset > 0:
			shifted = append(shifted, anydiff.Concat(anydiff.Slice(weights, offset, steps),
				zeros(offset)))
		case offset < 0:
			shifted = append(shifted, anydiff.Concat(zeros(-offset),
				anydiff.Slice(weights, 0, steps+offset)))
		default:
			shifted = append(shifted, weights)
		}
	}
	return anydiff.Transpose(&anydiff.Matrix{
		Data: anydiff.Concat(shifted...),
		Rows: len(shifted),
		Cols: steps,
	}).Data
}

// Parameters returns the learned parameters.
func (m *Mechanism) Parameters() []*anydiff.Var {
	res := anyasr.AllParameters(m.EncFC, m.QueryFC, m.Conv, m.LocFC)
	if m.Score != nil {
		res = append(res, m.Score)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Mechanism with the serializer package.
func (m *Mechanism) SerializerType() string {
	return "github.com/unixpickle/anyasr/attention.Mechanism"
}

// Serialize serializes the Mechanism.
func (m *Mechanism) Serialize() ([]byte, error) {
	var sigmoid serializer.Int
	if m.Sigmoid {
		sigmoid = 1
	}
	slice := []serializer.Serializer{
		serializer.Int(m.Kind),
		sigmoid,
		serializer.Float64(m.Sharpening),
		serializer.Int(m.EncDim),
		serializer.Int(m.QueryDim),
	}
	if m.Kind != Dot {
		slice = append(slice, m.EncFC, m.QueryFC, &anyvecsave.S{Vector: m.Score.Vector})
	}
	if m.Kind == Location {
		slice = append(slice, serializer.Int(m.Width), m.Conv, m.LocFC)
	}
	return serializer.SerializeSlice(slice)
}
