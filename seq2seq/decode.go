package seq2seq

import (
	"errors"
	"fmt"
	"sort"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anyctc"
	"github.com/unixpickle/anyasr/attention"
	"github.com/unixpickle/anyasr/decoder"
	"github.com/unixpickle/anyasr/encoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/floats"
)

// Decoded is the output of decoding one utterance.
type Decoded struct {
	// Tokens are the predicted ids, excluding the start
	// marker and including the end marker if one was
	// produced.
	Tokens []int

	// Weights stores the attention weights of each
	// predicted token.
	Weights [][]float64

	// Score is the hypothesis score for beam search, or
	// the total log probability for greedy decoding.
	Score float64
}

// A Hypothesis is a partial transcript in a beam.
type Hypothesis struct {
	// Tokens starts with the start marker.
	Tokens []int
	Score  float64

	State   decoder.State
	Weights anydiff.Res
	History [][]float64
}

// Last returns the most recent token.
func (h *Hypothesis) Last() int {
	return h.Tokens[len(h.Tokens)-1]
}

// A Task selects one of a Model's output heads.
type Task int

// These are the tasks a Model can decode.
const (
	MainTask Task = iota
	SubTask
)

// String returns "main" or "sub".
func (t Task) String() string {
	switch t {
	case MainTask:
		return "main"
	case SubTask:
		return "sub"
	default:
		return fmt.Sprintf("Task(%d)", int(t))
	}
}

// ErrNoSubTask is returned when the auxiliary task is
// requested from a model without one.
var ErrNoSubTask = errors.New("model has no sub-task")

// ErrNoCTC is returned when CTC decoding is requested
// from a head without a CTC output layer.
var ErrNoCTC = errors.New("model has no CTC output layer")

// Decode decodes a batch with the main task.
// A beam width of 1 or less uses greedy decoding.
func (m *Model) Decode(in anyseq.Seq, beamWidth, maxLen int) []*Decoded {
	if beamWidth <= 1 {
		return m.Greedy(in, maxLen)
	}
	return m.BeamSearch(in, beamWidth, maxLen)
}

// DecodeTask is like Decode, but it decodes with the head
// of the given task.
func (m *Model) DecodeTask(in anyseq.Seq, task Task, beamWidth,
	maxLen int) ([]*Decoded, error) {
	defer m.inference()()
	h, out, err := m.encode(in, task)
	if err != nil {
		return nil, err
	}
	return decodeSessions(m.sessions(h, out), func(s *session) *Decoded {
		if beamWidth <= 1 {
			return s.greedy(maxLen)
		}
		return s.beam(beamWidth, maxLen)
	}), nil
}

// Greedy decodes a batch by choosing the most likely
// token at every step, for at most maxLen steps.
// Dropout is disabled while decoding.
func (m *Model) Greedy(in anyseq.Seq, maxLen int) []*Decoded {
	defer m.inference()()
	sessions := m.sessions(m.Main, m.Encoder.Apply(in))
	return decodeSessions(sessions, func(s *session) *Decoded {
		return s.greedy(maxLen)
	})
}

// BeamSearch decodes a batch with a beam search of the
// given width, for at most maxLen steps.
//
// Hypothesis scores are accumulated with log-sum-exp,
// so they are not log probabilities.
func (m *Model) BeamSearch(in anyseq.Seq, beamWidth, maxLen int) []*Decoded {
	if beamWidth < 1 {
		panic(fmt.Sprintf("invalid beam width: %d", beamWidth))
	}
	defer m.inference()()
	sessions := m.sessions(m.Main, m.Encoder.Apply(in))
	return decodeSessions(sessions, func(s *session) *Decoded {
		return s.beam(beamWidth, maxLen)
	})
}

// DecodeCTC decodes a batch with the main task's CTC
// output layer instead of the attention decoder.
// A beam width of 1 or less uses greedy decoding.
func (m *Model) DecodeCTC(in anyseq.Seq, beamWidth int) ([][]int, error) {
	return m.DecodeTaskCTC(in, MainTask, beamWidth)
}

// DecodeTaskCTC is like DecodeCTC, but it uses the CTC
// layer of the given task.
func (m *Model) DecodeTaskCTC(in anyseq.Seq, task Task, beamWidth int) ([][]int,
	error) {
	defer m.inference()()
	h, err := m.head(task)
	if err != nil {
		return nil, err
	}
	if len(h.CTC) == 0 {
		return nil, ErrNoCTC
	}
	_, out, err := m.encode(in, task)
	if err != nil {
		return nil, err
	}
	logProbs := anyseq.Map(out.Raw, h.CTC.Apply)
	if beamWidth <= 1 {
		return anyctc.Greedy(logProbs), nil
	}
	return anyctc.BeamSearch(logProbs, beamWidth), nil
}

func (m *Model) head(task Task) (*Head, error) {
	switch task {
	case MainTask:
		return m.Main, nil
	case SubTask:
		if m.Sub == nil {
			return nil, ErrNoSubTask
		}
		return m.Sub, nil
	default:
		return nil, fmt.Errorf("unknown task: %s", task)
	}
}

// encode runs the encoder up to the layer read by the
// task's head.
func (m *Model) encode(in anyseq.Seq, task Task) (*Head, *encoder.Output, error) {
	h, err := m.head(task)
	if err != nil {
		return nil, nil, err
	}
	if task == SubTask {
		_, tapped := m.Encoder.ApplyTap(in, m.SubLayers)
		return h, tapped, nil
	}
	return h, m.Encoder.Apply(in), nil
}

func (m *Model) inference() func() {
	wasTraining := m.training()
	m.SetTraining(false)
	return func() {
		m.SetTraining(wasTraining)
	}
}

type session struct {
	head  *Head
	mem   *attention.Memory
	state decoder.State
}

func decodeSessions(sessions []*session, f func(s *session) *Decoded) []*Decoded {
	res := make([]*Decoded, len(sessions))
	for i, s := range sessions {
		res[i] = f(s)
	}
	return res
}

// sessions prepares h to decode each utterance of an
// encoded batch.
// Utterances with no encoded steps get a nil session.
func (m *Model) sessions(h *Head, out *encoder.Output) []*session {
	c := out.Seq.Creator()
	n := len(out.Lengths)
	var finals []anydiff.Res
	if h.Decoder.InitFromEncoder {
		bridged := h.StateBridge.Apply(anydiff.NewConst(out.FinalState.Output()), n)
		finals = rowConsts(bridged.Output(), n)
	}
	seqs := anyseq.SeparateSeqs(out.Seq.Output())
	res := make([]*session, n)
	for i := range res {
		if out.Lengths[i] == 0 {
			continue
		}
		enc := &anydiff.Matrix{
			Data: anydiff.NewConst(c.Concat(seqs[i]...)),
			Rows: len(seqs[i]),
			Cols: out.Width,
		}
		var final anydiff.Res
		if finals != nil {
			final = finals[i]
		}
		res[i] = &session{
			head:  h,
			mem:   snapshotMemory(h.memory(enc)),
			state: h.initState(c, final, m.Encoder.CellType()).Snapshot(),
		}
	}
	return res
}

// greedy decodes one utterance.
func (s *session) greedy(maxLen int) *Decoded {
	res := &Decoded{}
	if s == nil {
		return res
	}
	h := s.head
	token := h.SOS()
	state := s.state
	prev := s.mem.ZeroWeights()
	for len(res.Tokens) < maxLen {
		logits, newState, weights := h.step(s.mem, h.Embedding.Lookup([]int{token}),
			state, prev)
		logProbs := logSoftmax(anyasr.VecFloats(logits.Output()))
		token = floats.MaxIdx(logProbs)
		res.Tokens = append(res.Tokens, token)
		res.Weights = append(res.Weights, anyasr.VecFloats(weights.Output()))
		res.Score += logProbs[token]
		state = newState.Snapshot()
		prev = anydiff.NewConst(weights.Output().Copy())
		if token == h.EOS() {
			break
		}
	}
	return res
}

// beam decodes one utterance.
func (s *session) beam(beamWidth, maxLen int) *Decoded {
	if s == nil {
		return &Decoded{}
	}
	h := s.head
	beam := []*Hypothesis{{
		Tokens:  []int{h.SOS()},
		State:   s.state,
		Weights: s.mem.ZeroWeights(),
	}}
	var complete []*Hypothesis
	for t := 0; t < maxLen; t++ {
		var candidates []*Hypothesis
		for _, hyp := range beam {
			candidates = append(candidates, s.expand(hyp)...)
		}
		sortHypotheses(candidates)
		for _, cand := range candidates[:minInt(beamWidth, len(candidates))] {
			if cand.Last() == h.EOS() {
				complete = append(complete, cand)
			}
		}
		if len(complete) >= beamWidth {
			complete = complete[:beamWidth]
			break
		}
		beam = beam[:0]
		for _, cand := range candidates {
			if cand.Last() != h.EOS() {
				beam = append(beam, cand)
				if len(beam) == beamWidth {
					break
				}
			}
		}
	}
	best := beam[0]
	if len(complete) > 0 {
		sortHypotheses(complete)
		best = complete[0]
	}
	return &Decoded{
		Tokens:  append([]int{}, best.Tokens[1:]...),
		Weights: best.History,
		Score:   best.Score,
	}
}

// expand creates one child of hyp for every token.
func (s *session) expand(hyp *Hypothesis) []*Hypothesis {
	h := s.head
	logits, state, weights := h.step(s.mem, h.Embedding.Lookup([]int{hyp.Last()}),
		hyp.State, hyp.Weights)
	logProbs := logSoftmax(anyasr.VecFloats(logits.Output()))
	state = state.Snapshot()
	weightVec := weights.Output().Copy()
	history := append(append([][]float64{}, hyp.History...), anyasr.VecFloats(weightVec))
	nextWeights := anydiff.NewConst(weightVec)

	res := make([]*Hypothesis, len(logProbs))
	for id, logProb := range logProbs {
		res[id] = &Hypothesis{
			Tokens:  append(append([]int{}, hyp.Tokens...), id),
			Score:   CombineScores(hyp.Score, logProb),
			State:   state,
			Weights: nextWeights,
			History: history,
		}
	}
	return res
}

// CombineScores computes a child hypothesis score from
// its parent's score and the token log probability, as
// log(exp(parent) + exp(logProb)).
//
// The result is at least max(parent, logProb) and at most
// that maximum plus log(2).
func CombineScores(parent, logProb float64) float64 {
	return floats.LogSumExp([]float64{parent, logProb})
}

// sortHypotheses sorts by descending score, keeping the
// order of ties.
func sortHypotheses(h []*Hypothesis) {
	sort.SliceStable(h, func(i, j int) bool {
		return h[i].Score > h[j].Score
	})
}

func snapshotMemory(m *attention.Memory) *attention.Memory {
	res := &attention.Memory{
		Enc: &anydiff.Matrix{
			Data: anydiff.NewConst(m.Enc.Data.Output().Copy()),
			Rows: m.Enc.Rows,
			Cols: m.Enc.Cols,
		},
	}
	if m.Keys != nil {
		res.Keys = anydiff.NewConst(m.Keys.Output().Copy())
	}
	return res
}

func rowConsts(v anyvec.Vector, rows int) []anydiff.Res {
	res := make([]anydiff.Res, rows)
	if rows == 0 {
		return res
	}
	cols := v.Len() / rows
	for i := range res {
		res[i] = anydiff.NewConst(v.Slice(i*cols, (i+1)*cols))
	}
	return res
}

func logSoftmax(x []float64) []float64 {
	res := append([]float64{}, x...)
	floats.AddConst(-floats.LogSumExp(x), res)
	return res
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
