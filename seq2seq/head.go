package seq2seq

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anyctc"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anyasr/attention"
	"github.com/unixpickle/anyasr/decoder"
	"github.com/unixpickle/anyasr/encoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var h Head
	serializer.RegisterTypedDeserializer(h.SerializerType(), DeserializeHead)
}

// HeadConfig describes a Head.
// The widths that depend on the encoder are filled in by
// NewHead.
type HeadConfig struct {
	// NumClasses is the vocabulary size, not counting the
	// start and end markers.
	NumClasses int

	EmbeddingDim     int
	EmbeddingDropout float64

	Decoder   decoder.Config
	Attention attention.Config

	// InputFeeding combines the decoder output and the
	// context with tanh(W[dec;ctx]) of width ProjDim.
	// Otherwise they are added.
	InputFeeding bool
	ProjDim      int

	CTCWeight      float64
	Temperature    float64
	LabelSmoothing float64
	InitScale      float64
}

// A Head is an attention decoder with its own vocabulary
// and an optional CTC output layer, reading from one
// encoder output.
type Head struct {
	NumClasses   int
	Embedding    *anyasr.Embedding
	EmbedDropout *anyasr.Dropout
	Decoder      *decoder.Decoder
	Attention    *attention.Mechanism

	// Bridge maps encoder steps to the decoder width and
	// StateBridge maps the encoder final state.
	// Either may be empty.
	Bridge      anyasr.Net
	StateBridge anyasr.Net

	InputFeeding bool

	// Output produces logits for NumClasses+2 tokens.
	Output anyasr.Net

	// CTC produces log probabilities for NumClasses+1
	// symbols from the raw encoder output.
	// It is empty when CTCWeight is 0.
	CTC       anyasr.Net
	CTCWeight float64

	Temperature float64
	Smoothing   float64
}

// NewHead creates a randomly initialized Head reading
// from the given encoder layers.
func NewHead(c anyvec.Creator, cfg HeadConfig, enc *encoder.Encoder, layers int) (*Head,
	error) {
	switch {
	case cfg.NumClasses <= 0:
		return nil, errors.New("new head: vocabulary must not be empty")
	case cfg.EmbeddingDim <= 0:
		return nil, errors.New("new head: embedding dimension must be positive")
	case cfg.CTCWeight < 0 || cfg.CTCWeight > 1:
		return nil, fmt.Errorf("new head: CTC weight %f out of range", cfg.CTCWeight)
	case cfg.LabelSmoothing < 0 || cfg.LabelSmoothing >= 1:
		return nil, fmt.Errorf("new head: label smoothing %f out of range",
			cfg.LabelSmoothing)
	case cfg.Temperature < 0:
		return nil, fmt.Errorf("new head: negative temperature %f", cfg.Temperature)
	case cfg.EmbeddingDropout < 0 || cfg.EmbeddingDropout >= 1:
		return nil, fmt.Errorf("new head: dropout probability %f out of range",
			cfg.EmbeddingDropout)
	case cfg.InputFeeding && cfg.ProjDim <= 0:
		return nil, errors.New("new head: input feeding needs a projection dimension")
	}
	hidden := cfg.Decoder.Hidden
	decCfg := cfg.Decoder
	decCfg.InputDim = cfg.EmbeddingDim
	dec, err := decoder.New(c, decCfg)
	if err != nil {
		return nil, essentials.AddCtx("new head", err)
	}
	attCfg := cfg.Attention
	attCfg.EncDim = hidden
	attCfg.QueryDim = hidden
	att, err := attention.New(c, attCfg)
	if err != nil {
		return nil, essentials.AddCtx("new head", err)
	}

	res := &Head{
		NumClasses:   cfg.NumClasses,
		Embedding:    anyasr.NewEmbedding(c, cfg.NumClasses+2, cfg.EmbeddingDim),
		EmbedDropout: anyasr.NewDropout(cfg.EmbeddingDropout),
		Decoder:      dec,
		Attention:    att,
		InputFeeding: cfg.InputFeeding,
		CTCWeight:    cfg.CTCWeight,
		Temperature:  cfg.Temperature,
		Smoothing:    cfg.LabelSmoothing,
	}
	if res.Temperature == 0 {
		res.Temperature = 1
	}
	if w := enc.OutWidth(layers); w != hidden {
		res.Bridge = anyasr.Net{anyasr.NewFC(c, w, hidden, cfg.InitScale)}
	}
	if decCfg.InitFromEncoder && enc.Hidden != hidden {
		res.StateBridge = anyasr.Net{anyasr.NewFC(c, enc.Hidden, hidden,
			cfg.InitScale)}
	}
	if cfg.InputFeeding {
		res.Output = anyasr.Net{
			anyasr.NewFC(c, 2*hidden, cfg.ProjDim, cfg.InitScale),
			anyasr.Tanh,
			anyasr.NewFC(c, cfg.ProjDim, cfg.NumClasses+2, cfg.InitScale),
		}
	} else {
		res.Output = anyasr.Net{
			anyasr.NewFC(c, hidden, cfg.NumClasses+2, cfg.InitScale),
		}
	}
	if cfg.CTCWeight > 0 {
		res.CTC = anyasr.Net{
			anyasr.NewFC(c, enc.RawWidth(layers), cfg.NumClasses+1, cfg.InitScale),
			anyasr.LogSoftmax,
		}
	}
	return res, nil
}

// DeserializeHead deserializes a Head.
func DeserializeHead(d []byte) (*Head, error) {
	var res Head
	var numClasses, inputFeeding serializer.Int
	var ctcWeight, temperature, smoothing serializer.Float64
	err := serializer.DeserializeAny(d, &numClasses, &res.Embedding, &res.EmbedDropout,
		&res.Decoder, &res.Attention, &res.Bridge, &res.StateBridge, &inputFeeding,
		&res.Output, &res.CTC, &ctcWeight, &temperature, &smoothing)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Head", err)
	}
	res.NumClasses = int(numClasses)
	res.InputFeeding = inputFeeding != 0
	res.CTCWeight = float64(ctcWeight)
	res.Temperature = float64(temperature)
	res.Smoothing = float64(smoothing)
	return &res, nil
}

// SOS returns the start marker id.
func (h *Head) SOS() int {
	return h.NumClasses
}

// EOS returns the end marker id.
func (h *Head) EOS() int {
	return h.NumClasses + 1
}

// OutputWidth returns the number of logits per step.
func (h *Head) OutputWidth() int {
	return h.NumClasses + 2
}

// TaskLoss stores the loss of one Head, averaged over the
// batch.
type TaskLoss struct {
	Total anydiff.Res
	XE    anydiff.Res

	// CTC is nil if the Head has no CTC layer.
	CTC anydiff.Res
}

func (h *Head) loss(out *encoder.Output, labels [][]int,
	encType anyrnn.CellType) (*TaskLoss, error) {
	if len(labels) != len(out.Lengths) {
		return nil, fmt.Errorf("have %d label sequences for %d utterances", len(labels),
			len(out.Lengths))
	}
	for i, l := range out.Lengths {
		if l == 0 {
			return nil, fmt.Errorf("utterance %d is too short for %dx subsampling", i,
				out.Factor)
		}
		if err := h.checkLabels(labels[i]); err != nil {
			return nil, fmt.Errorf("utterance %d: %s", i, err)
		}
		if h.CTCWeight > 0 {
			if need := anyctc.MinSteps(labels[i][1 : len(labels[i])-1]); l < need {
				return nil, fmt.Errorf("utterance %d: CTC needs %d encoded steps but "+
					"got %d", i, need, l)
			}
		}
	}
	if h.Decoder.InitFromEncoder && out.FinalState == nil {
		return nil, decoder.ErrNoEncoderState
	}

	n := len(labels)
	c := out.Seq.Creator()
	var finals []anydiff.Res
	if h.Decoder.InitFromEncoder {
		finals = anyasr.Rows(h.StateBridge.Apply(out.FinalState, n), n)
	}
	xe := anyrnn.PoolSeqs(out.Seq, func(mats []*anydiff.Matrix) anydiff.Res {
		costs := make([]anydiff.Res, len(mats))
		for i, m := range mats {
			var final anydiff.Res
			if finals != nil {
				final = finals[i]
			}
			costs[i] = h.teacherForce(m, final, labels[i], encType)
		}
		return anydiff.Sum(anydiff.Concat(costs...))
	})

	res := &TaskLoss{}
	total := xe
	if h.CTCWeight > 0 {
		ctcLabels := make([][]int, n)
		for i, l := range labels {
			ctcLabels[i] = l[1 : len(l)-1]
		}
		logProbs := anyseq.Map(out.Raw, h.CTC.Apply)
		ctc := anydiff.Sum(anyctc.Cost(logProbs, ctcLabels))
		total = anydiff.Add(
			anydiff.Scale(ctc, c.MakeNumeric(h.CTCWeight)),
			anydiff.Scale(xe, c.MakeNumeric(1-h.CTCWeight)),
		)
		res.CTC = anydiff.Scale(ctc, c.MakeNumeric(1/float64(n)))
	}
	res.XE = anydiff.Scale(xe, c.MakeNumeric(1/float64(n)))
	res.Total = anydiff.Scale(total, c.MakeNumeric(1/float64(n)))
	return res, nil
}

func (h *Head) checkLabels(label []int) error {
	if len(label) < 2 || label[0] != h.SOS() || label[len(label)-1] != h.EOS() {
		return errors.New("labels must start with SOS and end with EOS")
	}
	for _, id := range label[1 : len(label)-1] {
		if id < 0 || id >= h.NumClasses {
			return fmt.Errorf("label %d out of range", id)
		}
	}
	return nil
}

// teacherForce computes the summed cross-entropy of one
// utterance's labels, feeding the ground truth tokens to
// the decoder.
func (h *Head) teacherForce(enc *anydiff.Matrix, final anydiff.Res, label []int,
	encType anyrnn.CellType) anydiff.Res {
	c := enc.Data.Output().Creator()
	steps := len(label) - 1
	mem := h.memory(enc)
	state := h.initState(c, final, encType)
	embeds := h.EmbedDropout.Apply(h.Embedding.Lookup(label[:steps]), steps)
	prev := mem.ZeroWeights()
	logits := make([]anydiff.Res, steps)
	for t, in := range anyasr.Rows(embeds, steps) {
		logits[t], state, prev = h.step(mem, in, state, prev)
	}
	ce := anyasr.TokenCE{IgnoreID: h.SOS(), Smoothing: h.Smoothing}
	return ce.Cost(anydiff.Concat(logits...), label[1:])
}

func (h *Head) memory(enc *anydiff.Matrix) *attention.Memory {
	return h.Attention.Memory(&anydiff.Matrix{
		Data: h.Bridge.Apply(enc.Data, enc.Rows),
		Rows: enc.Rows,
		Cols: h.Decoder.Hidden(),
	})
}

func (h *Head) initState(c anyvec.Creator, final anydiff.Res,
	encType anyrnn.CellType) decoder.State {
	state, err := h.Decoder.Init(c, 1, encType, final)
	if err != nil {
		panic(err)
	}
	return state
}

// step runs the decoder and attention for one token and
// returns the logits, the new decoder state, and the new
// attention weights.
func (h *Head) step(mem *attention.Memory, in anydiff.Res, state decoder.State,
	prev anydiff.Res) (anydiff.Res, decoder.State, anydiff.Res) {
	out, state := h.Decoder.Step(in, state, 1)
	context, weights := h.Attention.Attend(mem, out, prev)
	var combined anydiff.Res
	if h.InputFeeding {
		combined = anydiff.Concat(out, context)
	} else {
		combined = anydiff.Add(out, context)
	}
	logits := h.Output.Apply(combined, 1)
	if h.Temperature != 1 {
		c := logits.Output().Creator()
		logits = anydiff.Scale(logits, c.MakeNumeric(1/h.Temperature))
	}
	return logits, state, weights
}

func (h *Head) dropouts() []*anyasr.Dropout {
	return []*anyasr.Dropout{h.EmbedDropout, h.Decoder.Dropout}
}

// Parameters returns the learned parameters.
func (h *Head) Parameters() []*anydiff.Var {
	return anyasr.AllParameters(h.Embedding, h.Decoder, h.Attention, h.Bridge,
		h.StateBridge, h.Output, h.CTC)
}

// SerializerType returns the unique ID used to serialize
// a Head with the serializer package.
func (h *Head) SerializerType() string {
	return "github.com/unixpickle/anyasr/seq2seq.Head"
}

// Serialize serializes the Head.
func (h *Head) Serialize() ([]byte, error) {
	var inputFeeding serializer.Int
	if h.InputFeeding {
		inputFeeding = 1
	}
	return serializer.SerializeAny(
		serializer.Int(h.NumClasses),
		h.Embedding,
		h.EmbedDropout,
		h.Decoder,
		h.Attention,
		h.Bridge,
		h.StateBridge,
		inputFeeding,
		h.Output,
		h.CTC,
		serializer.Float64(h.CTCWeight),
		serializer.Float64(h.Temperature),
		serializer.Float64(h.Smoothing),
	)
}
