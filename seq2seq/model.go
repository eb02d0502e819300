package seq2seq

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anyctc"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anyasr/encoder"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// Config describes a Model.
type Config struct {
	Encoder encoder.Config
	Main    HeadConfig

	// Sub, if non-nil, configures an auxiliary task which
	// reads the output of the bottom SubLayers encoder
	// layers.
	Sub       *HeadConfig
	SubLayers int

	// MainWeight weights the main task loss against the
	// auxiliary task loss.
	MainWeight float64
}

// A Model is an attention-based speech recognizer with an
// optional auxiliary task on a lower encoder layer.
type Model struct {
	Encoder *encoder.Encoder
	Main    *Head

	Sub        *Head
	SubLayers  int
	MainWeight float64
}

// New creates a randomly initialized Model.
func New(c anyvec.Creator, cfg Config) (*Model, error) {
	enc, err := encoder.New(c, cfg.Encoder)
	if err != nil {
		return nil, essentials.AddCtx("new model", err)
	}
	main, err := NewHead(c, cfg.Main, enc, enc.NumLayers())
	if err != nil {
		return nil, essentials.AddCtx("new model", err)
	}
	res := &Model{Encoder: enc, Main: main, MainWeight: 1}
	if cfg.Sub != nil {
		if cfg.SubLayers < 1 || cfg.SubLayers > enc.NumLayers() {
			return nil, fmt.Errorf("new model: sub-task layer %d out of range",
				cfg.SubLayers)
		}
		if cfg.MainWeight <= 0 || cfg.MainWeight > 1 {
			return nil, fmt.Errorf("new model: main task weight %f out of range",
				cfg.MainWeight)
		}
		res.Sub, err = NewHead(c, *cfg.Sub, enc, cfg.SubLayers)
		if err != nil {
			return nil, essentials.AddCtx("new model: sub-task", err)
		}
		res.SubLayers = cfg.SubLayers
		res.MainWeight = cfg.MainWeight
	}
	return res, nil
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	if len(slice) != 2 && len(slice) != 5 {
		return nil, errors.New("deserialize Model: bad slice length")
	}
	var res Model
	var ok bool
	res.Encoder, ok = slice[0].(*encoder.Encoder)
	if !ok {
		return nil, errors.New("deserialize Model: bad encoder")
	}
	res.Main, ok = slice[1].(*Head)
	if !ok {
		return nil, errors.New("deserialize Model: bad main head")
	}
	res.MainWeight = 1
	if len(slice) == 5 {
		res.Sub, ok = slice[2].(*Head)
		layers, ok1 := slice[3].(serializer.Int)
		weight, ok2 := slice[4].(serializer.Float64)
		if !ok || !ok1 || !ok2 {
			return nil, errors.New("deserialize Model: bad sub-task")
		}
		res.SubLayers = int(layers)
		res.MainWeight = float64(weight)
	}
	return &res, nil
}

// A Batch is a batch of utterances with their label
// sequences, which include the start and end markers.
type Batch struct {
	Inputs anyseq.Seq

	Labels [][]int

	// SubLabels are the labels of the auxiliary task.
	SubLabels [][]int
}

// NewBatch creates a Batch from per-utterance frames.
func NewBatch(c anyvec.Creator, frames [][][]float64, labels,
	subLabels [][]int) *Batch {
	seqs := make([][]anyvec.Vector, len(frames))
	for i, utt := range frames {
		for _, frame := range utt {
			seqs[i] = append(seqs[i], c.MakeVectorData(c.MakeNumericList(frame)))
		}
	}
	return &Batch{
		Inputs:    anyseq.ConstSeqList(c, seqs),
		Labels:    labels,
		SubLabels: subLabels,
	}
}

// Loss stores the loss of a batch.
type Loss struct {
	Total anydiff.Res
	Main  *TaskLoss

	// Sub is nil if the Model has no auxiliary task.
	Sub *TaskLoss
}

// Loss computes the teacher-forced loss of a batch.
//
// The result does not depend on the order of utterances
// in the batch.
func (m *Model) Loss(b *Batch) (*Loss, error) {
	top, tapped := m.Encoder.ApplyTap(b.Inputs, m.SubLayers)
	inLens := anyrnn.SeqLengths(b.Inputs.Output())
	if err := checkLengths(inLens, m.Encoder.Factors, top); err != nil {
		return nil, essentials.AddCtx("loss", err)
	}
	encType := m.Encoder.CellType()
	mainLoss, err := m.Main.loss(top, b.Labels, encType)
	if err != nil {
		return nil, essentials.AddCtx("loss", err)
	}
	res := &Loss{Total: mainLoss.Total, Main: mainLoss}
	if m.Sub == nil {
		return res, nil
	}
	if err := checkLengths(inLens, m.Encoder.Factors[:m.SubLayers], tapped); err != nil {
		return nil, essentials.AddCtx("loss: sub-task", err)
	}
	subLoss, err := m.Sub.loss(tapped, b.SubLabels, encType)
	if err != nil {
		return nil, essentials.AddCtx("loss: sub-task", err)
	}
	c := b.Inputs.Creator()
	res.Sub = subLoss
	res.Total = anydiff.Add(
		anydiff.Scale(mainLoss.Total, c.MakeNumeric(m.MainWeight)),
		anydiff.Scale(subLoss.Total, c.MakeNumeric(1-m.MainWeight)),
	)
	return res, nil
}

func checkLengths(inLens []int, factors []int, out *encoder.Output) error {
	expected := anyctc.ScaleLengths(inLens, factors)
	if len(expected) != len(out.Lengths) {
		return fmt.Errorf("encoded %d utterances but expected %d", len(out.Lengths),
			len(expected))
	}
	for i, l := range expected {
		if out.Lengths[i] != l {
			return fmt.Errorf("utterance %d: encoded length %d but expected %d", i,
				out.Lengths[i], l)
		}
	}
	return nil
}

// SetTraining enables or disables dropout throughout the
// model.
func (m *Model) SetTraining(t bool) {
	m.Encoder.SetTraining(t)
	for _, d := range m.dropouts() {
		d.Enabled = t
	}
}

// training reports whether dropout is enabled.
func (m *Model) training() bool {
	return m.Encoder.Dropout.Enabled
}

func (m *Model) dropouts() []*anyasr.Dropout {
	res := m.Main.dropouts()
	if m.Sub != nil {
		res = append(res, m.Sub.dropouts()...)
	}
	return res
}

// Parameters returns every learned parameter.
func (m *Model) Parameters() []*anydiff.Var {
	res := anyasr.AllParameters(m.Encoder, m.Main)
	if m.Sub != nil {
		res = append(res, m.Sub.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/unixpickle/anyasr/seq2seq.Model"
}

// Serialize serializes the Model.
func (m *Model) Serialize() ([]byte, error) {
	slice := []serializer.Serializer{m.Encoder, m.Main}
	if m.Sub != nil {
		slice = append(slice, m.Sub, serializer.Int(m.SubLayers),
			serializer.Float64(m.MainWeight))
	}
	return serializer.SerializeSlice(slice)
}
