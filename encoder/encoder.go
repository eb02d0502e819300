// Package encoder implements pyramidal recurrent speech
// encoders.
package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Encoder
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEncoder)
}

// Combine selects how the two directions of a
// bidirectional encoder are merged.
type Combine int

// These are the supported combination methods.
const (
	CombineSum Combine = iota
	CombineConcat
)

// ParseCombine converts "sum" or "concat" into a Combine.
func ParseCombine(name string) (Combine, error) {
	switch strings.ToLower(name) {
	case "sum", "add":
		return CombineSum, nil
	case "concat":
		return CombineConcat, nil
	default:
		return 0, fmt.Errorf("unsupported direction merge: %q", name)
	}
}

// Config describes an Encoder.
type Config struct {
	// FeatureDim is the width of one acoustic frame,
	// including delta and double-delta features.
	FeatureDim int
	Splice     int
	Stack      int

	Cell          anyrnn.CellType
	Hidden        int
	Layers        int
	Bidirectional bool
	Combine       Combine

	// Subsample lists one factor per layer.
	// An empty list means no subsampling.
	Subsample     []int
	SubsampleMode anyrnn.SubsampleMode

	Dropout   float64
	InitScale float64
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch {
	case c.FeatureDim <= 0 || c.FeatureDim%3 != 0:
		return fmt.Errorf("feature dimension %d is not a positive multiple of 3",
			c.FeatureDim)
	case c.Splice < 1 || c.Splice%2 == 0:
		return fmt.Errorf("splice must be odd, but got %d", c.Splice)
	case c.Stack < 1:
		return fmt.Errorf("stack must be at least 1, but got %d", c.Stack)
	case c.Hidden <= 0:
		return errors.New("hidden size must be positive")
	case c.Layers <= 0:
		return errors.New("layer count must be positive")
	case len(c.Subsample) != 0 && len(c.Subsample) != c.Layers:
		return fmt.Errorf("have %d subsample factors for %d layers", len(c.Subsample),
			c.Layers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout probability %f out of range", c.Dropout)
	}
	for _, f := range c.Subsample {
		if f < 1 {
			return fmt.Errorf("invalid subsample factor: %d", f)
		}
	}
	return nil
}

// InputWidth is the width of the frames the encoder
// consumes after splicing and stacking.
func (c *Config) InputWidth() int {
	return c.FeatureDim * c.Splice * c.Stack
}

// An Encoder is a stack of recurrent layers, each of
// which may reduce the time resolution.
type Encoder struct {
	Hidden        int
	Bidirectional bool
	Combine       Combine
	Factors       []int
	Mode          anyrnn.SubsampleMode

	// Forward has one cell per layer.
	// Backward is empty for unidirectional encoders.
	Forward  []*anyrnn.Cell
	Backward []*anyrnn.Cell

	Dropout *anyasr.Dropout
}

// New creates a randomly initialized Encoder.
func New(c anyvec.Creator, cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, essentials.AddCtx("new encoder", err)
	}
	res := &Encoder{
		Hidden:        cfg.Hidden,
		Bidirectional: cfg.Bidirectional,
		Combine:       cfg.Combine,
		Mode:          cfg.SubsampleMode,
		Dropout:       anyasr.NewDropout(cfg.Dropout),
	}
	inWidth := cfg.InputWidth()
	for i := 0; i < cfg.Layers; i++ {
		factor := 1
		if len(cfg.Subsample) > 0 {
			factor = cfg.Subsample[i]
		}
		res.Factors = append(res.Factors, factor)
		res.Forward = append(res.Forward, anyrnn.NewCell(c, cfg.Cell, inWidth, cfg.Hidden,
			cfg.InitScale))
		if cfg.Bidirectional {
			res.Backward = append(res.Backward, anyrnn.NewCell(c, cfg.Cell, inWidth,
				cfg.Hidden, cfg.InitScale))
		}
		inWidth = cfg.SubsampleMode.OutWidth(res.directions()*cfg.Hidden, factor)
	}
	return res, nil
}

// DeserializeEncoder deserializes an Encoder.
func DeserializeEncoder(d []byte) (*Encoder, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Encoder", err)
	}
	if len(slice) < 5 {
		return nil, errors.New("deserialize Encoder: missing header")
	}
	hidden, ok1 := slice[0].(serializer.Int)
	bidir, ok2 := slice[1].(serializer.Int)
	combine, ok3 := slice[2].(serializer.Int)
	mode, ok4 := slice[3].(serializer.Int)
	dropout, ok5 := slice[4].(*anyasr.Dropout)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, errors.New("deserialize Encoder: bad header")
	}
	res := &Encoder{
		Hidden:        int(hidden),
		Bidirectional: bidir != 0,
		Combine:       Combine(combine),
		Mode:          anyrnn.SubsampleMode(mode),
		Dropout:       dropout,
	}
	layerSize := 1 + res.directions()
	rest := slice[5:]
	if len(rest) == 0 || len(rest)%layerSize != 0 {
		return nil, errors.New("deserialize Encoder: bad layer data")
	}
	for i := 0; i < len(rest); i += layerSize {
		factor, ok1 := rest[i].(serializer.Int)
		fwd, ok2 := rest[i+1].(*anyrnn.Cell)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("deserialize Encoder: bad layer %d", i/layerSize)
		}
		res.Factors = append(res.Factors, int(factor))
		res.Forward = append(res.Forward, fwd)
		if res.Bidirectional {
			bwd, ok := rest[i+2].(*anyrnn.Cell)
			if !ok {
				return nil, fmt.Errorf("deserialize Encoder: bad layer %d", i/layerSize)
			}
			res.Backward = append(res.Backward, bwd)
		}
	}
	return res, nil
}

// Output is the result of encoding a batch.
type Output struct {
	// Seq is the encoded batch after merging directions.
	Seq anyseq.Seq

	// Raw is the encoded batch before merging directions.
	Raw anyseq.Seq

	// FinalState is a row-major matrix with one row per
	// utterance, holding the last forward hidden vector
	// of the top layer.
	FinalState anydiff.Res

	// Lengths are the encoded sequence lengths.
	Lengths []int

	// Factor is the total time reduction.
	Factor int

	// Perm maps output rows to input utterances.
	// Ragged batches are handled without sorting, so it
	// is always the identity.
	Perm []int

	// Width is the width of each step in Seq.
	Width int
}

// Apply encodes a batch of spliced and stacked frames.
func (e *Encoder) Apply(in anyseq.Seq) *Output {
	res, _ := e.ApplyTap(in, 0)
	return res
}

// ApplyTap is like Apply, but it also returns the output
// of the bottom tap layers, as used by auxiliary tasks.
// If tap is 0, the second output is nil.
func (e *Encoder) ApplyTap(in anyseq.Seq, tap int) (*Output, *Output) {
	if tap < 0 || tap > len(e.Forward) {
		panic(fmt.Sprintf("tap layer %d out of range", tap))
	}
	n := len(anyrnn.SeqLengths(in.Output()))
	out := in
	var tapped *Output
	for i, fwd := range e.Forward {
		if e.Bidirectional {
			out = anyrnn.MapBidir(out, fwd, e.Backward[i])
		} else {
			out = anyrnn.Map(out, fwd)
		}
		out = anyseq.Map(out, e.Dropout.Apply)
		top := out
		out = anyrnn.Subsample(out, e.Factors[i], e.Mode)
		if i+1 == tap || i+1 == len(e.Forward) {
			o := e.output(n, out, top, i+1)
			if i+1 == tap {
				tapped = o
			}
			if i+1 == len(e.Forward) {
				return o, tapped
			}
		}
	}
	panic("unreachable")
}

func (e *Encoder) output(n int, raw, top anyseq.Seq, layers int) *Output {
	res := &Output{
		Raw:        raw,
		FinalState: e.finalState(top, n),
		Lengths:    anyrnn.SeqLengths(raw.Output()),
		Factor:     e.TotalFactor(layers),
		Perm:       make([]int, n),
		Width:      e.OutWidth(layers),
	}
	if res.Lengths == nil {
		res.Lengths = make([]int, n)
	}
	for i := range res.Perm {
		res.Perm[i] = i
	}
	if e.Bidirectional && e.Combine == CombineSum {
		frames := e.Mode.OutWidth(1, e.Factors[layers-1])
		res.Seq = anyseq.Map(raw, func(v anydiff.Res, n int) anydiff.Res {
			return sumDirections(v, n, e.Hidden, frames)
		})
	} else {
		res.Seq = raw
	}
	return res
}

// TotalFactor is the product of the subsampling factors
// of the bottom layers.
func (e *Encoder) TotalFactor(layers int) int {
	res := 1
	for _, f := range e.Factors[:layers] {
		res *= f
	}
	return res
}

// OutWidth is the width of every step in Output.Seq for
// the output of the bottom layers.
func (e *Encoder) OutWidth(layers int) int {
	frames := e.Mode.OutWidth(1, e.Factors[layers-1])
	if e.Bidirectional && e.Combine == CombineConcat {
		return frames * 2 * e.Hidden
	}
	return frames * e.Hidden
}

// RawWidth is the width of every step in Output.Raw for
// the output of the bottom layers.
func (e *Encoder) RawWidth(layers int) int {
	return e.Mode.OutWidth(e.directions()*e.Hidden, e.Factors[layers-1])
}

// NumLayers returns the number of recurrent layers.
func (e *Encoder) NumLayers() int {
	return len(e.Forward)
}

// CellType returns the type of the encoder's cells.
func (e *Encoder) CellType() anyrnn.CellType {
	return e.Forward[0].Type
}

// SetTraining enables or disables dropout.
func (e *Encoder) SetTraining(t bool) {
	e.Dropout.Enabled = t
}

func (e *Encoder) directions() int {
	if e.Bidirectional {
		return 2
	}
	return 1
}

func (e *Encoder) finalState(top anyseq.Seq, n int) anydiff.Res {
	c := e.Forward[0].Input.Weights.Vector.Creator()
	if len(top.Output()) == 0 {
		return anydiff.NewConst(c.MakeVector(n * e.Hidden))
	}
	width := e.directions() * e.Hidden
	return anyrnn.PoolSeqs(top, func(mats []*anydiff.Matrix) anydiff.Res {
		var rows []anydiff.Res
		for _, m := range mats {
			if m.Rows == 0 {
				rows = append(rows, anydiff.NewConst(c.MakeVector(e.Hidden)))
				continue
			}
			start := (m.Rows - 1) * width
			rows = append(rows, anydiff.Slice(m.Data, start, start+e.Hidden))
		}
		return anydiff.Concat(rows...)
	})
}

// sumDirections adds the forward and backward halves of
// each of the frames packed into a step.
func sumDirections(v anydiff.Res, n, hidden, frames int) anydiff.Res {
	widths := make([]int, 2*frames)
	for i := range widths {
		widths[i] = hidden
	}
	parts := anyasr.SplitCols(v, n, widths...)
	var sums []anydiff.Res
	for i := 0; i < frames; i++ {
		sums = append(sums, anydiff.Add(parts[2*i], parts[2*i+1]))
	}
	return anyasr.JoinCols(n, sums, widths[:frames])
}

// Parameters returns the parameters of every layer.
func (e *Encoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for i, f := range e.Forward {
		res = append(res, f.Parameters()...)
		if e.Bidirectional {
			res = append(res, e.Backward[i].Parameters()...)
		}
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/unixpickle/anyasr/encoder.Encoder"
}

// Serialize serializes the Encoder.
func (e *Encoder) Serialize() ([]byte, error) {
	var bidir serializer.Int
	if e.Bidirectional {
		bidir = 1
	}
	slice := []serializer.Serializer{
		serializer.Int(e.Hidden),
		bidir,
		serializer.Int(e.Combine),
		serializer.Int(e.Mode),
		e.Dropout,
	}
	for i, f := range e.Forward {
		slice = append(slice, serializer.Int(e.Factors[i]), f)
		if e.Bidirectional {
			slice = append(slice, e.Backward[i])
		}
	}
	return serializer.SerializeSlice(slice)
}
