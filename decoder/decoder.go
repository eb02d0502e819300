// Package decoder implements the recurrent core of an
// attention decoder.
package decoder

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// ErrNoEncoderState is returned when a decoder is set to
// start from the encoder's final state but none is
// available.
var ErrNoEncoderState = errors.New("decoder: no encoder final state to copy")

func init() {
	var d Decoder
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDecoder)
}

// Config describes a Decoder.
type Config struct {
	Cell      anyrnn.CellType
	InputDim  int
	Hidden    int
	Layers    int
	Dropout   float64
	InitScale float64

	// InitFromEncoder makes the first layer start from
	// the encoder's final hidden vector.
	InitFromEncoder bool
}

// A State holds the state of every layer of a Decoder
// for a batch of sequences.
type State []anydiff.Res

// Snapshot creates a copy of the state which is detached
// from the computation graph.
func (s State) Snapshot() State {
	res := make(State, len(s))
	for i, x := range s {
		res[i] = anydiff.NewConst(x.Output().Copy())
	}
	return res
}

// A Decoder is a stack of recurrent cells.
type Decoder struct {
	Cells           []*anyrnn.Cell
	Dropout         *anyasr.Dropout
	InitFromEncoder bool
}

// New creates a randomly initialized Decoder.
func New(c anyvec.Creator, cfg Config) (*Decoder, error) {
	if cfg.InputDim <= 0 || cfg.Hidden <= 0 {
		return nil, errors.New("new decoder: dimensions must be positive")
	}
	if cfg.Layers <= 0 {
		return nil, errors.New("new decoder: layer count must be positive")
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("new decoder: dropout probability %f out of range",
			cfg.Dropout)
	}
	res := &Decoder{
		Dropout:         anyasr.NewDropout(cfg.Dropout),
		InitFromEncoder: cfg.InitFromEncoder,
	}
	inDim := cfg.InputDim
	for i := 0; i < cfg.Layers; i++ {
		res.Cells = append(res.Cells, anyrnn.NewCell(c, cfg.Cell, inDim, cfg.Hidden,
			cfg.InitScale))
		inDim = cfg.Hidden
	}
	return res, nil
}

// DeserializeDecoder deserializes a Decoder.
func DeserializeDecoder(d []byte) (*Decoder, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Decoder", err)
	}
	if len(slice) < 3 {
		return nil, errors.New("deserialize Decoder: not enough objects")
	}
	initFlag, ok1 := slice[0].(serializer.Int)
	dropout, ok2 := slice[1].(*anyasr.Dropout)
	if !ok1 || !ok2 {
		return nil, errors.New("deserialize Decoder: bad header")
	}
	res := &Decoder{Dropout: dropout, InitFromEncoder: initFlag != 0}
	for _, obj := range slice[2:] {
		cell, ok := obj.(*anyrnn.Cell)
		if !ok {
			return nil, fmt.Errorf("deserialize Decoder: not a cell: %T", obj)
		}
		res.Cells = append(res.Cells, cell)
	}
	return res, nil
}

// Hidden returns the output width of the top layer.
func (d *Decoder) Hidden() int {
	return d.Cells[len(d.Cells)-1].Hidden
}

// CellType returns the type of the decoder's cells.
func (d *Decoder) CellType() anyrnn.CellType {
	return d.Cells[0].Type
}

// Init creates the start state for n sequences.
//
// If InitFromEncoder is set and the encoder uses the same
// cell type, the first layer starts from encFinal, which
// holds one hidden vector per sequence.
// Otherwise every layer starts at zero.
func (d *Decoder) Init(c anyvec.Creator, n int, encType anyrnn.CellType,
	encFinal anydiff.Res) (State, error) {
	res := make(State, len(d.Cells))
	for i, cell := range d.Cells {
		res[i] = cell.ZeroState(c, n)
	}
	if !d.InitFromEncoder {
		return res, nil
	}
	if encFinal == nil {
		return nil, ErrNoEncoderState
	}
	if encType == d.CellType() {
		res[0] = d.Cells[0].StateFromHidden(encFinal, n)
	}
	return res, nil
}

// Step runs every layer for one timestep and returns the
// output of the top layer.
func (d *Decoder) Step(in anydiff.Res, state State, n int) (anydiff.Res, State) {
	if len(state) != len(d.Cells) {
		panic(fmt.Sprintf("state has %d layers but decoder has %d", len(state),
			len(d.Cells)))
	}
	newState := make(State, len(d.Cells))
	x := in
	for i, cell := range d.Cells {
		if i > 0 {
			x = d.Dropout.Apply(x, n)
		}
		x, newState[i] = cell.Apply(x, state[i], n)
	}
	return x, newState
}

// SetTraining enables or disables dropout.
func (d *Decoder) SetTraining(t bool) {
	d.Dropout.Enabled = t
}

// Parameters returns the parameters of every layer.
func (d *Decoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, c := range d.Cells {
		res = append(res, c.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Decoder with the serializer package.
func (d *Decoder) SerializerType() string {
	return "github.com/unixpickle/anyasr/decoder.Decoder"
}

// Serialize serializes the Decoder.
func (d *Decoder) Serialize() ([]byte, error) {
	var initFlag serializer.Int
	if d.InitFromEncoder {
		initFlag = 1
	}
	slice := []serializer.Serializer{initFlag, d.Dropout}
	for _, c := range d.Cells {
		slice = append(slice, c)
	}
	return serializer.SerializeSlice(slice)
}
