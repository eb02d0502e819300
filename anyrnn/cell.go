package anyrnn

import (
	"fmt"
	"strings"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const lstmForgetBias = 1

func init() {
	var c Cell
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeCell)
}

// CellType selects the recurrence computed by a Cell.
type CellType int

// These are the supported cell types.
const (
	LSTM CellType = iota
	GRU
	RNN
)

// ParseCellType converts a name like "lstm", "gru" or
// "rnn" into a CellType.
func ParseCellType(name string) (CellType, error) {
	switch strings.ToLower(name) {
	case "lstm":
		return LSTM, nil
	case "gru":
		return GRU, nil
	case "rnn":
		return RNN, nil
	default:
		return 0, fmt.Errorf("unsupported cell type: %q", name)
	}
}

// String returns the name accepted by ParseCellType.
func (c CellType) String() string {
	switch c {
	case LSTM:
		return "lstm"
	case GRU:
		return "gru"
	case RNN:
		return "rnn"
	default:
		return fmt.Sprintf("CellType(%d)", int(c))
	}
}

// StateSize returns the number of state components per
// sequence for a cell with the given hidden size.
// LSTM states pack the hidden vector before the memory
// cell.
func (c CellType) StateSize(hidden int) int {
	if c == LSTM {
		return hidden * 2
	}
	return hidden
}

func (c CellType) numGates() int {
	switch c {
	case LSTM:
		return 4
	case GRU:
		return 3
	case RNN:
		return 1
	default:
		panic(fmt.Sprintf("unknown cell type: %d", int(c)))
	}
}

// A Cell is one layer of recurrence.
//
// Input projects the current input and Recurrent projects
// the previous hidden vector; each produces one Hidden
// sized block per gate.
// Gate order is (input, forget, candidate, output) for
// LSTM and (reset, update, candidate) for GRU.
type Cell struct {
	Type      CellType
	InCount   int
	Hidden    int
	Input     *anyasr.FC
	Recurrent *anyasr.FC
}

// NewCell creates a cell whose weights are drawn from
// [-initScale, initScale].
// LSTM forget gates are biased towards remembering.
func NewCell(c anyvec.Creator, t CellType, in, hidden int, initScale float64) *Cell {
	gates := t.numGates()
	res := &Cell{
		Type:      t,
		InCount:   in,
		Hidden:    hidden,
		Input:     anyasr.NewFC(c, in, gates*hidden, initScale),
		Recurrent: anyasr.NewFC(c, hidden, gates*hidden, initScale),
	}
	if t == LSTM {
		bias := make([]float64, gates*hidden)
		for i := hidden; i < 2*hidden; i++ {
			bias[i] = lstmForgetBias
		}
		res.Input.Biases.Vector.Add(c.MakeVectorData(c.MakeNumericList(bias)))
	}
	return res
}

// DeserializeCell deserializes a Cell.
func DeserializeCell(d []byte) (*Cell, error) {
	var cellType serializer.Int
	var res Cell
	if err := serializer.DeserializeAny(d, &cellType, &res.Input, &res.Recurrent); err != nil {
		return nil, essentials.AddCtx("deserialize Cell", err)
	}
	res.Type = CellType(cellType)
	if res.Type < LSTM || res.Type > RNN {
		return nil, fmt.Errorf("deserialize Cell: unknown cell type %d", cellType)
	}
	res.InCount = res.Input.InCount
	res.Hidden = res.Recurrent.InCount
	return &res, nil
}

// StateSize returns the number of state components per
// sequence.
func (c *Cell) StateSize() int {
	return c.Type.StateSize(c.Hidden)
}

// ZeroState creates an all-zero state for n sequences.
func (c *Cell) ZeroState(cr anyvec.Creator, n int) anydiff.Res {
	return anydiff.NewConst(cr.MakeVector(n * c.StateSize()))
}

// StateFromHidden builds a state for n sequences whose
// hidden vectors are given and whose memory cells (if
// any) are zero.
func (c *Cell) StateFromHidden(hidden anydiff.Res, n int) anydiff.Res {
	if hidden.Output().Len() != n*c.Hidden {
		panic(fmt.Sprintf("hidden length should be %d but got %d", n*c.Hidden,
			hidden.Output().Len()))
	}
	if c.Type != LSTM {
		return hidden
	}
	zeros := anydiff.NewConst(hidden.Output().Creator().MakeVector(n * c.Hidden))
	return anyasr.JoinCols(n, []anydiff.Res{hidden, zeros}, []int{c.Hidden, c.Hidden})
}

// Apply runs one step of the cell for n sequences.
// The output is the new hidden vector.
func (c *Cell) Apply(in, state anydiff.Res, n int) (out, newState anydiff.Res) {
	switch c.Type {
	case LSTM:
		return c.applyLSTM(in, state, n)
	case GRU:
		return c.applyGRU(in, state, n)
	case RNN:
		out = anydiff.Tanh(anydiff.Add(c.Input.Apply(in, n), c.Recurrent.Apply(state, n)))
		return out, out
	default:
		panic(fmt.Sprintf("unknown cell type: %d", int(c.Type)))
	}
}

func (c *Cell) applyLSTM(in, state anydiff.Res, n int) (out, newState anydiff.Res) {
	parts := anyasr.SplitCols(state, n, c.Hidden, c.Hidden)
	hidden, memory := parts[0], parts[1]
	pre := anydiff.Add(c.Input.Apply(in, n), c.Recurrent.Apply(hidden, n))
	gates := anyasr.SplitCols(pre, n, c.Hidden, c.Hidden, c.Hidden, c.Hidden)
	inGate := anydiff.Sigmoid(gates[0])
	forget := anydiff.Sigmoid(gates[1])
	candidate := anydiff.Tanh(gates[2])
	outGate := anydiff.Sigmoid(gates[3])

	newMemory := anydiff.Add(anydiff.Mul(forget, memory), anydiff.Mul(inGate, candidate))
	out = anydiff.Mul(outGate, anydiff.Tanh(newMemory))
	newState = anyasr.JoinCols(n, []anydiff.Res{out, newMemory}, []int{c.Hidden, c.Hidden})
	return
}

func (c *Cell) applyGRU(in, state anydiff.Res, n int) (out, newState anydiff.Res) {
	inParts := anyasr.SplitCols(c.Input.Apply(in, n), n, c.Hidden, c.Hidden, c.Hidden)
	recParts := anyasr.SplitCols(c.Recurrent.Apply(state, n), n, c.Hidden, c.Hidden,
		c.Hidden)
	reset := anydiff.Sigmoid(anydiff.Add(inParts[0], recParts[0]))
	update := anydiff.Sigmoid(anydiff.Add(inParts[1], recParts[1]))
	candidate := anydiff.Tanh(anydiff.Add(inParts[2], anydiff.Mul(reset, recParts[2])))

	// h' = (1-z)*n + z*h = n + z*(h-n)
	out = anydiff.Add(candidate, anydiff.Mul(update, anydiff.Sub(state, candidate)))
	return out, out
}

// Parameters returns the parameters of both projections.
func (c *Cell) Parameters() []*anydiff.Var {
	return anyasr.AllParameters(c.Input, c.Recurrent)
}

// SerializerType returns the unique ID used to serialize
// a Cell with the serializer package.
func (c *Cell) SerializerType() string {
	return "github.com/unixpickle/anyasr/anyrnn.Cell"
}

// Serialize serializes the Cell.
func (c *Cell) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(c.Type), c.Input, c.Recurrent)
}
