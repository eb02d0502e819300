package anyasr

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FC
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFC)
}

// FC is a fully-connected layer.
//
// The weights form an OutCount by InCount row-major
// matrix, and the layer maps each row x of a batch to
// W*x + b.
type FC struct {
	InCount  int
	OutCount int
	Weights  *anydiff.Var
	Biases   *anydiff.Var
}

// NewFC creates an FC whose weights and biases are drawn
// uniformly from [-initScale, initScale].
func NewFC(c anyvec.Creator, in, out int, initScale float64) *FC {
	res := &FC{
		InCount:  in,
		OutCount: out,
		Weights:  anydiff.NewVar(c.MakeVector(in * out)),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
	for _, v := range []anyvec.Vector{res.Weights.Vector, res.Biases.Vector} {
		anyvec.Rand(v, anyvec.Uniform, nil)
		v.Scale(c.MakeNumeric(2 * initScale))
		v.AddScalar(c.MakeNumeric(-initScale))
	}
	return res
}

// DeserializeFC deserializes an FC.
func DeserializeFC(d []byte) (*FC, error) {
	var weights, biases *anyvecsave.S
	if err := serializer.DeserializeAny(d, &weights, &biases); err != nil {
		return nil, essentials.AddCtx("deserialize FC", err)
	}
	out := biases.Vector.Len()
	if out == 0 || weights.Vector.Len()%out != 0 {
		return nil, errors.New("deserialize FC: invalid matrix dimensions")
	}
	return &FC{
		InCount:  weights.Vector.Len() / out,
		OutCount: out,
		Weights:  anydiff.NewVar(weights.Vector),
		Biases:   anydiff.NewVar(biases.Vector),
	}, nil
}

// Apply applies the layer to a batch of n rows.
func (f *FC) Apply(in anydiff.Res, n int) anydiff.Res {
	if n*f.InCount != in.Output().Len() {
		panic(fmt.Sprintf("input length should be %d, but got %d",
			n*f.InCount, in.Output().Len()))
	}
	product := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: in, Rows: n, Cols: f.InCount},
		&anydiff.Matrix{Data: f.Weights, Rows: f.OutCount, Cols: f.InCount},
	)
	return anydiff.AddRepeated(product.Data, f.Biases)
}

// Parameters returns the weights and the biases.
// A nil *FC has no parameters.
func (f *FC) Parameters() []*anydiff.Var {
	if f == nil {
		return nil
	}
	return []*anydiff.Var{f.Weights, f.Biases}
}

// SerializerType returns the unique ID used to serialize
// an FC with the serializer package.
func (f *FC) SerializerType() string {
	return "github.com/unixpickle/anyasr.FC"
}

// Serialize serializes the FC.
func (f *FC) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: f.Weights.Vector},
		&anyvecsave.S{Vector: f.Biases.Vector},
	)
}
