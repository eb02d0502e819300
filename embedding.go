package anyasr

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Embedding
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEmbedding)
}

// An Embedding maps token ids to learned vectors.
//
// Vectors is a row-major matrix with one row per token.
type Embedding struct {
	NumTokens int
	Dim       int
	Vectors   *anydiff.Var
}

// NewEmbedding creates an Embedding with normally
// distributed vectors.
func NewEmbedding(c anyvec.Creator, numTokens, dim int) *Embedding {
	vecs := c.MakeVector(numTokens * dim)
	anyvec.Rand(vecs, anyvec.Normal, nil)
	return &Embedding{
		NumTokens: numTokens,
		Dim:       dim,
		Vectors:   anydiff.NewVar(vecs),
	}
}

// DeserializeEmbedding deserializes an Embedding.
func DeserializeEmbedding(d []byte) (*Embedding, error) {
	var numTokens serializer.Int
	var vecs *anyvecsave.S
	if err := serializer.DeserializeAny(d, &numTokens, &vecs); err != nil {
		return nil, essentials.AddCtx("deserialize Embedding", err)
	}
	if numTokens <= 0 || vecs.Vector.Len()%int(numTokens) != 0 {
		return nil, fmt.Errorf("deserialize Embedding: bad token count %d", numTokens)
	}
	return &Embedding{
		NumTokens: int(numTokens),
		Dim:       vecs.Vector.Len() / int(numTokens),
		Vectors:   anydiff.NewVar(vecs.Vector),
	}, nil
}

// Lookup produces a row-major matrix with one embedding
// row per id.
func (e *Embedding) Lookup(ids []int) anydiff.Res {
	c := e.Vectors.Vector.Creator()
	oneHot := make([]float64, len(ids)*e.NumTokens)
	for i, id := range ids {
		if id < 0 || id >= e.NumTokens {
			panic(fmt.Sprintf("token id %d out of range [0, %d)", id, e.NumTokens))
		}
		oneHot[i*e.NumTokens+id] = 1
	}
	selector := &anydiff.Matrix{
		Data: anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(oneHot))),
		Rows: len(ids),
		Cols: e.NumTokens,
	}
	table := &anydiff.Matrix{Data: e.Vectors, Rows: e.NumTokens, Cols: e.Dim}
	return anydiff.MatMul(false, false, selector, table).Data
}

// Parameters returns the embedding matrix.
func (e *Embedding) Parameters() []*anydiff.Var {
	return []*anydiff.Var{e.Vectors}
}

// SerializerType returns the unique ID used to serialize
// an Embedding with the serializer package.
func (e *Embedding) SerializerType() string {
	return "github.com/unixpickle/anyasr.Embedding"
}

// Serialize serializes the Embedding.
func (e *Embedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(e.NumTokens),
		&anyvecsave.S{Vector: e.Vectors.Vector},
	)
}
