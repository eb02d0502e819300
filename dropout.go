package anyasr

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Dropout
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDropout)
}

// Dropout zeroes each component with probability Rate and
// scales the survivors by 1/(1-Rate).
// It is the identity unless Enabled is set, which makes
// inference deterministic.
type Dropout struct {
	Rate    float64
	Enabled bool
}

// NewDropout creates a disabled Dropout.
func NewDropout(rate float64) *Dropout {
	return &Dropout{Rate: rate}
}

// DeserializeDropout deserializes a Dropout.
// The Enabled flag is not stored, so the result is always
// disabled.
func DeserializeDropout(d []byte) (*Dropout, error) {
	var rate serializer.Float64
	if err := serializer.DeserializeAny(d, &rate); err != nil {
		return nil, essentials.AddCtx("deserialize Dropout", err)
	}
	return &Dropout{Rate: float64(rate)}, nil
}

// Apply applies dropout to the batch.
// A nil *Dropout is the identity.
func (d *Dropout) Apply(in anydiff.Res, n int) anydiff.Res {
	if d == nil || !d.Enabled || d.Rate == 0 {
		return in
	}
	keep := 1 - d.Rate
	c := in.Output().Creator()
	mask := c.MakeVector(in.Output().Len())
	anyvec.Rand(mask, anyvec.Uniform, nil)
	anyvec.LessThan(mask, c.MakeNumeric(keep))
	mask.Scale(c.MakeNumeric(1 / keep))
	return anydiff.Mul(in, anydiff.NewConst(mask))
}

// SerializerType returns the unique ID used to serialize
// a Dropout with the serializer package.
func (d *Dropout) SerializerType() string {
	return "github.com/unixpickle/anyasr.Dropout"
}

// Serialize serializes the Dropout.
func (d *Dropout) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Float64(d.Rate))
}
