// Package anyasr provides the layer primitives used to
// build and train attention-based speech recognizers.
// Sub-packages implement the recurrent encoder, the
// attention decoder, CTC, and the training machinery.
package anyasr

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var n Net
	serializer.RegisterTypedDeserializer(n.SerializerType(), DeserializeNet)
}

// A Parameterizer exposes learnable variables in a fixed
// order, which optimizer checkpoints depend on.
type Parameterizer interface {
	Parameters() []*anydiff.Var
}

// A Layer maps a batch of n equally sized rows, packed
// into one vector, to a batch of n output rows.
type Layer interface {
	Apply(in anydiff.Res, n int) anydiff.Res
}

// A Net chains layers together.
// An empty Net is the identity.
type Net []Layer

// DeserializeNet deserializes a Net whose layers were all
// registered with the serializer package.
func DeserializeNet(d []byte) (Net, error) {
	objs, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Net", err)
	}
	var res Net
	for i, obj := range objs {
		layer, ok := obj.(Layer)
		if !ok {
			return nil, fmt.Errorf("deserialize Net: layer %d has type %T", i, obj)
		}
		res = append(res, layer)
	}
	return res, nil
}

// Apply runs the layers in order.
func (n Net) Apply(in anydiff.Res, batch int) anydiff.Res {
	out := in
	for _, layer := range n {
		out = layer.Apply(out, batch)
	}
	return out
}

// Parameters gathers the parameters of every layer.
func (n Net) Parameters() []*anydiff.Var {
	layers := make([]interface{}, len(n))
	for i, layer := range n {
		layers[i] = layer
	}
	return AllParameters(layers...)
}

// SerializerType returns the unique ID used to serialize
// a Net with the serializer package.
func (n Net) SerializerType() string {
	return "github.com/unixpickle/anyasr.Net"
}

// Serialize serializes every layer, failing if one of
// them is not a serializer.Serializer.
func (n Net) Serialize() ([]byte, error) {
	layers := make([]serializer.Serializer, len(n))
	for i, layer := range n {
		s, ok := layer.(serializer.Serializer)
		if !ok {
			return nil, fmt.Errorf("serialize Net: layer %d (%T) is not serializable", i, layer)
		}
		layers[i] = s
	}
	return serializer.SerializeSlice(layers)
}

// AllParameters concatenates the parameters of the
// arguments which implement Parameterizer, skipping the
// others.
func AllParameters(objs ...interface{}) []*anydiff.Var {
	var res []*anydiff.Var
	for _, obj := range objs {
		if p, ok := obj.(Parameterizer); ok {
			res = append(res, p.Parameters()...)
		}
	}
	return res
}
