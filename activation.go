package anyasr

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/serializer"
)

func init() {
	var a Activation
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeActivation)
}

// An Activation is a parameter-free layer used between
// fully-connected layers.
type Activation int

// These are the supported activations.
const (
	Tanh Activation = iota

	// LogSoftmax normalizes every row of a batch into log
	// probabilities.
	LogSoftmax

	numActivations
)

// DeserializeActivation deserializes an Activation.
func DeserializeActivation(d []byte) (Activation, error) {
	if len(d) != 1 || Activation(d[0]) >= numActivations {
		return 0, fmt.Errorf("deserialize Activation: invalid data %v", d)
	}
	return Activation(d[0]), nil
}

// Apply applies the activation to a batch of n rows.
func (a Activation) Apply(in anydiff.Res, n int) anydiff.Res {
	switch a {
	case Tanh:
		return anydiff.Tanh(in)
	case LogSoftmax:
		size := in.Output().Len()
		if n == 0 || size%n != 0 {
			panic(fmt.Sprintf("cannot split %d components into %d rows", size, n))
		}
		return anydiff.LogSoftmax(in, size/n)
	default:
		panic(fmt.Sprintf("unknown activation: %d", int(a)))
	}
}

func (a Activation) String() string {
	switch a {
	case Tanh:
		return "tanh"
	case LogSoftmax:
		return "log_softmax"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// SerializerType returns the unique ID used to serialize
// an Activation.
func (a Activation) SerializerType() string {
	return "github.com/unixpickle/anyasr.Activation"
}

// Serialize serializes the activation.
func (a Activation) Serialize() ([]byte, error) {
	return []byte{byte(a)}, nil
}
