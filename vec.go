package anyasr

import (
	"fmt"

	"github.com/unixpickle/anyvec"
)

// VecFloats copies a float32 or float64 vector into a
// []float64.
func VecFloats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return append([]float64{}, data...)
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}
