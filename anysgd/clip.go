package anysgd

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// GradNorm computes the L2 norm of a gradient, treating
// every variable's vector as one concatenated vector.
func GradNorm(g anydiff.Grad) float64 {
	var sum float64
	for _, vec := range g {
		sq := vec.Copy()
		anyvec.Pow(sq, sq.Creator().MakeNumeric(2))
		sum += numericFloat(anyvec.Sum(sq))
	}
	return math.Sqrt(sum)
}

// ClipGrad scales a gradient down so that its norm is at
// most maxNorm.
// It returns true if the gradient was scaled.
func ClipGrad(g anydiff.Grad, maxNorm float64) bool {
	norm := GradNorm(g)
	if norm <= maxNorm || norm == 0 {
		return false
	}
	scaleGrad(g, maxNorm/norm)
	return true
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		panic("unsupported numeric type")
	}
}
