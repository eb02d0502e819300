package anysgd

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
)

// Shuffle shuffles a list of samples.
// If the list implements PostShuffler, then PostShuffle
// is called after the shuffle completes.
func Shuffle(s SampleList) {
	for i := 0; i < s.Len(); i++ {
		j := i + rand.Intn(s.Len()-i)
		s.Swap(i, j)
	}
	if p, ok := s.(PostShuffler); ok {
		p.PostShuffle()
	}
}

func scaleGrad(g anydiff.Grad, s float64) {
	for _, vec := range g {
		vec.Scale(vec.Creator().MakeNumeric(s))
	}
}

func valueOrDefault(value, def float64) float64 {
	if value == 0 {
		return def
	}
	return value
}
