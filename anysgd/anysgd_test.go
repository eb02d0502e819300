package anysgd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

// testTargets is a sample list of 2D points.
// The squared distance to the points is minimized at
// their mean, (4/3, -2).
type testTargets [][2]float64

func newTestTargets() testTargets {
	return testTargets{{1, -1}, {2, -3}, {1, -2}}
}

func (t testTargets) Len() int {
	return len(t)
}

func (t testTargets) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

func (t testTargets) Slice(i, j int) SampleList {
	return append(testTargets{}, t[i:j]...)
}

type testGradienter struct {
	Point *anydiff.Var
}

func newTestGradienter(c anyvec.Creator) *testGradienter {
	return &testGradienter{Point: anydiff.NewVar(c.MakeVector(2))}
}

func (t *testGradienter) Gradient(s testTargets) anydiff.Grad {
	c := t.Point.Vector.Creator()
	grad := anydiff.Grad{t.Point: c.MakeVector(2)}
	for _, target := range s {
		diff := anydiff.Sub(t.Point, anydiff.NewConst(
			c.MakeVectorData(c.MakeNumericList(target[:])),
		))
		cost := anydiff.Sum(anydiff.Square(diff))
		cost.Propagate(c.MakeVectorData(c.MakeNumericList([]float64{1})), grad)
	}
	return grad
}

func (t *testGradienter) current() (x, y float64) {
	x = numericFloat(anyvec.Sum(t.Point.Vector.Slice(0, 1)))
	y = numericFloat(anyvec.Sum(t.Point.Vector.Slice(1, 2)))
	return
}

func (t *testGradienter) errorMargin() float64 {
	x, y := t.current()
	return math.Max(math.Abs(x-4.0/3), math.Abs(y+2))
}

// train runs SGD with mini-batches of one sample.
func train(s *SGD, g *testGradienter, steps int, rate float64) {
	samples := newTestTargets()
	for i := 0; i < steps; i++ {
		idx := i % samples.Len()
		if idx == 0 {
			Shuffle(samples)
		}
		s.Step(g.Gradient(samples[idx:idx+1]), rate)
	}
}

func TestSGD(t *testing.T) {
	g := newTestGradienter(anyvec32.DefaultCreator{})
	s := &SGD{}
	train(s, g, 30000, 0.001)
	assert.Equal(t, 30000, s.NumSteps)
	if g.errorMargin() > 1e-2 {
		x, y := g.current()
		t.Errorf("bad solution: %f, %f", x, y)
	}
}

func TestSGDClipNorm(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVector(2))
	grad := anydiff.Grad{v: c.MakeVectorData(c.MakeNumericList([]float64{3, 4}))}
	s := &SGD{ClipNorm: 1}
	norm := s.Step(grad, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDeltaSlice(t, []float64{-0.6, -0.8}, v.Vector.Data(), 1e-12)
}

func TestShuffle(t *testing.T) {
	samples := newTestTargets()
	Shuffle(samples)
	assert.ElementsMatch(t, newTestTargets(), samples)
}
