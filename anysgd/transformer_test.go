package anysgd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestAdam(t *testing.T) {
	g := newTestGradienter(anyvec32.DefaultCreator{})
	s := &SGD{Transformer: &Adam{}}
	train(s, g, 100000, 0.001)
	if g.errorMargin() > 1e-2 {
		x, y := g.current()
		t.Errorf("bad solution: %f, %f", x, y)
	}
}

func TestTransformerFirstStep(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v := anydiff.NewVar(c.MakeVector(2))
	grad := func() anydiff.Grad {
		return anydiff.Grad{v: c.MakeVectorData(c.MakeNumericList([]float64{2, -0.5}))}
	}

	t.Run("Adam", func(t *testing.T) {
		out := (&Adam{}).Transform(grad())
		assert.InDeltaSlice(t, []float64{1, -1}, out[v].Data(), 1e-3)
	})
	t.Run("RMSProp", func(t *testing.T) {
		out := (&RMSProp{}).Transform(grad())
		assert.InDeltaSlice(t, []float64{1, -1}, out[v].Data(), 1e-3)
	})
	t.Run("Momentum", func(t *testing.T) {
		m := &Momentum{Momentum: 0.5}
		out := m.Transform(grad())
		assert.InDeltaSlice(t, []float64{2, -0.5}, out[v].Data(), 1e-12)
		out = m.Transform(grad())
		assert.InDeltaSlice(t, []float64{3, -0.75}, out[v].Data(), 1e-12)
	})
}

func TestTransformerMarshal(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vars := randomVars(c)
	t.Run("Adam", func(t *testing.T) {
		testMarshal(t, &Adam{Params: vars}, vars)
	})
	t.Run("Momentum", func(t *testing.T) {
		testMarshal(t, &Momentum{Momentum: 0.9, Params: vars}, vars)
	})
	t.Run("RMSProp", func(t *testing.T) {
		testMarshal(t, &RMSProp{Params: vars}, vars)
	})
}

func TestUnmarshalMismatch(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vars := randomVars(c)
	a := &Adam{Params: vars}
	a.Transform(randomGrad(vars))
	data, err := a.MarshalBinary()
	require.NoError(t, err)

	other := &Adam{Params: []*anydiff.Var{anydiff.NewVar(c.MakeVector(3))}}
	assert.Error(t, other.UnmarshalBinary(data))
}

// testMarshal checks that restoring any checkpoint
// reproduces the transform that followed it.
func testMarshal(t *testing.T, inst TransformMarshaler, v []*anydiff.Var) {
	var inGrads, outGrads []anydiff.Grad
	var checkpoints [][]byte
	for i := 0; i < 5; i++ {
		inGrad := randomGrad(v)
		data, err := inst.MarshalBinary()
		require.NoError(t, err)
		checkpoints = append(checkpoints, data)
		inGrads = append(inGrads, inGrad)
		outGrads = append(outGrads, copyGrad(inst.Transform(copyGrad(inGrad))))
	}
	for _, i := range []int{2, 0, 3, 4, 1} {
		require.NoError(t, inst.UnmarshalBinary(checkpoints[i]))
		out := inst.Transform(copyGrad(inGrads[i]))
		for _, p := range v {
			assert.InDeltaSlice(t, outGrads[i][p].Data(), out[p].Data(), 1e-10,
				"checkpoint %d", i)
		}
	}
}

func randomVars(c anyvec.Creator) []*anydiff.Var {
	var vars []*anydiff.Var
	for i := 0; i < 20; i++ {
		vec := c.MakeVector(1 + rand.Intn(5))
		anyvec.Rand(vec, anyvec.Normal, nil)
		vars = append(vars, anydiff.NewVar(vec))
	}
	return vars
}

func randomGrad(vars []*anydiff.Var) anydiff.Grad {
	res := anydiff.Grad{}
	for _, v := range vars {
		vec := v.Vector.Creator().MakeVector(v.Vector.Len())
		anyvec.Rand(vec, anyvec.Normal, nil)
		res[v] = vec
	}
	return res
}

func copyGrad(g anydiff.Grad) anydiff.Grad {
	res := anydiff.Grad{}
	for v, vec := range g {
		res[v] = vec.Copy()
	}
	return res
}
