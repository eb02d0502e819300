package anysgd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestClipGrad(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v1 := anydiff.NewVar(c.MakeVector(2))
	v2 := anydiff.NewVar(c.MakeVector(1))
	grad := anydiff.Grad{
		v1: c.MakeVectorData(c.MakeNumericList([]float64{2, 4})),
		v2: c.MakeVectorData(c.MakeNumericList([]float64{4})),
	}
	assert.InDelta(t, 6, GradNorm(grad), 1e-12)

	assert.False(t, ClipGrad(grad, 10))
	assert.InDelta(t, 6, GradNorm(grad), 1e-12)

	assert.True(t, ClipGrad(grad, 3))
	assert.InDelta(t, 3, GradNorm(grad), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2}, grad[v1].Data(), 1e-12)
	assert.InDeltaSlice(t, []float64{2}, grad[v2].Data(), 1e-12)
}
