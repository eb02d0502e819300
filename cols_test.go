package anyasr

import (
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestSplitCols(t *testing.T) {
	m := anydiff.NewConst(anyvec32.MakeVectorData([]float32{
		1, 2, 3, 4, 5,
		6, 7, 8, 9, 10,
	}))
	parts := SplitCols(m, 2, 2, 3)
	expected := [][]float32{
		{1, 2, 6, 7},
		{3, 4, 5, 8, 9, 10},
	}
	for i, part := range parts {
		actual := part.Output().Data().([]float32)
		if !reflect.DeepEqual(actual, expected[i]) {
			t.Errorf("part %d: expected %v but got %v", i, expected[i], actual)
		}
	}

	joined := JoinCols(2, parts, []int{2, 3}).Output().Data().([]float32)
	if !reflect.DeepEqual(joined, m.Output().Data().([]float32)) {
		t.Errorf("bad join: %v", joined)
	}
}

func TestSplitColsSingleRow(t *testing.T) {
	m := anydiff.NewConst(anyvec32.MakeVectorData([]float32{1, 2, 3}))
	parts := SplitCols(m, 1, 1, 2)
	if actual := parts[1].Output().Data().([]float32); !reflect.DeepEqual(actual,
		[]float32{2, 3}) {
		t.Errorf("unexpected block: %v", actual)
	}
}

func TestColsProp(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := anydiff.NewVar(c.MakeVector(3 * 5))
	other := anydiff.NewVar(c.MakeVector(3 * 2))
	anyvec.Rand(m.Vector, anyvec.Normal, nil)
	anyvec.Rand(other.Vector, anyvec.Normal, nil)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			parts := SplitCols(m, 3, 1, 4)
			return JoinCols(3, []anydiff.Res{parts[1], other, anydiff.Tanh(parts[0])},
				[]int{4, 2, 1})
		},
		V: []*anydiff.Var{m, other},
	}
	checker.FullCheck(t)
}

func TestVecFloats(t *testing.T) {
	v32 := anyvec32.MakeVectorData([]float32{1, -2.5, 3})
	if actual := VecFloats(v32); !reflect.DeepEqual(actual, []float64{1, -2.5, 3}) {
		t.Errorf("float32: got %v", actual)
	}
	data := []float64{0.5, 4}
	v64 := anyvec64.MakeVectorData(data)
	actual := VecFloats(v64)
	if !reflect.DeepEqual(actual, data) {
		t.Errorf("float64: got %v", actual)
	}
	actual[0] = 7
	if v64.Data().([]float64)[0] != 0.5 {
		t.Error("result aliases the vector")
	}
}
