package anyrnn

import (
	"testing"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestCellProp(t *testing.T) {
	for _, cellType := range []CellType{LSTM, GRU, RNN} {
		t.Run(cellType.String(), func(t *testing.T) {
			c := anyvec64.DefaultCreator{}
			inSeq, inVars := randomTestSequence(c, 3)
			cell := NewCell(c, cellType, 3, 2, 0.5)
			checker := &anydifftest.SeqChecker{
				F: func() anyseq.Seq {
					return Map(inSeq, cell)
				},
				V: append(inVars, cell.Parameters()...),
			}
			checker.FullCheck(t)
		})
	}
}

func TestCellStepMatchesMap(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cell := NewCell(c, LSTM, 2, 3, 0.5)
	frames := []anyvec.Vector{
		c.MakeVectorData(c.MakeNumericList([]float64{1, -1})),
		c.MakeVectorData(c.MakeNumericList([]float64{0.5, 2})),
	}
	mapped := Map(anyseq.ConstSeqList(c, [][]anyvec.Vector{frames}), cell).Output()

	state := cell.ZeroState(c, 1)
	for i, frame := range frames {
		var out anydiff.Res
		out, state = cell.Apply(anydiff.NewConst(frame), state, 1)
		expected := anyasr.VecFloats(mapped[i].Packed)
		actual := anyasr.VecFloats(out.Output())
		for j, x := range expected {
			if diff := x - actual[j]; diff > 1e-8 || diff < -1e-8 {
				t.Fatalf("step %d: expected %v but got %v", i, expected, actual)
			}
		}
	}
}

func TestCellStateFromHidden(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	hidden := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList([]float64{
		1, 2,
		3, 4,
	})))
	lstm := NewCell(c, LSTM, 1, 2, 0.1)
	actual := anyasr.VecFloats(lstm.StateFromHidden(hidden, 2).Output())
	expected := []float64{1, 2, 0, 0, 3, 4, 0, 0}
	for i, x := range expected {
		if actual[i] != x {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
	gru := NewCell(c, GRU, 1, 2, 0.1)
	if gru.StateFromHidden(hidden, 2) != hidden {
		t.Error("GRU state should be the hidden vector")
	}
}

func TestParseCellType(t *testing.T) {
	for _, name := range []string{"lstm", "GRU", "rnn"} {
		ct, err := ParseCellType(name)
		if err != nil {
			t.Fatal(err)
		}
		if ct.String() == "" {
			t.Error("empty name")
		}
	}
	if _, err := ParseCellType("transformer"); err == nil {
		t.Error("expected error")
	}
}

func TestCellSerialize(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cell := NewCell(c, GRU, 3, 4, 0.1)
	data, err := serializer.SerializeAny(cell)
	if err != nil {
		t.Fatal(err)
	}
	var newCell *Cell
	if err := serializer.DeserializeAny(data, &newCell); err != nil {
		t.Fatal(err)
	}
	if newCell.Type != GRU || newCell.InCount != 3 || newCell.Hidden != 4 {
		t.Errorf("bad cell: %v %d %d", newCell.Type, newCell.InCount, newCell.Hidden)
	}
}

func TestMapBidirProp(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	inSeq, inVars := randomTestSequence(c, 3)
	fwd := NewCell(c, LSTM, 3, 2, 0.5)
	bwd := NewCell(c, GRU, 3, 4, 0.5)
	checker := &anydifftest.SeqChecker{
		F: func() anyseq.Seq {
			return MapBidir(inSeq, fwd, bwd)
		},
		V: append(append(inVars, fwd.Parameters()...), bwd.Parameters()...),
	}
	checker.FullCheck(t)
}

func TestMapBidirLayout(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	frames := [][]anyvec.Vector{
		{
			c.MakeVectorData(c.MakeNumericList([]float64{1, 2})),
			c.MakeVectorData(c.MakeNumericList([]float64{-1, 0.5})),
			c.MakeVectorData(c.MakeNumericList([]float64{0, 3})),
		},
	}
	in := anyseq.ConstSeqList(c, frames)
	fwd := NewCell(c, GRU, 2, 3, 0.5)
	bwd := NewCell(c, RNN, 2, 1, 0.5)
	forward := Map(in, fwd).Output()
	reversed := anyseq.ConstSeqList(c, [][]anyvec.Vector{
		{frames[0][2], frames[0][1], frames[0][0]},
	})
	backward := Map(reversed, bwd).Output()
	out := MapBidir(in, fwd, bwd).Output()
	if len(out) != 3 {
		t.Fatalf("expected 3 steps but got %d", len(out))
	}
	for i, step := range out {
		expected := append(anyasr.VecFloats(forward[i].Packed), anyasr.VecFloats(backward[2-i].Packed)...)
		actual := anyasr.VecFloats(step.Packed)
		for j, x := range expected {
			if diff := x - actual[j]; diff > 1e-8 || diff < -1e-8 {
				t.Fatalf("step %d: expected %v but got %v", i, expected, actual)
			}
		}
	}
}

func TestRepack(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vec := c.MakeVectorData(c.MakeNumericList([]float64{1, 2, 3, 4, 5, 6}))
	from := []bool{true, false, true, true}
	reduced := anyasr.VecFloats(repack(vec, from, []bool{true, false, false, true}))
	expectFloats(t, []float64{1, 2, 5, 6}, reduced)
	expanded := anyasr.VecFloats(repack(vec, from, []bool{true, true, true, true}))
	expectFloats(t, []float64{1, 2, 0, 0, 3, 4, 5, 6}, expanded)
	empty := repack(c.MakeVector(0), []bool{false, false}, []bool{false, false})
	if empty.Len() != 0 {
		t.Errorf("expected empty vector but got %d components", empty.Len())
	}
}

func expectFloats(t *testing.T, expected, actual []float64) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("expected %v but got %v", expected, actual)
	}
	for i, x := range expected {
		if actual[i] != x {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
}

func randomTestSequence(c anyvec.Creator, inSize int) (anyseq.Seq, []*anydiff.Var) {
	presents := [][]bool{
		{true, true, true},
		{true, false, true},
		{true, false, false},
	}
	var inVars []*anydiff.Var
	var inBatches []*anyseq.ResBatch
	for _, pres := range presents {
		v := anydiff.NewVar(c.MakeVector(inSize * numPresent(pres)))
		anyvec.Rand(v.Vector, anyvec.Normal, nil)
		inVars = append(inVars, v)
		inBatches = append(inBatches, &anyseq.ResBatch{Packed: v, Present: pres})
	}
	return anyseq.ResSeq(c, inBatches), inVars
}
