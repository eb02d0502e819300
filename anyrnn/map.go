package anyrnn

import (
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// cellStep records one timestep of a mapped Cell.
// The pools stand in for the step's input and state so
// that gradients can be read off them.
type cellStep struct {
	Present   []bool
	InPool    *anydiff.Var
	StatePool *anydiff.Var
	Out       anydiff.Res
	State     anydiff.Res
}

type mapRes struct {
	In    anyseq.Seq
	Steps []*cellStep
	Out   []*anyseq.Batch
	V     anydiff.VarSet
}

// Map runs a Cell over a batch of sequences, starting
// every sequence from a zero state.
// The output sequences have the cell's hidden size.
func Map(s anyseq.Seq, cell *Cell) anyseq.Seq {
	res := &mapRes{In: s, V: s.Vars()}
	batches := s.Output()
	if len(batches) == 0 {
		return res
	}
	c := s.Creator()
	present := batches[0].Present
	state := c.MakeVector(batches[0].NumPresent() * cell.StateSize())
	for _, b := range batches {
		if b.NumPresent() != numPresent(present) {
			state = repack(state, present, b.Present)
			present = b.Present
		}
		step := &cellStep{
			Present:   b.Present,
			InPool:    anydiff.NewVar(b.Packed),
			StatePool: anydiff.NewVar(state),
		}
		step.Out, step.State = cell.Apply(step.InPool, step.StatePool, b.NumPresent())
		res.Steps = append(res.Steps, step)
		res.Out = append(res.Out, &anyseq.Batch{Packed: step.Out.Output(), Present: b.Present})
		state = step.State.Output()
	}
	res.V = anydiff.MergeVarSets(s.Vars(), anydiff.NewVarSet(cell.Parameters()...))
	return res
}

func (m *mapRes) Creator() anyvec.Creator {
	return m.In.Creator()
}

func (m *mapRes) Output() []*anyseq.Batch {
	return m.Out
}

func (m *mapRes) Vars() anydiff.VarSet {
	return m.V
}

func (m *mapRes) Propagate(u []*anyseq.Batch, g anydiff.Grad) {
	if len(u) == 0 {
		return
	}
	c := m.In.Creator()
	propIn := g.Intersects(m.In.Vars())
	var down []*anyseq.Batch
	if propIn {
		down = make([]*anyseq.Batch, len(u))
	}
	var stateGrad anyvec.Vector
	for i := len(m.Steps) - 1; i >= 0; i-- {
		step := m.Steps[i]
		if stateGrad != nil && numPresent(m.Steps[i+1].Present) != numPresent(step.Present) {
			stateGrad = repack(stateGrad, m.Steps[i+1].Present, step.Present)
		}
		g[step.InPool] = c.MakeVector(step.InPool.Vector.Len())
		g[step.StatePool] = c.MakeVector(step.StatePool.Vector.Len())
		step.Out.Propagate(u[i].Packed, g)
		if stateGrad != nil {
			step.State.Propagate(stateGrad, g)
		}
		if propIn {
			down[i] = &anyseq.Batch{Packed: g[step.InPool], Present: u[i].Present}
		}
		stateGrad = g[step.StatePool]
		delete(g, step.InPool)
		delete(g, step.StatePool)
	}
	if propIn {
		m.In.Propagate(down, g)
	}
}

// MapBidir runs fwd over the sequences and bwd over the
// reversed sequences.
// Each output step concatenates the forward output with
// the backward output for the same timestep.
func MapBidir(s anyseq.Seq, fwd, bwd *Cell) anyseq.Seq {
	return anyseq.Pool(s, func(s anyseq.Seq) anyseq.Seq {
		forward := Map(s, fwd)
		backward := anyseq.Reverse(Map(anyseq.Reverse(s), bwd))
		return anyseq.MapN(func(n int, v ...anydiff.Res) anydiff.Res {
			return anyasr.JoinCols(n, v, []int{fwd.Hidden, bwd.Hidden})
		}, forward, backward)
	})
}
