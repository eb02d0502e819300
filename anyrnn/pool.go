package anyrnn

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// seqPool stands in for one sequence of a batch as a
// matrix with one row per timestep.
type seqPool struct {
	Steps int
	Var   *anydiff.Var
}

type poolRes struct {
	In    anyseq.Seq
	Pools []seqPool
	Res   anydiff.Res
	V     anydiff.VarSet
}

// PoolSeqs gives f one row-major matrix per sequence of
// the batch, so per-utterance computations (attention
// decoding, CTC) can back-propagate into the batched
// sequence.
//
// Empty sequences become matrices with zero rows and
// zero columns.
func PoolSeqs(seqs anyseq.Seq, f func(mats []*anydiff.Matrix) anydiff.Res) anydiff.Res {
	c := seqs.Creator()
	separated := anyseq.SeparateSeqs(seqs.Output())
	res := &poolRes{In: seqs, Pools: make([]seqPool, len(separated))}
	mats := make([]*anydiff.Matrix, len(separated))
	for i, frames := range separated {
		mat := &anydiff.Matrix{Rows: len(frames)}
		if len(frames) == 0 {
			mat.Data = anydiff.NewVar(c.MakeVector(0))
		} else {
			mat.Cols = frames[0].Len()
			mat.Data = anydiff.NewVar(c.Concat(frames...))
		}
		res.Pools[i] = seqPool{Steps: len(frames), Var: mat.Data.(*anydiff.Var)}
		mats[i] = mat
	}
	res.Res = f(mats)
	res.V = anydiff.MergeVarSets(seqs.Vars(), res.Res.Vars())
	for _, p := range res.Pools {
		res.V.Del(p.Var)
	}
	return res
}

func (p *poolRes) Output() anyvec.Vector {
	return p.Res.Output()
}

func (p *poolRes) Vars() anydiff.VarSet {
	return p.V
}

func (p *poolRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !g.Intersects(p.In.Vars()) {
		p.Res.Propagate(u, g)
		return
	}
	for _, pool := range p.Pools {
		g[pool.Var] = pool.Var.Vector.Creator().MakeVector(pool.Var.Vector.Len())
	}
	p.Res.Propagate(u, g)

	frameGrads := make([][]anyvec.Vector, len(p.Pools))
	for i, pool := range p.Pools {
		grad := g[pool.Var]
		delete(g, pool.Var)
		if pool.Steps == 0 {
			continue
		}
		cols := grad.Len() / pool.Steps
		for t := 0; t < pool.Steps; t++ {
			frameGrads[i] = append(frameGrads[i], grad.Slice(t*cols, (t+1)*cols))
		}
	}
	if len(p.In.Output()) > 0 {
		p.In.Propagate(anyseq.ConstSeqList(u.Creator(), frameGrads).Output(), g)
	}
}
