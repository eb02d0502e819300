package anyrnn

import (
	"fmt"
	"strings"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// SubsampleMode selects how a window of adjacent frames
// is merged into a single frame.
type SubsampleMode int

// These are the supported subsampling modes.
const (
	// SubsampleConcat concatenates the frames in a window.
	SubsampleConcat SubsampleMode = iota

	// SubsampleDrop keeps the first frame in a window.
	SubsampleDrop

	// SubsampleMaxPool takes a component-wise maximum.
	SubsampleMaxPool
)

// ParseSubsampleMode converts "concat", "drop", or
// "max_pool" into a SubsampleMode.
func ParseSubsampleMode(name string) (SubsampleMode, error) {
	switch strings.ToLower(name) {
	case "concat":
		return SubsampleConcat, nil
	case "drop":
		return SubsampleDrop, nil
	case "max_pool", "maxpool", "max":
		return SubsampleMaxPool, nil
	default:
		return 0, fmt.Errorf("unsupported subsample type: %q", name)
	}
}

// OutWidth computes the frame width after subsampling
// frames of width in.
func (s SubsampleMode) OutWidth(in, factor int) int {
	if s == SubsampleConcat {
		return in * factor
	}
	return in
}

// SubsampledLength is the number of frames a sequence of
// the given length has after subsampling by factor.
// Trailing frames that do not fill a window are dropped,
// i.e. the length is floored.
func SubsampledLength(length, factor int) int {
	return length / factor
}

type subsampleRes struct {
	In      anyseq.Seq
	Factor  int
	Mode    SubsampleMode
	Width   int
	Lengths []int
	ArgMax  [][][]int
	Out     []*anyseq.Batch
}

// Subsample reduces the time resolution of a batch of
// sequences by merging every factor adjacent frames.
//
// Sequence i has SubsampledLength(len_i, factor) frames
// in the result; sequences that become empty are absent
// from every output timestep.
func Subsample(in anyseq.Seq, factor int, mode SubsampleMode) anyseq.Seq {
	if factor < 1 {
		panic(fmt.Sprintf("invalid subsampling factor: %d", factor))
	}
	if factor == 1 {
		return in
	}
	c := in.Creator()
	seqs := anyseq.SeparateSeqs(in.Output())
	res := &subsampleRes{
		In:      in,
		Factor:  factor,
		Mode:    mode,
		Lengths: make([]int, len(seqs)),
	}
	if mode == SubsampleMaxPool {
		res.ArgMax = make([][][]int, len(seqs))
	}
	outSeqs := make([][]anyvec.Vector, len(seqs))
	for i, seq := range seqs {
		res.Lengths[i] = len(seq)
		if len(seq) > 0 {
			res.Width = seq[0].Len()
		}
		for j := 0; j < SubsampledLength(len(seq), factor); j++ {
			window := seq[j*factor : (j+1)*factor]
			switch mode {
			case SubsampleConcat:
				outSeqs[i] = append(outSeqs[i], c.Concat(window...))
			case SubsampleDrop:
				outSeqs[i] = append(outSeqs[i], window[0].Copy())
			case SubsampleMaxPool:
				frame, argMax := maxFrames(c, window)
				outSeqs[i] = append(outSeqs[i], frame)
				res.ArgMax[i] = append(res.ArgMax[i], argMax)
			default:
				panic(fmt.Sprintf("unknown subsample mode: %d", mode))
			}
		}
	}
	res.Out = anyseq.ConstSeqList(c, outSeqs).Output()
	return res
}

func (s *subsampleRes) Creator() anyvec.Creator {
	return s.In.Creator()
}

func (s *subsampleRes) Output() []*anyseq.Batch {
	return s.Out
}

func (s *subsampleRes) Vars() anydiff.VarSet {
	return s.In.Vars()
}

func (s *subsampleRes) Propagate(u []*anyseq.Batch, g anydiff.Grad) {
	if !g.Intersects(s.In.Vars()) {
		return
	}
	c := s.In.Creator()
	ups := make([][]anyvec.Vector, len(s.Lengths))
	if len(u) > 0 {
		ups = anyseq.SeparateSeqs(u)
	}
	down := make([][]anyvec.Vector, len(s.Lengths))
	for i, length := range s.Lengths {
		frames := make([]anyvec.Vector, length)
		for j, up := range ups[i] {
			switch s.Mode {
			case SubsampleConcat:
				for k := 0; k < s.Factor; k++ {
					frames[j*s.Factor+k] = up.Slice(k*s.Width, (k+1)*s.Width)
				}
			case SubsampleDrop:
				frames[j*s.Factor] = up.Copy()
			case SubsampleMaxPool:
				window := scatterMax(c, up, s.ArgMax[i][j], s.Factor)
				copy(frames[j*s.Factor:], window)
			}
		}
		for j, f := range frames {
			if f == nil {
				frames[j] = c.MakeVector(s.Width)
			}
		}
		down[i] = frames
	}
	s.In.Propagate(anyseq.ConstSeqList(c, down).Output(), g)
}

func maxFrames(c anyvec.Creator, window []anyvec.Vector) (anyvec.Vector, []int) {
	best := anyasr.VecFloats(window[0])
	argMax := make([]int, len(best))
	for k, frame := range window[1:] {
		for comp, x := range anyasr.VecFloats(frame) {
			if x > best[comp] {
				best[comp] = x
				argMax[comp] = k + 1
			}
		}
	}
	return c.MakeVectorData(c.MakeNumericList(best)), argMax
}

func scatterMax(c anyvec.Creator, up anyvec.Vector, argMax []int,
	factor int) []anyvec.Vector {
	upData := anyasr.VecFloats(up)
	grads := make([][]float64, factor)
	for k := range grads {
		grads[k] = make([]float64, len(upData))
	}
	for comp, k := range argMax {
		grads[k][comp] = upData[comp]
	}
	res := make([]anyvec.Vector, factor)
	for k, grad := range grads {
		res[k] = c.MakeVectorData(c.MakeNumericList(grad))
	}
	return res
}
