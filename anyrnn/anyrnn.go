// Package anyrnn implements the recurrent cells and
// sequence plumbing used by speech encoders and decoders.
package anyrnn

import (
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
)

// SeqLengths computes the length of every sequence in a
// batch from its present maps.
func SeqLengths(batches []*anyseq.Batch) []int {
	if len(batches) == 0 {
		return nil
	}
	res := make([]int, len(batches[0].Present))
	for _, b := range batches {
		for i, p := range b.Present {
			if p {
				res[i]++
			}
		}
	}
	return res
}

func numPresent(p []bool) int {
	var n int
	for _, x := range p {
		if x {
			n++
		}
	}
	return n
}

// repack moves the per-sequence chunks of a packed vector
// from one present map to another.
// Chunks missing from the source are zero, and chunks
// missing from the destination are dropped.
func repack(vec anyvec.Vector, from, to []bool) anyvec.Vector {
	c := vec.Creator()
	count := numPresent(from)
	if count == 0 {
		return c.MakeVector(0)
	}
	size := vec.Len() / count
	var chunks []anyvec.Vector
	var offset int
	for i, inFrom := range from {
		if to[i] {
			if inFrom {
				chunks = append(chunks, vec.Slice(offset, offset+size))
			} else {
				chunks = append(chunks, c.MakeVector(size))
			}
		}
		if inFrom {
			offset += size
		}
	}
	if len(chunks) == 0 {
		return c.MakeVector(0)
	}
	return c.Concat(chunks...)
}
