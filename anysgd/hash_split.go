package anysgd

import (
	"math"
	"sort"
)

// A Hasher is a SampleList whose samples have stable
// 64-bit hashes, such as hashes of sample IDs.
type Hasher interface {
	SampleList
	Hash(i int) uint64
}

// HashSplit deterministically partitions a Hasher.
// A sample goes to the left partition if its hash falls
// in the lowest leftRatio of the hash space, so the same
// sample always lands on the same side regardless of
// what else is in the list.
//
// The Hasher is re-ordered in place; samples keep their
// relative order within each partition.
func HashSplit(h Hasher, leftRatio float64) (left, right SampleList) {
	if leftRatio <= 0 {
		return h.Slice(0, 0), h
	} else if leftRatio >= 1 {
		return h, h.Slice(0, 0)
	}
	s := &hashPartition{h: h, cutoff: hashCutoff(leftRatio)}
	sort.Stable(s)
	splitIdx := sort.Search(h.Len(), func(i int) bool {
		return !s.isLeft(i)
	})
	return h.Slice(0, splitIdx), h.Slice(splitIdx, h.Len())
}

// hashCutoff maps a ratio in (0, 1) to the hash below
// which that fraction of uniform hashes fall.
func hashCutoff(ratio float64) uint64 {
	cutoff := ratio * math.Exp2(64)
	if cutoff >= math.Exp2(64) {
		return math.MaxUint64
	}
	return uint64(cutoff)
}

type hashPartition struct {
	h      Hasher
	cutoff uint64
}

func (p *hashPartition) isLeft(i int) bool {
	return p.h.Hash(i) < p.cutoff
}

func (p *hashPartition) Len() int {
	return p.h.Len()
}

func (p *hashPartition) Swap(i, j int) {
	p.h.Swap(i, j)
}

func (p *hashPartition) Less(i, j int) bool {
	return p.isLeft(i) && !p.isLeft(j)
}
