// Package dataset loads and batches speech recognition
// corpora.
package dataset

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anysgd"
)

// An Utterance is one recorded sentence with its
// transcripts.
type Utterance struct {
	ID string `msgpack:"id"`

	// Frames holds one acoustic feature vector per frame.
	Frames [][]float64 `msgpack:"frames"`

	Labels    []string `msgpack:"labels"`
	SubLabels []string `msgpack:"sub_labels,omitempty"`
}

// A Batch is a batch of encoded utterances.
type Batch struct {
	IDs []string

	// Frames are spliced and stacked.
	Frames [][][]float64

	// Labels and SubLabels include start and end markers.
	// SubLabels is nil without a sub-task vocabulary.
	Labels    [][]int
	SubLabels [][]int
}

// An Iterator produces batches forever, one epoch after
// another.
type Iterator interface {
	// Next returns the next batch and whether it is the
	// last batch of an epoch.
	Next() (*Batch, bool, error)

	// Epoch returns the number of completed epochs.
	Epoch() int

	// EpochDetail returns the fractional number of epochs
	// completed.
	EpochDetail() float64

	// Len returns the number of utterances per epoch.
	Len() int

	Vocab() *anyasr.Vocab

	// SubVocab returns nil if there is no sub-task.
	SubVocab() *anyasr.Vocab

	// InputDim returns the width of the batch frames.
	InputDim() int
}

// UtteranceList is an anysgd.Hasher of utterances.
type UtteranceList []*Utterance

// Len returns the number of utterances.
func (u UtteranceList) Len() int {
	return len(u)
}

// Swap swaps two utterances.
func (u UtteranceList) Swap(i, j int) {
	u[i], u[j] = u[j], u[i]
}

// Slice copies a sub-range of the list.
func (u UtteranceList) Slice(i, j int) anysgd.SampleList {
	return append(UtteranceList{}, u[i:j]...)
}

// Hash hashes the utterance ID.
func (u UtteranceList) Hash(i int) uint64 {
	return xxhash.Sum64String(u[i].ID)
}

// lengthSorted sorts itself by frame count whenever it is
// shuffled, so that batches hold utterances of similar
// lengths.
type lengthSorted struct {
	UtteranceList
}

func (l lengthSorted) PostShuffle() {
	sort.SliceStable(l.UtteranceList, func(i, j int) bool {
		return len(l.UtteranceList[i].Frames) < len(l.UtteranceList[j].Frames)
	})
}

// Split deterministically assigns roughly devRatio of the
// utterances to a development set, based on their IDs.
func Split(u UtteranceList, devRatio float64) (train, dev UtteranceList) {
	left, right := anysgd.HashSplit(append(UtteranceList{}, u...), devRatio)
	return right.(UtteranceList), left.(UtteranceList)
}
