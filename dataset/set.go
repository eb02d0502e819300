package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anyasr/encoder"
)

// Config controls how a Set batches utterances.
type Config struct {
	BatchSize int

	// Splice and Stack are passed to encoder.SpliceStack.
	Splice int
	Stack  int

	// Shuffle randomizes the order of every epoch.
	Shuffle bool

	// SortByLength puts utterances of similar lengths in
	// the same batch.
	SortByLength bool

	// MaxFrames, if non-zero, drops longer utterances.
	MaxFrames int
}

// A Set is an in-memory Iterator.
type Set struct {
	cfg        Config
	utts       UtteranceList
	vocab      *anyasr.Vocab
	subVocab   *anyasr.Vocab
	featureDim int

	epoch    int
	batches  []UtteranceList
	pos      int
	consumed int
}

// NewSet creates a Set.
//
// Every label must be in the corresponding vocabulary.
// If subVocab is nil, sub-task labels are ignored.
func NewSet(utts []*Utterance, vocab, subVocab *anyasr.Vocab, cfg Config) (*Set,
	error) {
	if cfg.BatchSize < 1 {
		return nil, errors.New("new set: batch size must be positive")
	}
	if cfg.Splice == 0 {
		cfg.Splice = 1
	}
	if cfg.Stack == 0 {
		cfg.Stack = 1
	}
	res := &Set{cfg: cfg, vocab: vocab, subVocab: subVocab}
	for _, u := range utts {
		if len(u.Frames) == 0 || (cfg.MaxFrames > 0 && len(u.Frames) > cfg.MaxFrames) {
			continue
		}
		if res.featureDim == 0 {
			res.featureDim = len(u.Frames[0])
		}
		for _, f := range u.Frames {
			if len(f) != res.featureDim {
				return nil, fmt.Errorf("new set: utterance %s: frame width %d should be %d",
					u.ID, len(f), res.featureDim)
			}
		}
		if _, err := vocab.Encode(u.Labels); err != nil {
			return nil, fmt.Errorf("new set: utterance %s: %s", u.ID, err)
		}
		if subVocab != nil {
			if _, err := subVocab.Encode(u.SubLabels); err != nil {
				return nil, fmt.Errorf("new set: utterance %s: %s", u.ID, err)
			}
		}
		res.utts = append(res.utts, u)
	}
	if len(res.utts) == 0 {
		return nil, errors.New("new set: no usable utterances")
	}
	return res, nil
}

// Next returns the next batch.
func (s *Set) Next() (*Batch, bool, error) {
	if s.pos == len(s.batches) {
		s.startEpoch()
	}
	utts := s.batches[s.pos]
	s.pos++
	s.consumed += len(utts)
	last := s.pos == len(s.batches)
	if last {
		s.epoch++
		s.consumed = 0
	}
	return s.makeBatch(utts), last, nil
}

// Epoch returns the number of completed epochs.
func (s *Set) Epoch() int {
	return s.epoch
}

// EpochDetail returns the fractional epoch.
func (s *Set) EpochDetail() float64 {
	return float64(s.epoch) + float64(s.consumed)/float64(len(s.utts))
}

// Len returns the number of utterances.
func (s *Set) Len() int {
	return len(s.utts)
}

// Vocab returns the main vocabulary.
func (s *Set) Vocab() *anyasr.Vocab {
	return s.vocab
}

// SubVocab returns the sub-task vocabulary.
func (s *Set) SubVocab() *anyasr.Vocab {
	return s.subVocab
}

// InputDim returns the spliced and stacked frame width.
func (s *Set) InputDim() int {
	return s.featureDim * s.cfg.Splice * s.cfg.Stack
}

func (s *Set) startEpoch() {
	utts := append(UtteranceList{}, s.utts...)
	var list anysgd.SampleList = utts
	if s.cfg.SortByLength {
		list = lengthSorted{utts}
	}
	if s.cfg.Shuffle {
		anysgd.Shuffle(list)
	} else if p, ok := list.(anysgd.PostShuffler); ok {
		p.PostShuffle()
	}
	s.batches = s.batches[:0]
	for i := 0; i < len(utts); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(utts) {
			end = len(utts)
		}
		s.batches = append(s.batches, utts[i:end])
	}
	if s.cfg.Shuffle && s.cfg.SortByLength {
		rand.Shuffle(len(s.batches), func(i, j int) {
			s.batches[i], s.batches[j] = s.batches[j], s.batches[i]
		})
	}
	s.pos = 0
}

func (s *Set) makeBatch(utts UtteranceList) *Batch {
	res := &Batch{}
	for _, u := range utts {
		res.IDs = append(res.IDs, u.ID)
		res.Frames = append(res.Frames, encoder.SpliceStack(u.Frames, s.cfg.Splice,
			s.cfg.Stack))
		labels, _ := s.vocab.Encode(u.Labels)
		res.Labels = append(res.Labels, labels)
		if s.subVocab != nil {
			subLabels, _ := s.subVocab.Encode(u.SubLabels)
			res.SubLabels = append(res.SubLabels, subLabels)
		}
	}
	return res
}
