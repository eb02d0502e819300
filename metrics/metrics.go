// Package metrics evaluates speech recognizers.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anyasr/dataset"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// EditDistance computes the Levenshtein distance between
// two sequences.
func EditDistance[T comparable](ref, hyp []T) int {
	prev := make([]int, len(hyp)+1)
	cur := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = i
		for j := 1; j <= len(hyp); j++ {
			cost := 1
			if ref[i-1] == hyp[j-1] {
				cost = 0
			}
			cur[j] = minInt(prev[j-1]+cost, minInt(prev[j], cur[j-1])+1)
		}
		prev, cur = cur, prev
	}
	return prev[len(hyp)]
}

// A Unit is the granularity of an error rate.
type Unit int

const (
	// Word compares tokens, giving a word error rate for
	// word vocabularies.
	Word Unit = iota

	// Char compares the characters of the joined tokens,
	// ignoring whitespace and underscores.
	Char

	// Phone compares tokens, like Word.
	Phone
)

// ParseUnit converts "word", "char", or "phone" into a
// Unit.
func ParseUnit(name string) (Unit, error) {
	switch strings.ToLower(name) {
	case "word":
		return Word, nil
	case "char", "character":
		return Char, nil
	case "phone":
		return Phone, nil
	default:
		return 0, fmt.Errorf("unsupported unit: %q", name)
	}
}

// String returns the name of the corresponding error
// rate, such as "WER".
func (u Unit) String() string {
	switch u {
	case Word:
		return "WER"
	case Char:
		return "CER"
	case Phone:
		return "PER"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// ErrorCount accumulates edit distances.
type ErrorCount struct {
	Errors int
	RefLen int
}

// Add adds the errors of one transcript.
func (e *ErrorCount) Add(unit Unit, ref, hyp []string) {
	if unit == Char {
		r, h := chars(ref), chars(hyp)
		e.Errors += EditDistance(r, h)
		e.RefLen += len(r)
	} else {
		e.Errors += EditDistance(ref, hyp)
		e.RefLen += len(ref)
	}
}

// Rate returns the error rate as a percentage.
func (e *ErrorCount) Rate() float64 {
	if e.RefLen == 0 {
		return 0
	}
	return 100 * float64(e.Errors) / float64(e.RefLen)
}

func chars(tokens []string) []rune {
	var res []rune
	for _, r := range strings.Join(tokens, "") {
		if !unicode.IsSpace(r) && r != '_' {
			res = append(res, r)
		}
	}
	return res
}

// EvalErrorRate decodes one epoch of it and measures the
// error rate of the main task.
func EvalErrorRate(m *seq2seq.Model, it dataset.Iterator, unit Unit, beamWidth,
	maxLen int) (float64, error) {
	return EvalTaskErrorRate(m, seq2seq.MainTask, it, unit, beamWidth, maxLen)
}

// EvalTaskErrorRate is like EvalErrorRate, but it decodes
// with the given task and scores against that task's
// labels and vocabulary.
func EvalTaskErrorRate(m *seq2seq.Model, task seq2seq.Task, it dataset.Iterator,
	unit Unit, beamWidth, maxLen int) (float64, error) {
	c := creator(m)
	vocab := it.Vocab()
	if task == seq2seq.SubTask {
		vocab = it.SubVocab()
		if vocab == nil {
			return 0, errors.New("eval error rate: dataset has no sub-task labels")
		}
	}
	var count ErrorCount
	for {
		batch, last, err := it.Next()
		if err != nil {
			return 0, err
		}
		labels := batch.Labels
		if task == seq2seq.SubTask {
			labels = batch.SubLabels
		}
		in := seq2seq.NewBatch(c, batch.Frames, nil, nil).Inputs
		decoded, err := m.DecodeTask(in, task, beamWidth, maxLen)
		if err != nil {
			return 0, essentials.AddCtx("eval error rate", err)
		}
		for i, d := range decoded {
			count.Add(unit, vocab.Decode(labels[i]), vocab.Decode(d.Tokens))
		}
		if last {
			return count.Rate(), nil
		}
	}
}

// EvalLoss computes the mean per-utterance loss over one
// epoch of it.
func EvalLoss(c anyvec.Creator, coster anysgd.Coster, it dataset.Iterator) (float64,
	error) {
	var total float64
	var count int
	for {
		batch, last, err := it.Next()
		if err != nil {
			return 0, err
		}
		b := seq2seq.NewBatch(c, batch.Frames, batch.Labels, batch.SubLabels)
		cost, err := coster.TotalCost(b)
		if err != nil {
			return 0, err
		}
		total += numericFloat(anyvec.Sum(cost.Output())) * float64(len(batch.IDs))
		count += len(batch.IDs)
		if last {
			return total / float64(count), nil
		}
	}
}

func creator(m *seq2seq.Model) anyvec.Creator {
	return m.Parameters()[0].Vector.Creator()
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", n))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
