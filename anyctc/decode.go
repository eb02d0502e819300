package anyctc

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/unixpickle/anydiff/anyseq"
	"gonum.org/v1/gonum/floats"
)

// Greedy decodes each sequence by taking the most likely
// symbol at every step, merging repeats, and dropping
// blanks.
func Greedy(seqs anyseq.Seq) [][]int {
	steps := seqSteps(seqs)
	res := make([][]int, len(steps))
	for i, seq := range steps {
		res[i] = []int{}
		last := -1
		for _, step := range seq {
			idx := floats.MaxIdx(step)
			if idx != last && idx != len(step)-1 {
				res[i] = append(res[i], idx)
			}
			last = idx
		}
	}
	return res
}

// BeamSearch decodes each sequence with a prefix beam
// search that keeps the beamWidth most likely label
// prefixes at every step.
func BeamSearch(seqs anyseq.Seq, beamWidth int) [][]int {
	if beamWidth < 1 {
		panic(fmt.Sprintf("invalid beam width: %d", beamWidth))
	}
	steps := seqSteps(seqs)
	res := make([][]int, len(steps))
	for i, seq := range steps {
		res[i] = prefixSearch(seq, beamWidth)
	}
	return res
}

// A prefix is a decoded label prefix with the log
// probabilities of the alignments which end in a blank
// and in its last label.
type prefix struct {
	Labels   []int
	Blank    float64
	NonBlank float64
}

func (p *prefix) Total() float64 {
	return addLogs(p.Blank, p.NonBlank)
}

func (p *prefix) key() string {
	parts := make([]string, len(p.Labels))
	for i, x := range p.Labels {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func prefixSearch(seq [][]float64, beamWidth int) []int {
	beam := []*prefix{{Labels: []int{}, Blank: 0, NonBlank: math.Inf(-1)}}
	for _, step := range seq {
		blank := len(step) - 1
		next := map[string]*prefix{}
		get := func(labels []int) *prefix {
			p := &prefix{Labels: labels, Blank: math.Inf(-1), NonBlank: math.Inf(-1)}
			if old, ok := next[p.key()]; ok {
				return old
			}
			next[p.key()] = p
			return p
		}
		for _, p := range beam {
			same := get(p.Labels)
			same.Blank = addLogs(same.Blank, p.Total()+step[blank])
			if len(p.Labels) > 0 {
				last := p.Labels[len(p.Labels)-1]
				same.NonBlank = addLogs(same.NonBlank, p.NonBlank+step[last])
			}
			for label, logProb := range step[:blank] {
				extended := get(append(append([]int{}, p.Labels...), label))
				score := p.Total()
				if len(p.Labels) > 0 && p.Labels[len(p.Labels)-1] == label {
					score = p.Blank
				}
				extended.NonBlank = addLogs(extended.NonBlank, score+logProb)
			}
		}
		beam = beam[:0]
		for _, p := range next {
			beam = append(beam, p)
		}
		sort.Slice(beam, func(i, j int) bool {
			ti, tj := beam[i].Total(), beam[j].Total()
			if ti != tj {
				return ti > tj
			}
			return beam[i].key() < beam[j].key()
		})
		if len(beam) > beamWidth {
			beam = beam[:beamWidth]
		}
	}
	return beam[0].Labels
}
