package anyasr

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/unixpickle/essentials"
)

// A Vocab is an immutable bijection between token strings
// and integer ids.
//
// Ids 0 through NumClasses()-1 belong to the supplied
// tokens.
// Two more ids are reserved after them: SOS() marks the
// start of a sequence and EOS() marks its end.
type Vocab struct {
	tokens []string
	ids    map[string]int
}

// NewVocab creates a vocabulary from a list of distinct
// tokens.
func NewVocab(tokens []string) (*Vocab, error) {
	v := &Vocab{
		tokens: append([]string{}, tokens...),
		ids:    map[string]int{},
	}
	for i, tok := range tokens {
		if _, ok := v.ids[tok]; ok {
			return nil, fmt.Errorf("new vocab: duplicate token %q", tok)
		}
		v.ids[tok] = i
	}
	return v, nil
}

// ReadVocab reads a dictionary with one token per line.
// An optional second whitespace-separated column is
// ignored, which allows "token id" dictionaries.
func ReadVocab(r io.Reader) (*Vocab, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		tokens = append(tokens, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, essentials.AddCtx("read vocab", err)
	}
	return NewVocab(tokens)
}

// WriteTo writes the dictionary in the format read by
// ReadVocab.
func (v *Vocab) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i, tok := range v.tokens {
		n, err := fmt.Fprintf(w, "%s %d\n", tok, i)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NumClasses returns the number of regular tokens.
func (v *Vocab) NumClasses() int {
	return len(v.tokens)
}

// Size returns the number of output classes, including
// the two reserved ids.
func (v *Vocab) Size() int {
	return len(v.tokens) + 2
}

// SOS returns the start-of-sequence id.
func (v *Vocab) SOS() int {
	return len(v.tokens)
}

// EOS returns the end-of-sequence id.
func (v *Vocab) EOS() int {
	return len(v.tokens) + 1
}

// ID looks up the id of a token.
func (v *Vocab) ID(tok string) (int, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// Token returns the string for an id.
// Reserved ids map to "<sos>" and "<eos>".
func (v *Vocab) Token(id int) string {
	switch {
	case id == v.SOS():
		return "<sos>"
	case id == v.EOS():
		return "<eos>"
	case id >= 0 && id < len(v.tokens):
		return v.tokens[id]
	default:
		return fmt.Sprintf("<unk:%d>", id)
	}
}

// Encode converts tokens to ids and surrounds them with
// the start and end markers.
func (v *Vocab) Encode(tokens []string) ([]int, error) {
	res := []int{v.SOS()}
	for _, tok := range tokens {
		id, ok := v.ids[tok]
		if !ok {
			return nil, fmt.Errorf("encode: unknown token %q", tok)
		}
		res = append(res, id)
	}
	return append(res, v.EOS()), nil
}

// Decode converts ids to tokens, dropping the reserved
// markers.
func (v *Vocab) Decode(ids []int) []string {
	var res []string
	for _, id := range ids {
		if id == v.SOS() || id == v.EOS() {
			continue
		}
		res = append(res, v.Token(id))
	}
	return res
}
