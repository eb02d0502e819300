package anyasr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabReservedIDs(t *testing.T) {
	v, err := NewVocab([]string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, 5, v.NumClasses())
	assert.Equal(t, 7, v.Size())
	assert.Equal(t, 5, v.SOS())
	assert.Equal(t, 6, v.EOS())

	ids, err := v.Encode([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2, 0, 6}, ids)
	assert.Equal(t, []string{"c", "a"}, v.Decode(ids))
	assert.Equal(t, "<eos>", v.Token(6))

	_, err = v.Encode([]string{"z"})
	assert.Error(t, err)
}

func TestVocabDuplicate(t *testing.T) {
	_, err := NewVocab([]string{"a", "a"})
	assert.Error(t, err)
}

func TestVocabReadWrite(t *testing.T) {
	v, err := ReadVocab(strings.NewReader("sil 0\nah 1\n\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, v.NumClasses())
	id, ok := v.ID("b")
	assert.True(t, ok)
	assert.Equal(t, 2, id)

	var buf bytes.Buffer
	_, err = v.WriteTo(&buf)
	require.NoError(t, err)
	v1, err := ReadVocab(&buf)
	require.NoError(t, err)
	assert.Equal(t, v, v1)
}
