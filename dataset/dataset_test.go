package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anyasr"
)

func testVocab(t *testing.T, tokens ...string) *anyasr.Vocab {
	v, err := anyasr.NewVocab(tokens)
	require.NoError(t, err)
	return v
}

func testUtterances(n int) []*Utterance {
	var res []*Utterance
	for i := 0; i < n; i++ {
		u := &Utterance{
			ID:        fmt.Sprintf("utt%03d", i),
			Labels:    []string{"a", "b"}[:1+i%2],
			SubLabels: []string{"x"},
		}
		for j := 0; j < 3+(i*7)%11; j++ {
			u.Frames = append(u.Frames, []float64{float64(i), float64(j), 1})
		}
		res = append(res, u)
	}
	return res
}

func TestSetEpochs(t *testing.T) {
	utts := testUtterances(10)
	set, err := NewSet(utts, testVocab(t, "a", "b"), testVocab(t, "x"), Config{
		BatchSize:    3,
		Splice:       3,
		Stack:        2,
		Shuffle:      true,
		SortByLength: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, set.Len())
	assert.Equal(t, 18, set.InputDim())

	for epoch := 0; epoch < 2; epoch++ {
		var ids []string
		for i := 0; i < 4; i++ {
			batch, last, err := set.Next()
			require.NoError(t, err)
			assert.Equal(t, i == 3, last)
			ids = append(ids, batch.IDs...)
			for j, frames := range batch.Frames {
				assert.Equal(t, 18, len(frames[0]))
				assert.Equal(t, 2, batch.Labels[j][0], "starts with SOS")
				assert.Equal(t, []int{1, 0, 2}, batch.SubLabels[j])
			}
		}
		sort.Strings(ids)
		var expected []string
		for _, u := range utts {
			expected = append(expected, u.ID)
		}
		assert.Equal(t, expected, ids)
		assert.Equal(t, epoch+1, set.Epoch())
		assert.Equal(t, float64(epoch+1), set.EpochDetail())
	}
}

func TestSetSorted(t *testing.T) {
	set, err := NewSet(testUtterances(12), testVocab(t, "a", "b"), nil, Config{
		BatchSize:    4,
		SortByLength: true,
	})
	require.NoError(t, err)
	prevMax := 0
	for i := 0; i < 3; i++ {
		batch, _, err := set.Next()
		require.NoError(t, err)
		assert.Nil(t, batch.SubLabels)
		for _, f := range batch.Frames {
			assert.True(t, len(f) >= prevMax)
		}
		for _, f := range batch.Frames {
			if len(f) > prevMax {
				prevMax = len(f)
			}
		}
	}
	assert.InDelta(t, 1, set.EpochDetail(), 1e-12)
}

func TestNewSetErrors(t *testing.T) {
	vocab := testVocab(t, "a", "b")
	_, err := NewSet(testUtterances(3), testVocab(t, "a"), nil, Config{BatchSize: 1})
	assert.Error(t, err, "unknown token")
	_, err = NewSet(testUtterances(3), vocab, nil, Config{})
	assert.Error(t, err, "batch size")
	_, err = NewSet(testUtterances(3), vocab, nil, Config{BatchSize: 1, MaxFrames: 1})
	assert.Error(t, err, "everything filtered")

	utts := testUtterances(2)
	utts[1].Frames[0] = []float64{1}
	_, err = NewSet(utts, vocab, nil, Config{BatchSize: 1})
	assert.Error(t, err, "ragged frames")
}

func TestSplit(t *testing.T) {
	utts := UtteranceList(testUtterances(200))
	train, dev := Split(utts, 0.25)
	assert.Equal(t, len(utts), len(train)+len(dev))
	assert.True(t, len(dev) > 20 && len(dev) < 80)

	train2, dev2 := Split(utts, 0.25)
	assert.ElementsMatch(t, train, train2)
	assert.ElementsMatch(t, dev, dev2)

	seen := map[string]bool{}
	for _, u := range train {
		seen[u.ID] = true
	}
	for _, u := range dev {
		assert.False(t, seen[u.ID])
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	utts := testUtterances(7)
	paths := []string{filepath.Join(dir, "a.msgpack"), filepath.Join(dir, "b.msgpack")}
	require.NoError(t, WriteFile(paths[0], utts[:4]))
	require.NoError(t, WriteFile(paths[1], utts[4:]))

	loaded, err := LoadFiles(context.Background(), paths, nil)
	require.NoError(t, err)
	assert.Equal(t, utts, loaded)

	_, err = LoadFiles(context.Background(), append(paths, filepath.Join(dir, "c")), nil)
	assert.Error(t, err)
}

func TestPrefetch(t *testing.T) {
	cfg := Config{BatchSize: 2}
	direct, err := NewSet(testUtterances(5), testVocab(t, "a", "b"), nil, cfg)
	require.NoError(t, err)
	inner, err := NewSet(testUtterances(5), testVocab(t, "a", "b"), nil, cfg)
	require.NoError(t, err)

	p := Prefetch(context.Background(), inner)
	defer p.Close()
	assert.Equal(t, 5, p.Len())
	for i := 0; i < 7; i++ {
		expected, expectedLast, _ := direct.Next()
		actual, last, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, expected, actual)
		assert.Equal(t, expectedLast, last)
		assert.Equal(t, direct.Epoch(), p.Epoch())
		assert.Equal(t, direct.EpochDetail(), p.EpochDetail())
	}
}
