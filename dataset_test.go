package main

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSequences(n, contextLen, seed int) []Sequence {
	rng := rand.New(rand.NewSource(int64(seed)))
	seqs := make([]Sequence, n)
	for i := range seqs {
		tokens := make([]int, contextLen)
		mask := make([]byte, contextLen)
		for j := range tokens {
			tokens[j] = rng.Intn(100)
			mask[j] = 1
		}
		seqs[i] = Sequence{Tokens: tokens, Mask: mask}
	}
	return seqs
}

func TestShardRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_00000.bin")
	seqs := makeSequences(5, 8, 1)
	seqs[2].Mask[7] = 0 // one padded position survives the trip

	require.NoError(t, WriteShard(path, 8, seqs))

	got, err := ReadShard(path, 8)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range seqs {
		assert.Equal(t, seqs[i].Tokens, got[i].Tokens)
		assert.Equal(t, seqs[i].Mask, got[i].Mask)
	}
}

func TestReadShardRejectsWrongContextLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.bin")
	require.NoError(t, WriteShard(path, 8, makeSequences(2, 8, 1)))

	_, err := ReadShard(path, 16)
	require.Error(t, err)
}

func TestReadShardMissingFile(t *testing.T) {
	_, err := ReadShard(filepath.Join(t.TempDir(), "nope.bin"), 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestWriteShardRejectsWrongLengths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	bad := []Sequence{{Tokens: make([]int, 4), Mask: make([]byte, 4)}}
	require.Error(t, WriteShard(path, 8, bad))
}

func TestLoadSplitConcatenatesShardsInNameOrder(t *testing.T) {
	dir := t.TempDir()
	first := makeSequences(3, 8, 1)
	second := makeSequences(2, 8, 2)
	require.NoError(t, WriteShard(filepath.Join(dir, "shard_00000.bin"), 8, first))
	require.NoError(t, WriteShard(filepath.Join(dir, "shard_00001.bin"), 8, second))

	ds, err := LoadSplit(dir, 8)
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())

	assert.Equal(t, first[0].Tokens, ds.Sequences[0].Tokens)
	assert.Equal(t, second[0].Tokens, ds.Sequences[3].Tokens)
}

func TestLoadSplitEmptyDir(t *testing.T) {
	_, err := LoadSplit(t.TempDir(), 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestSplitDirLayout(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/data", "wikitext-103-v1-crunched", "train_context_len_1024"),
		SplitDir("/data", "wikitext-103-v1", "train", 1024))
}

func TestBatchesCoverEverySequenceOnce(t *testing.T) {
	ds := &Dataset{ContextLen: 8, Sequences: makeSequences(10, 8, 3)}

	batches := ds.Batches(4, true, rand.New(rand.NewSource(1)))
	require.Len(t, batches, 3)
	assert.Equal(t, 4, batches[0].Size())
	assert.Equal(t, 4, batches[1].Size())
	assert.Equal(t, 2, batches[2].Size())

	// Shuffling permutes, never drops or duplicates.
	seen := make(map[int]int)
	for _, b := range batches {
		for _, tokens := range b.Input {
			seen[tokens[0]*1000+tokens[1]]++
		}
	}
	total := 0
	for _, n := range seen {
		total += n
	}
	assert.Equal(t, 10, total)
}

func TestBatchesWithoutShuffleKeepOrder(t *testing.T) {
	ds := &Dataset{ContextLen: 8, Sequences: makeSequences(5, 8, 4)}

	batches := ds.Batches(2, false, nil)
	require.Len(t, batches, 3)
	assert.Equal(t, ds.Sequences[0].Tokens, batches[0].Input[0])
	assert.Equal(t, ds.Sequences[4].Tokens, batches[2].Input[0])
}

func TestBatchesShuffleIsSeedDeterministic(t *testing.T) {
	ds := &Dataset{ContextLen: 8, Sequences: makeSequences(16, 8, 5)}

	a := ds.Batches(4, true, rand.New(rand.NewSource(9)))
	b := ds.Batches(4, true, rand.New(rand.NewSource(9)))

	for i := range a {
		for j := range a[i].Input {
			assert.Equal(t, a[i].Input[j], b[i].Input[j])
		}
	}
}

func TestLoadDataset(t *testing.T) {
	base := t.TempDir()
	for _, split := range []string{"train", "valid"} {
		require.NoError(t, writeSplit(base, "tiny", split, 8, makeSequences(4, 8, 6), 2))
	}

	train, valid, err := LoadDataset(base, "tiny", 8)
	require.NoError(t, err)
	assert.Equal(t, 4, train.Len())
	assert.Equal(t, 4, valid.Len())
}

func TestLoadDatasetMissing(t *testing.T) {
	_, _, err := LoadDataset(t.TempDir(), "absent", 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}
