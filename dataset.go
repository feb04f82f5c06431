package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ErrDatasetNotFound indicates a missing dataset directory or an empty
// split. Fatal at startup; there is no retry.
var ErrDatasetNotFound = errors.New("dataset: not found")

// shardMagic guards against reading something that is not a token shard.
const shardMagic = "mtshard"

// Sequence is one pre-grouped, pre-padded training example: a fixed-length
// window of token IDs plus its attention mask (1 = real token, 0 = padding).
type Sequence struct {
	Tokens []int
	Mask   []byte
}

// Dataset holds every sequence of one split, loaded fully into memory.
type Dataset struct {
	ContextLen int
	Sequences  []Sequence
}

// Len returns the number of sequences.
func (d *Dataset) Len() int {
	return len(d.Sequences)
}

// Batch is a fixed-size window of sequences owned by one loop iteration.
type Batch struct {
	Input [][]int
	Mask  [][]byte
}

// Size returns the number of sequences in the batch.
func (b Batch) Size() int {
	return len(b.Input)
}

// Batches slices the dataset into micro-batches of at most batchSize
// sequences. Training batches are shuffled with the session rng; validation
// batches keep dataset order.
func (d *Dataset) Batches(batchSize int, shuffle bool, rng *rand.Rand) []Batch {
	order := make([]int, len(d.Sequences))
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}

		batch := Batch{
			Input: make([][]int, 0, end-start),
			Mask:  make([][]byte, 0, end-start),
		}
		for _, idx := range order[start:end] {
			batch.Input = append(batch.Input, d.Sequences[idx].Tokens)
			batch.Mask = append(batch.Mask, d.Sequences[idx].Mask)
		}
		batches = append(batches, batch)
	}

	return batches
}

// SplitDir resolves the on-disk layout for a crunched split:
// {base}/{dataset}-crunched/{split}_context_len_{N}.
func SplitDir(base, dataset, split string, contextLen int) string {
	return filepath.Join(base, dataset+"-crunched",
		fmt.Sprintf("%s_context_len_%d", split, contextLen))
}

// LoadSplit reads every shard of one split directory. Shards load in
// parallel; sequence order follows the sorted shard file names so loads are
// deterministic.
func LoadSplit(dir string, contextLen int) (*Dataset, error) {
	shards, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards in %s", ErrDatasetNotFound, dir)
	}
	sort.Strings(shards)

	perShard := make([][]Sequence, len(shards))
	var g errgroup.Group
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			seqs, err := ReadShard(shard, contextLen)
			if err != nil {
				return err
			}
			perShard[i] = seqs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ds := &Dataset{ContextLen: contextLen}
	for _, seqs := range perShard {
		ds.Sequences = append(ds.Sequences, seqs...)
	}
	return ds, nil
}

// LoadDataset loads the train and valid splits for a dataset identifier
// under the data base directory.
func LoadDataset(base, dataset string, contextLen int) (train, valid *Dataset, err error) {
	train, err = LoadSplit(SplitDir(base, dataset, "train", contextLen), contextLen)
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	valid, err = LoadSplit(SplitDir(base, dataset, "valid", contextLen), contextLen)
	if err != nil {
		return nil, nil, fmt.Errorf("valid split: %w", err)
	}
	return train, valid, nil
}

// shardHeader is the JSON header at the front of every shard file.
type shardHeader struct {
	Magic        string `json:"magic"`
	ContextLen   int    `json:"context_length"`
	NumSequences int    `json:"num_sequences"`
}

// WriteShard serializes sequences to a shard file: a uint32 JSON-header
// length, the header, then per sequence the int32 token IDs followed by the
// uint8 attention mask, all little-endian.
func WriteShard(path string, contextLen int, seqs []Sequence) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: create shard: %w", err)
	}
	defer f.Close()

	header, err := json.Marshal(shardHeader{
		Magic:        shardMagic,
		ContextLen:   contextLen,
		NumSequences: len(seqs),
	})
	if err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return err
	}

	ids := make([]int32, contextLen)
	for _, seq := range seqs {
		if len(seq.Tokens) != contextLen || len(seq.Mask) != contextLen {
			return fmt.Errorf("dataset: sequence length %d does not match context length %d", len(seq.Tokens), contextLen)
		}
		for i, t := range seq.Tokens {
			ids[i] = int32(t)
		}
		if err := binary.Write(f, binary.LittleEndian, ids); err != nil {
			return err
		}
		if _, err := f.Write(seq.Mask); err != nil {
			return err
		}
	}

	return nil
}

// ReadShard loads one shard file and verifies its context length.
func ReadShard(path string, contextLen int) ([]Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("dataset: read header length: %w", err)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}

	var header shardHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("dataset: parse header: %w", err)
	}
	if header.Magic != shardMagic {
		return nil, fmt.Errorf("dataset: %s is not a token shard", path)
	}
	if header.ContextLen != contextLen {
		return nil, fmt.Errorf("dataset: shard context length %d, want %d", header.ContextLen, contextLen)
	}

	seqs := make([]Sequence, header.NumSequences)
	ids := make([]int32, header.ContextLen)
	for s := range seqs {
		if err := binary.Read(f, binary.LittleEndian, ids); err != nil {
			return nil, fmt.Errorf("dataset: read tokens: %w", err)
		}
		tokens := make([]int, header.ContextLen)
		for i, t := range ids {
			tokens[i] = int(t)
		}

		mask := make([]byte, header.ContextLen)
		if _, err := io.ReadFull(f, mask); err != nil {
			return nil, fmt.Errorf("dataset: read mask: %w", err)
		}

		seqs[s] = Sequence{Tokens: tokens, Mask: mask}
	}

	return seqs, nil
}
