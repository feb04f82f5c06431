package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteEncode stands in for the BPE so crunching tests run offline.
func byteEncode(s string) []int {
	out := make([]int, len(s))
	for i := range s {
		out[i] = int(s[i])
	}
	return out
}

func TestCrunchDocumentsPacksFixedWindows(t *testing.T) {
	// 3 + 1 separator + 3 + 1 separator = 8 tokens, context 4: two full windows.
	seqs := CrunchDocuments([]string{"abc", "xyz"}, byteEncode, 4)

	require.Len(t, seqs, 2)
	assert.Equal(t, []int{'a', 'b', 'c', endOfTextID}, seqs[0].Tokens)
	assert.Equal(t, []int{'x', 'y', 'z', endOfTextID}, seqs[1].Tokens)
	for _, seq := range seqs {
		assert.Equal(t, []byte{1, 1, 1, 1}, seq.Mask)
	}
}

func TestCrunchDocumentsPadsFinalWindow(t *testing.T) {
	// 2 + 1 separator = 3 tokens, context 4: one padded window.
	seqs := CrunchDocuments([]string{"ab"}, byteEncode, 4)

	require.Len(t, seqs, 1)
	assert.Equal(t, []int{'a', 'b', endOfTextID, endOfTextID}, seqs[0].Tokens)
	assert.Equal(t, []byte{1, 1, 1, 0}, seqs[0].Mask)
}

func TestCrunchDocumentsSkipsEmptyDocs(t *testing.T) {
	seqs := CrunchDocuments([]string{"", "ab", ""}, byteEncode, 4)

	require.Len(t, seqs, 1)
	assert.Equal(t, []int{'a', 'b', endOfTextID, endOfTextID}, seqs[0].Tokens)
}

func TestCrunchDocumentsEmptyCorpus(t *testing.T) {
	assert.Nil(t, CrunchDocuments(nil, byteEncode, 4))
	assert.Nil(t, CrunchDocuments([]string{""}, byteEncode, 4))
}

func TestCrunchDocumentsLongDocumentSpansWindows(t *testing.T) {
	doc := strings.Repeat("a", 10) // 10 + separator = 11 tokens, context 4
	seqs := CrunchDocuments([]string{doc}, byteEncode, 4)

	require.Len(t, seqs, 3)
	assert.Equal(t, []byte{1, 1, 1, 1}, seqs[0].Mask)
	assert.Equal(t, []byte{1, 1, 1, 1}, seqs[1].Mask)
	assert.Equal(t, []byte{1, 1, 1, 0}, seqs[2].Mask)
	assert.Equal(t, endOfTextID, seqs[2].Tokens[2])
}
