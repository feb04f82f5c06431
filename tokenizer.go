package main

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// GPT-2 byte-pair encoding via tiktoken.
const (
	gptEncoding  = "gpt2"
	gptVocabSize = 50257

	// endOfTextID separates documents in the token stream and pads the
	// final window of a crunched corpus. Padded positions carry mask 0 and
	// never enter the loss.
	endOfTextID = 50256
)

// Tokenizer wraps the GPT-2 BPE encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the GPT-2 encoding tables.
func NewTokenizer() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(gptEncoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %s encoding: %w", gptEncoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// Encode tokenizes text without special-token handling.
func (t *Tokenizer) Encode(text string) []int {
	return t.enc.EncodeOrdinary(text)
}

// Decode reassembles text from token IDs.
func (t *Tokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// VocabSize is the model vocabulary size for this encoding.
func (t *Tokenizer) VocabSize() int {
	return gptVocabSize
}

// CrunchDocuments concatenates tokenized documents, separated by
// end-of-text, into fixed-length training windows. All windows but the last
// are fully packed; the last is padded with end-of-text and mask zeros.
// encode is typically Tokenizer.Encode.
func CrunchDocuments(docs []string, encode func(string) []int, contextLen int) []Sequence {
	var stream []int
	for _, doc := range docs {
		if doc == "" {
			continue
		}
		stream = append(stream, encode(doc)...)
		stream = append(stream, endOfTextID)
	}
	if len(stream) == 0 {
		return nil
	}

	var seqs []Sequence
	for start := 0; start < len(stream); start += contextLen {
		end := start + contextLen
		tokens := make([]int, contextLen)
		mask := make([]byte, contextLen)

		if end <= len(stream) {
			copy(tokens, stream[start:end])
			for i := range mask {
				mask[i] = 1
			}
		} else {
			n := copy(tokens, stream[start:])
			for i := 0; i < n; i++ {
				mask[i] = 1
			}
			for i := n; i < contextLen; i++ {
				tokens[i] = endOfTextID
			}
		}

		seqs = append(seqs, Sequence{Tokens: tokens, Mask: mask})
	}
	return seqs
}
