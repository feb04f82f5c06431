package main

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// initScale matches GPT-2's N(0, 0.02) weight initialization.
const initScale = 0.02

// LayerNorm normalizes activations across features for each position
// independently: y = gamma*(x-mean)/std + beta.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates an identity-initialized layer norm.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{dim: dim, eps: 1e-5, gamma: gamma, beta: beta}
}

// Forward applies layer normalization to each row of x.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("transformer: LayerNorm input must be 2D")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		xRow := x.data[r*cols : (r+1)*cols]
		outRow := out.data[r*cols : (r+1)*cols]

		mean := 0.0
		for _, v := range xRow {
			mean += v
		}
		mean /= float64(cols)

		variance := 0.0
		for _, v := range xRow {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(cols)

		std := math.Sqrt(variance + ln.eps)
		for c := 0; c < cols; c++ {
			outRow[c] = (xRow[c]-mean)/std*ln.gamma.data[c] + ln.beta.data[c]
		}
	}

	return out
}

// Attention is multi-head causal self-attention with a per-block inner
// width. The projections are rectangular: Wq/Wk/Wv map the master width E
// to the block width D, and Wo maps D back to E. When D < E the block is a
// bottleneck.
type Attention struct {
	masterDim int
	embedDim  int
	numHeads  int
	headDim   int
	dropout   float64

	wq, wk, wv *Tensor // (E, D)
	wo         *Tensor // (D, E)
	bq, bk, bv *Tensor // (D,), nil without bias
	bo         *Tensor // (E,), nil without bias

	// Causal mask shared across all blocks, sized (ContextLen, ContextLen).
	mask *Tensor
}

// NewAttention wires one attention sub-module. The config must already be
// validated; the divisibility invariant is re-checked as a guard against
// callers that skip validation.
func NewAttention(masterDim int, bc BlockConfig, dropout float64, mask *Tensor, rng *rand.Rand) *Attention {
	if bc.EmbedDim%bc.NumHeads != 0 {
		panic(fmt.Sprintf("transformer: embedding width %d not divisible by head count %d", bc.EmbedDim, bc.NumHeads))
	}

	a := &Attention{
		masterDim: masterDim,
		embedDim:  bc.EmbedDim,
		numHeads:  bc.NumHeads,
		headDim:   bc.EmbedDim / bc.NumHeads,
		dropout:   dropout,
		wq:        NewTensorRand(rng, initScale, masterDim, bc.EmbedDim),
		wk:        NewTensorRand(rng, initScale, masterDim, bc.EmbedDim),
		wv:        NewTensorRand(rng, initScale, masterDim, bc.EmbedDim),
		wo:        NewTensorRand(rng, initScale, bc.EmbedDim, masterDim),
		mask:      mask,
	}

	if bc.Bias {
		a.bq = NewTensor(bc.EmbedDim)
		a.bk = NewTensor(bc.EmbedDim)
		a.bv = NewTensor(bc.EmbedDim)
		a.bo = NewTensor(masterDim)
	}

	return a
}

// Forward computes attention output for x of shape (T, E) without caching
// or dropout. Used for evaluation and generation.
func (a *Attention) Forward(x *Tensor) *Tensor {
	out, _ := a.forward(x, false, nil)
	return out
}

func (a *Attention) forward(x *Tensor, train bool, rng *rand.Rand) (*Tensor, *AttentionCache) {
	if len(x.shape) != 2 {
		panic("transformer: attention input must be 2D")
	}

	seqLen := x.shape[0]
	cache := &AttentionCache{input: x}

	q := linear(x, a.wq, a.bq)
	k := linear(x, a.wk, a.bk)
	v := linear(x, a.wv, a.bv)
	cache.q, cache.k, cache.v = q, k, v

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	context := NewTensor(seqLen, a.embedDim)

	cache.weights = make([]*Tensor, a.numHeads)
	cache.weightMasks = make([]*Tensor, a.numHeads)

	for h := 0; h < a.numHeads; h++ {
		qh := a.sliceHead(q, h)
		kh := a.sliceHead(k, h)
		vh := a.sliceHead(v, h)

		scores := Scale(MatMul(qh, Transpose(kh)), scale)
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				if a.mask.At(i, j) == 0 {
					scores.Set(-1e9, i, j)
				}
			}
		}

		weights := Softmax(scores)
		cache.weights[h] = weights

		if train && a.dropout > 0 {
			weights, cache.weightMasks[h] = dropout(weights, a.dropout, rng)
		}

		ctx := MatMul(weights, vh)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				context.Set(ctx.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	cache.context = context
	out := linear(context, a.wo, a.bo)

	if train && a.dropout > 0 {
		out, cache.outMask = dropout(out, a.dropout, rng)
	}

	return out, cache
}

// sliceHead extracts head h from a (T, D) projection as a (T, headDim)
// tensor.
func (a *Attention) sliceHead(t *Tensor, h int) *Tensor {
	seqLen := t.shape[0]
	out := NewTensor(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		for d := 0; d < a.headDim; d++ {
			out.data[i*a.headDim+d] = t.data[i*a.embedDim+h*a.headDim+d]
		}
	}
	return out
}

// MLP is the position-wise feed-forward sub-module:
// y = act(x@W1 + b1)@W2 + b2, with dropout on the output during training.
type MLP struct {
	masterDim  int
	innerDim   int
	activation string
	dropout    float64

	w1 *Tensor // (E, I)
	w2 *Tensor // (I, E)
	b1 *Tensor // (I,), nil without bias
	b2 *Tensor // (E,), nil without bias
}

// NewMLP wires one feed-forward sub-module.
func NewMLP(masterDim, innerDim int, bc BlockConfig, dropout float64, rng *rand.Rand) *MLP {
	m := &MLP{
		masterDim:  masterDim,
		innerDim:   innerDim,
		activation: bc.Activation,
		dropout:    dropout,
		w1:         NewTensorRand(rng, initScale, masterDim, innerDim),
		w2:         NewTensorRand(rng, initScale, innerDim, masterDim),
	}
	if bc.Bias {
		m.b1 = NewTensor(innerDim)
		m.b2 = NewTensor(masterDim)
	}
	return m
}

// Forward applies the MLP without caching or dropout.
func (m *MLP) Forward(x *Tensor) *Tensor {
	out, _ := m.forward(x, false, nil)
	return out
}

func (m *MLP) forward(x *Tensor, train bool, rng *rand.Rand) (*Tensor, *MLPCache) {
	cache := &MLPCache{input: x}

	hidden := linear(x, m.w1, m.b1)
	cache.preAct = hidden

	switch m.activation {
	case ActReLU:
		hidden = ReLU(hidden)
	default:
		hidden = GELU(hidden)
	}
	cache.hidden = hidden

	out := linear(hidden, m.w2, m.b2)

	if train && m.dropout > 0 {
		out, cache.outMask = dropout(out, m.dropout, rng)
	}

	return out, cache
}

// Block pairs one attention sub-module with one MLP, pre-norm style:
//
//	x = x + attn(ln1(x))
//	x = x + mlp(ln2(x))
type Block struct {
	attn *Attention
	ln1  *LayerNorm
	mlp  *MLP
	ln2  *LayerNorm
}

// NewBlock builds one transformer layer from its block config.
func NewBlock(cfg ModelConfig, bc BlockConfig, mask *Tensor, rng *rand.Rand) *Block {
	return &Block{
		attn: NewAttention(cfg.EmbedDim, bc, cfg.Dropout, mask, rng),
		ln1:  NewLayerNorm(cfg.EmbedDim),
		mlp:  NewMLP(cfg.EmbedDim, cfg.innerDim(bc), bc, cfg.Dropout, rng),
		ln2:  NewLayerNorm(cfg.EmbedDim),
	}
}

// Forward applies the block without caching or dropout.
func (b *Block) Forward(x *Tensor) *Tensor {
	x = Add(x, b.attn.Forward(b.ln1.Forward(x)))
	x = Add(x, b.mlp.Forward(b.ln2.Forward(x)))
	return x
}

// LM is a GPT-2-style causal language model: token and position embeddings,
// a stack of blocks sharing one causal mask, a final layer norm, and a
// linear head to vocabulary logits.
type LM struct {
	config ModelConfig

	tokenEmbed *Tensor // (V, E)
	posEmbed   *Tensor // (ContextLen, E)
	blocks     []*Block
	lnFinal    *LayerNorm
	lmHead     *Tensor // (E, V)
	mask       *Tensor // (ContextLen, ContextLen) causal mask
}

// NewLM validates the configuration and builds the model. Validation errors
// surface before any weight allocation.
func NewLM(cfg ModelConfig, rng *rand.Rand) (*LM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mask := NewTensor(cfg.ContextLen, cfg.ContextLen)
	for i := 0; i < cfg.ContextLen; i++ {
		for j := 0; j <= i; j++ {
			mask.Set(1.0, i, j)
		}
	}

	blocks := make([]*Block, len(cfg.Blocks))
	for i, bc := range cfg.Blocks {
		blocks[i] = NewBlock(cfg, bc, mask, rng)
	}

	return &LM{
		config:     cfg,
		tokenEmbed: NewTensorRand(rng, initScale, cfg.VocabSize, cfg.EmbedDim),
		posEmbed:   NewTensorRand(rng, initScale, cfg.ContextLen, cfg.EmbedDim),
		blocks:     blocks,
		lnFinal:    NewLayerNorm(cfg.EmbedDim),
		lmHead:     NewTensorRand(rng, initScale, cfg.EmbedDim, cfg.VocabSize),
		mask:       mask,
	}, nil
}

// Config returns the model's immutable configuration.
func (lm *LM) Config() ModelConfig {
	return lm.config
}

// embed builds the (T, E) input activations from token and position
// embeddings.
func (lm *LM) embed(inputIDs []int) *Tensor {
	seqLen := len(inputIDs)
	if seqLen > lm.config.ContextLen {
		panic(fmt.Sprintf("transformer: sequence length %d exceeds context length %d", seqLen, lm.config.ContextLen))
	}

	e := lm.config.EmbedDim
	x := NewTensor(seqLen, e)
	for i, tokenID := range inputIDs {
		if tokenID < 0 || tokenID >= lm.config.VocabSize {
			panic(fmt.Sprintf("transformer: token ID %d out of vocabulary range [0,%d)", tokenID, lm.config.VocabSize))
		}
		for d := 0; d < e; d++ {
			x.data[i*e+d] = lm.tokenEmbed.data[tokenID*e+d] + lm.posEmbed.data[i*e+d]
		}
	}
	return x
}

// Forward computes (T, V) logits for the input token IDs. Evaluation path:
// no activation caching, no dropout.
func (lm *LM) Forward(inputIDs []int) *Tensor {
	x := lm.embed(inputIDs)
	for _, block := range lm.blocks {
		x = block.Forward(x)
	}
	x = lm.lnFinal.Forward(x)
	return MatMul(x, lm.lmHead)
}

// Parameters returns all trainable tensors in serialization order. The
// order is load-bearing: checkpoints write and read tensors in exactly this
// sequence.
func (lm *LM) Parameters() []*Tensor {
	params := []*Tensor{lm.tokenEmbed, lm.posEmbed}

	for _, b := range lm.blocks {
		params = append(params, b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo)
		if b.attn.bq != nil {
			params = append(params, b.attn.bq, b.attn.bk, b.attn.bv, b.attn.bo)
		}
		params = append(params, b.ln1.gamma, b.ln1.beta)
		params = append(params, b.mlp.w1, b.mlp.w2)
		if b.mlp.b1 != nil {
			params = append(params, b.mlp.b1, b.mlp.b2)
		}
		params = append(params, b.ln2.gamma, b.ln2.beta)
	}

	params = append(params, lm.lnFinal.gamma, lm.lnFinal.beta, lm.lmHead)
	return params
}

// NumParameters counts the model's trainable scalars.
func (lm *LM) NumParameters() int {
	total := 0
	for _, p := range lm.Parameters() {
		total += p.Size()
	}
	return total
}

// SampleConfig controls generation sampling.
type SampleConfig struct {
	Temperature float64 // 0 means greedy
	TopK        int     // 0 disables top-k filtering
}

// Generate produces up to maxTokens new tokens autoregressively.
func (lm *LM) Generate(prompt []int, maxTokens int, sc SampleConfig, rng *rand.Rand) []int {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)

	for i := 0; i < maxTokens; i++ {
		window := tokens
		if len(window) > lm.config.ContextLen {
			window = window[len(window)-lm.config.ContextLen:]
		}

		logits := lm.Forward(window)
		last := make([]float64, lm.config.VocabSize)
		lastPos := len(window) - 1
		for v := 0; v < lm.config.VocabSize; v++ {
			last[v] = logits.At(lastPos, v)
		}

		tokens = append(tokens, sampleToken(last, sc, rng))
	}

	return tokens
}

// sampleToken picks the next token from raw logits.
func sampleToken(logits []float64, sc SampleConfig, rng *rand.Rand) int {
	if sc.Temperature == 0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = l / sc.Temperature
	}
	probs := softmaxSlice(scaled)

	if sc.TopK > 0 && sc.TopK < len(probs) {
		probs = topK(probs, sc.TopK)
	}

	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

func argmax(data []float64) int {
	maxIdx := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}

func softmaxSlice(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// topK zeroes all but the k most probable entries and renormalizes.
func topK(probs []float64, k int) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })

	filtered := make([]float64, len(probs))
	total := 0.0
	for _, i := range idx[:k] {
		filtered[i] = probs[i]
		total += probs[i]
	}
	if total > 0 {
		for i := range filtered {
			filtered[i] /= total
		}
	}
	return filtered
}

// linear computes x@w (+ bias broadcast over rows when b is non-nil).
func linear(x, w, b *Tensor) *Tensor {
	out := MatMul(x, w)
	if b != nil {
		rows, cols := out.shape[0], out.shape[1]
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out.data[i*cols+j] += b.data[j]
			}
		}
	}
	return out
}

// dropout zeroes each element with probability p and rescales survivors by
// 1/(1-p). Returns the output and the keep mask for the backward pass.
func dropout(x *Tensor, p float64, rng *rand.Rand) (*Tensor, *Tensor) {
	out := NewTensor(x.shape...)
	mask := NewTensor(x.shape...)
	scale := 1.0 / (1.0 - p)
	for i := range x.data {
		if rng.Float64() >= p {
			mask.data[i] = 1.0
			out.data[i] = x.data[i] * scale
		}
	}
	return out, mask
}
