package main

import (
	"math"
	"math/rand"
)

// Activation caches for backpropagation. The training path stores every
// intermediate the backward pass needs, including dropout keep masks, so
// gradients are exact for the sampled network.

// ForwardCache stores per-step activations for the whole model.
type ForwardCache struct {
	tokenIDs    []int
	blockCaches []*BlockCache
	lnFinalIn   *Tensor
	lnFinalOut  *Tensor
}

// BlockCache stores activations for one block.
type BlockCache struct {
	input     *Tensor // block input, feeds ln1 and residual 1
	x1        *Tensor // after attention residual, feeds ln2 and residual 2
	attnCache *AttentionCache
	mlpCache  *MLPCache
}

// AttentionCache stores activations for one attention sub-module.
type AttentionCache struct {
	input   *Tensor // ln1 output, shared by the q/k/v projections
	q, k, v *Tensor // (T, D)
	context *Tensor // concatenated head outputs (T, D)

	weights     []*Tensor // per-head softmax output (T, T)
	weightMasks []*Tensor // per-head dropout keep masks, nil when not training
	outMask     *Tensor   // output dropout keep mask
}

// MLPCache stores activations for one MLP sub-module.
type MLPCache struct {
	input   *Tensor // ln2 output
	preAct  *Tensor // before activation
	hidden  *Tensor // after activation
	outMask *Tensor // output dropout keep mask
}

// ForwardWithCache runs the training forward pass: dropout active, all
// activations cached for Backward. rng drives the dropout masks and comes
// from the session so runs are reproducible per seed.
func (lm *LM) ForwardWithCache(inputIDs []int, rng *rand.Rand) (*Tensor, *ForwardCache) {
	cache := &ForwardCache{
		tokenIDs:    inputIDs,
		blockCaches: make([]*BlockCache, len(lm.blocks)),
	}

	x := lm.embed(inputIDs)
	for i, block := range lm.blocks {
		x, cache.blockCaches[i] = block.forwardWithCache(x, rng)
	}

	cache.lnFinalIn = x
	x = lm.lnFinal.Forward(x)
	cache.lnFinalOut = x

	return MatMul(x, lm.lmHead), cache
}

func (b *Block) forwardWithCache(x *Tensor, rng *rand.Rand) (*Tensor, *BlockCache) {
	cache := &BlockCache{input: x}

	attnOut, attnCache := b.attn.forward(b.ln1.Forward(x), true, rng)
	cache.attnCache = attnCache

	x1 := Add(x, attnOut)
	cache.x1 = x1

	mlpOut, mlpCache := b.mlp.forward(b.ln2.Forward(x1), true, rng)
	cache.mlpCache = mlpCache

	return Add(x1, mlpOut), cache
}

// Backward accumulates parameter gradients for one sequence given the loss
// gradient w.r.t. the logits. Gradients add across calls; the optimizer
// step clears them.
func (lm *LM) Backward(gradLogits *Tensor, cache *ForwardCache) {
	// logits = lnFinalOut @ lmHead
	gradLnOut, gradHead := MatMulBackward(cache.lnFinalOut, lm.lmHead, gradLogits)
	lm.lmHead.AccumulateGrad(gradHead)

	gradX, gradGamma, gradBeta := LayerNormBackward(cache.lnFinalIn, lm.lnFinal.gamma, gradLnOut, lm.lnFinal.eps)
	lm.lnFinal.gamma.AccumulateGrad(gradGamma)
	lm.lnFinal.beta.AccumulateGrad(gradBeta)

	for layer := len(lm.blocks) - 1; layer >= 0; layer-- {
		gradX = lm.blocks[layer].backward(gradX, cache.blockCaches[layer])
	}

	// Embedding gradients: token rows scatter-add, position rows are 1:1.
	e := lm.config.EmbedDim
	for i, tokenID := range cache.tokenIDs {
		for d := 0; d < e; d++ {
			g := gradX.data[i*e+d]
			lm.tokenEmbed.grad[tokenID*e+d] += g
			lm.posEmbed.grad[i*e+d] += g
		}
	}
}

func (b *Block) backward(gradOut *Tensor, cache *BlockCache) *Tensor {
	// x2 = x1 + mlp(ln2(x1))
	gradLn2Out := b.mlp.backward(gradOut, cache.mlpCache)
	gradX1FromLn, gradGamma2, gradBeta2 := LayerNormBackward(cache.x1, b.ln2.gamma, gradLn2Out, b.ln2.eps)
	b.ln2.gamma.AccumulateGrad(gradGamma2)
	b.ln2.beta.AccumulateGrad(gradBeta2)

	gradX1 := Add(gradOut, gradX1FromLn)

	// x1 = x + attn(ln1(x))
	gradLn1Out := b.attn.backward(gradX1, cache.attnCache)
	gradXFromLn, gradGamma1, gradBeta1 := LayerNormBackward(cache.input, b.ln1.gamma, gradLn1Out, b.ln1.eps)
	b.ln1.gamma.AccumulateGrad(gradGamma1)
	b.ln1.beta.AccumulateGrad(gradBeta1)

	return Add(gradX1, gradXFromLn)
}

func (m *MLP) backward(gradOut *Tensor, cache *MLPCache) *Tensor {
	if cache.outMask != nil {
		gradOut = DropoutBackward(cache.outMask, m.dropout, gradOut)
	}

	// out = hidden @ w2 + b2
	gradHidden, gradW2 := MatMulBackward(cache.hidden, m.w2, gradOut)
	m.w2.AccumulateGrad(gradW2)
	if m.b2 != nil {
		accumulateBiasGrad(m.b2, gradOut)
	}

	var gradPre *Tensor
	switch m.activation {
	case ActReLU:
		gradPre = ReLUBackward(cache.preAct, gradHidden)
	default:
		gradPre = GELUBackward(cache.preAct, gradHidden)
	}

	// hidden = input @ w1 + b1
	gradInput, gradW1 := MatMulBackward(cache.input, m.w1, gradPre)
	m.w1.AccumulateGrad(gradW1)
	if m.b1 != nil {
		accumulateBiasGrad(m.b1, gradPre)
	}

	return gradInput
}

func (a *Attention) backward(gradOut *Tensor, cache *AttentionCache) *Tensor {
	if cache.outMask != nil {
		gradOut = DropoutBackward(cache.outMask, a.dropout, gradOut)
	}

	// out = context @ wo + bo
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)
	if a.bo != nil {
		accumulateBiasGrad(a.bo, gradOut)
	}

	seqLen := cache.input.shape[0]
	gradQ := NewTensor(seqLen, a.embedDim)
	gradK := NewTensor(seqLen, a.embedDim)
	gradV := NewTensor(seqLen, a.embedDim)

	dropScale := 1.0 / (1.0 - a.dropout)

	for h := 0; h < a.numHeads; h++ {
		qh := a.sliceHead(cache.q, h)
		kh := a.sliceHead(cache.k, h)
		vh := a.sliceHead(cache.v, h)
		gradCtxH := a.sliceHead(gradContext, h)

		weights := cache.weights[h]

		// context_h = droppedWeights @ v_h; rebuild the dropped weights
		// from the cached softmax output and keep mask.
		droppedWeights := weights
		if cache.weightMasks[h] != nil {
			droppedWeights = NewTensor(weights.shape...)
			maskData := cache.weightMasks[h].data
			for i := range weights.data {
				droppedWeights.data[i] = weights.data[i] * maskData[i] * dropScale
			}
		}

		gradDropped, gradVh := MatMulBackward(droppedWeights, vh, gradCtxH)

		gradWeights := gradDropped
		if cache.weightMasks[h] != nil {
			gradWeights = DropoutBackward(cache.weightMasks[h], a.dropout, gradDropped)
		}

		gradScores := SoftmaxBackward(weights, gradWeights)
		gradScores = Scale(gradScores, 1.0/math.Sqrt(float64(a.headDim)))

		// scores = q_h @ k_h^T
		gradQh, gradKhT := MatMulBackward(qh, Transpose(kh), gradScores)
		gradKh := Transpose(gradKhT)

		a.scatterHead(gradQ, gradQh, h)
		a.scatterHead(gradK, gradKh, h)
		a.scatterHead(gradV, gradVh, h)
	}

	// q/k/v = input @ W + b share the same input; gradients add.
	gradInQ, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)
	gradInK, gradWk := MatMulBackward(cache.input, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)
	gradInV, gradWv := MatMulBackward(cache.input, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)

	if a.bq != nil {
		accumulateBiasGrad(a.bq, gradQ)
		accumulateBiasGrad(a.bk, gradK)
		accumulateBiasGrad(a.bv, gradV)
	}

	return Add(Add(gradInQ, gradInK), gradInV)
}

// scatterHead writes a (T, headDim) head gradient into its slot of a
// (T, D) tensor.
func (a *Attention) scatterHead(dst, src *Tensor, h int) {
	seqLen := src.shape[0]
	for i := 0; i < seqLen; i++ {
		for d := 0; d < a.headDim; d++ {
			dst.data[i*a.embedDim+h*a.headDim+d] = src.data[i*a.headDim+d]
		}
	}
}

// accumulateBiasGrad adds the column sums of grad (rows, cols) into a
// (cols,) bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	rows, cols := grad.shape[0], grad.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			bias.grad[j] += grad.data[i*cols+j]
		}
	}
}
