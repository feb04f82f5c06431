package main

import (
	"math"
)

// Backward counterparts of the forward operations in tensor.go. Each takes
// the activations cached during the forward pass plus the incoming gradient
// and returns gradients for its inputs.

// MatMulBackward computes gradients for C = A @ B:
// gradA = gradC @ B^T, gradB = A^T @ gradC.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// ReLUBackward passes gradients through where the pre-activation was
// positive.
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i := range x.data {
		if x.data[i] > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// GELUBackward computes the analytic derivative of the tanh-approximated
// GELU at the cached pre-activation x.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	for i := range x.data {
		v := x.data[i]
		inner := geluSqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)
		tanhDeriv := 1.0 - tanhInner*tanhInner
		innerDeriv := geluSqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv
		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes the row-wise softmax Jacobian-vector product:
// gradX[i] = Y[i] * (gradY[i] - sum_j gradY[j]*Y[j]).
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("autograd: SoftmaxBackward requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		yRow := y.data[r*cols : (r+1)*cols]
		gRow := gradY.data[r*cols : (r+1)*cols]
		outRow := gradX.data[r*cols : (r+1)*cols]

		dot := 0.0
		for i := range yRow {
			dot += gRow[i] * yRow[i]
		}
		for i := range yRow {
			outRow[i] = yRow[i] * (gRow[i] - dot)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients through y = gamma*(x-mean)/std + beta
// for each row of x independently.
func LayerNormBackward(x, gamma *Tensor, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("autograd: LayerNormBackward requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(cols)
	gradBeta = NewTensor(cols)

	n := float64(cols)

	for r := 0; r < rows; r++ {
		xRow := x.data[r*cols : (r+1)*cols]
		gRow := gradY.data[r*cols : (r+1)*cols]
		outRow := gradX.data[r*cols : (r+1)*cols]

		mean := 0.0
		for _, v := range xRow {
			mean += v
		}
		mean /= n

		variance := 0.0
		for _, v := range xRow {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		sumGradNorm := 0.0
		sumGradNormXNorm := 0.0
		for c := 0; c < cols; c++ {
			xNorm := (xRow[c] - mean) / std
			gradGamma.data[c] += gRow[c] * xNorm
			gradBeta.data[c] += gRow[c]

			gradNorm := gRow[c] * gamma.data[c]
			sumGradNorm += gradNorm
			sumGradNormXNorm += gradNorm * xNorm
		}

		for c := 0; c < cols; c++ {
			xNorm := (xRow[c] - mean) / std
			gradNorm := gRow[c] * gamma.data[c]
			outRow[c] = (n*gradNorm - sumGradNorm - xNorm*sumGradNormXNorm) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// DropoutBackward routes gradients through the cached keep mask, rescaled
// by the same 1/(1-p) factor used in the forward pass.
func DropoutBackward(mask *Tensor, p float64, gradY *Tensor) *Tensor {
	gradX := NewTensor(gradY.shape...)
	scale := 1.0 / (1.0 - p)
	for i := range gradY.data {
		gradX.data[i] = gradY.data[i] * mask.data[i] * scale
	}
	return gradX
}

// CrossEntropyBackward computes gradLogits = softmax(logits) - one_hot(target)
// for every position whose target mask is set, scaled by 1/scale so the
// accumulated gradient matches the mean loss over the effective batch.
// Masked positions contribute zero gradient.
func CrossEntropyBackward(logits *Tensor, targets []int, mask []byte, scale float64) *Tensor {
	if len(logits.shape) != 2 {
		panic("autograd: CrossEntropyBackward requires 2D logits")
	}

	seqLen := logits.shape[0]
	vocabSize := logits.shape[1]
	if len(targets) != seqLen {
		panic("autograd: target length mismatch")
	}

	valid := 0
	for i := range targets {
		if mask == nil || mask[i] != 0 {
			valid++
		}
	}

	gradLogits := NewTensor(seqLen, vocabSize)
	if valid == 0 {
		return gradLogits
	}

	probs := Softmax(logits)
	norm := 1.0 / (float64(valid) * scale)

	for i := 0; i < seqLen; i++ {
		if mask != nil && mask[i] == 0 {
			continue
		}
		for v := 0; v < vocabSize; v++ {
			g := probs.At(i, v)
			if v == targets[i] {
				g -= 1.0
			}
			gradLogits.Set(g*norm, i, v)
		}
	}

	return gradLogits
}

// AccumulateGrad adds grad into the tensor's gradient buffer.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("autograd: AccumulateGrad shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
