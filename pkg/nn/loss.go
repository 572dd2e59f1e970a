package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxInPlace replaces row with its softmax.
func SoftmaxInPlace(row []float64) {
	hi := floats.Max(row)
	sum := 0.0
	for j, v := range row {
		e := math.Exp(v - hi)
		row[j] = e
		sum += e
	}
	floats.Scale(1/sum, row)
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// SoftmaxCrossEntropy returns the mean negative log-likelihood of labels
// under softmax(logits) and its gradient with respect to logits.
func SoftmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)
	loss := 0.0
	for i := 0; i < rows; i++ {
		p := grad.RawRowView(i)
		copy(p, logits.RawRowView(i))
		SoftmaxInPlace(p)
		loss -= math.Log(math.Max(p[labels[i]], math.SmallestNonzeroFloat64))
		p[labels[i]] -= 1
	}
	n := float64(rows)
	grad.Scale(1/n, grad)
	return loss / n, grad
}

// BCEWithLogits returns the mean binary cross-entropy of sigmoid(x) against
// targets y, computed in the numerically stable form, and dL/dx.
func BCEWithLogits(x, y []float64) (float64, []float64) {
	n := float64(len(x))
	grad := make([]float64, len(x))
	loss := 0.0
	for i, v := range x {
		loss += math.Max(v, 0) - v*y[i] + math.Log1p(math.Exp(-math.Abs(v)))
		grad[i] = (Sigmoid(v) - y[i]) / n
	}
	return loss / n, grad
}
