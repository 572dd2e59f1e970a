package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalises each row to zero mean and unit variance and applies
// a learned scale and shift.
type LayerNorm struct {
	Gamma *Param
	Beta  *Param
	Eps   float64

	xhat   *mat.Dense
	invStd []float64
}

// NewLayerNorm creates a LayerNorm over rows of width dim.
func NewLayerNorm(name string, dim int, eps float64) *LayerNorm {
	return &LayerNorm{
		Gamma: NewParam(name+".weight", 1, dim).Fill(1),
		Beta:  NewParam(name+".bias", 1, dim),
		Eps:   eps,
	}
}

// Forward normalises x row by row.
func (ln *LayerNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	n := float64(cols)
	gamma := ln.Gamma.Value.RawRowView(0)
	beta := ln.Beta.Value.RawRowView(0)

	ln.xhat = mat.NewDense(rows, cols, nil)
	ln.invStd = make([]float64, rows)
	y := mat.NewDense(rows, cols, nil)

	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		mean := floats.Sum(row) / n
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+ln.Eps)
		ln.invStd[i] = inv

		xh := ln.xhat.RawRowView(i)
		out := y.RawRowView(i)
		for j, v := range row {
			xh[j] = (v - mean) * inv
			out[j] = xh[j]*gamma[j] + beta[j]
		}
	}
	return y
}

// Backward accumulates the scale/shift gradients and returns dL/dx.
func (ln *LayerNorm) Backward(dy *mat.Dense) *mat.Dense {
	rows, cols := dy.Dims()
	n := float64(cols)
	gamma := ln.Gamma.Value.RawRowView(0)
	dGamma := ln.Gamma.grad().RawRowView(0)
	dBeta := ln.Beta.grad().RawRowView(0)

	dx := mat.NewDense(rows, cols, nil)
	dxhat := make([]float64, cols)
	for i := 0; i < rows; i++ {
		g := dy.RawRowView(i)
		xh := ln.xhat.RawRowView(i)
		sum1, sum2 := 0.0, 0.0
		for j := range g {
			dGamma[j] += g[j] * xh[j]
			dBeta[j] += g[j]
			dxhat[j] = g[j] * gamma[j]
			sum1 += dxhat[j]
			sum2 += dxhat[j] * xh[j]
		}
		out := dx.RawRowView(i)
		scale := ln.invStd[i] / n
		for j := range out {
			out[j] = scale * (n*dxhat[j] - sum1 - xh[j]*sum2)
		}
	}
	return dx
}

// Params returns the scale and shift.
func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

// Share returns a replica sharing parameter values.
func (ln *LayerNorm) Share() *LayerNorm {
	return &LayerNorm{Gamma: ln.Gamma.Share(), Beta: ln.Beta.Share(), Eps: ln.Eps}
}
