package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// InitStd is the standard deviation used for weight initialisation.
const InitStd = 0.02

// Linear represents a fully connected layer y = xW + b.
// W is stored as in x out.
type Linear struct {
	W *Param
	B *Param

	x *mat.Dense // input kept for the backward pass
}

// NewLinear creates a Linear layer with N(0, InitStd^2) weights and zero biases.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		W: NewParam(name+".weight", in, out).Normal(rng, InitStd),
		B: NewParam(name+".bias", 1, out),
	}
}

// Forward computes xW + b for every row of x.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.x = x
	rows, _ := x.Dims()
	_, out := l.W.Value.Dims()

	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.W.Value)
	b := l.B.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), b)
	}
	return y
}

// Backward accumulates dL/dW and dL/db and returns dL/dx.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	in, _ := l.W.Value.Dims()
	rows, _ := dy.Dims()

	var dw mat.Dense
	dw.Mul(l.x.T(), dy)
	l.W.Accumulate(&dw)

	db := l.B.grad().RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(db, dy.RawRowView(i))
	}

	dx := mat.NewDense(rows, in, nil)
	dx.Mul(dy, l.W.Value.T())
	return dx
}

// Params returns the weight and bias.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}

// Share returns a replica sharing parameter values.
func (l *Linear) Share() *Linear {
	return &Linear{W: l.W.Share(), B: l.B.Share()}
}
