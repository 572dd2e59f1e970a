package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a learnable matrix together with its accumulated gradient.
// Vectors (biases, norm scales) are stored as 1 x n matrices.
//
// Grad stays nil until a backward pass records a gradient for the
// parameter, so a nil Grad means "no gradient this step".
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a zero valued rows x cols parameter.
func NewParam(name string, rows, cols int) *Param {
	return &Param{Name: name, Value: mat.NewDense(rows, cols, nil)}
}

// Normal fills the parameter with N(0, std^2) samples.
func (p *Param) Normal(rng *rand.Rand, std float64) *Param {
	raw := p.Value.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = rng.NormFloat64() * std
	}
	return p
}

// Fill sets every entry to v.
func (p *Param) Fill(v float64) *Param {
	raw := p.Value.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = v
	}
	return p
}

// Size returns the number of scalars held by the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Share returns a parameter backed by the same Value with its own Grad.
// Data-parallel replicas are built from shared parameters.
func (p *Param) Share() *Param {
	return &Param{Name: p.Name, Value: p.Value}
}

// ZeroGrad drops the recorded gradient.
func (p *Param) ZeroGrad() {
	p.Grad = nil
}

// grad returns the gradient matrix, allocating it on first use.
func (p *Param) grad() *mat.Dense {
	if p.Grad == nil {
		r, c := p.Value.Dims()
		p.Grad = mat.NewDense(r, c, nil)
	}
	return p.Grad
}

// Accumulate adds g to the parameter gradient.
func (p *Param) Accumulate(g mat.Matrix) {
	dst := p.grad()
	dst.Add(dst, g)
}

// Module is implemented by every layer that owns parameters.
type Module interface {
	Params() []*Param
}

// Collect flattens the parameters of several modules.
func Collect(modules ...Module) []*Param {
	var params []*Param
	for _, m := range modules {
		params = append(params, m.Params()...)
	}
	return params
}

// CountParams returns the total number of scalars in params.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}

// ZeroGrads drops the gradients of all params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm returns the total L2 norm over every recorded gradient.
func GradNorm(params []*Param) float64 {
	sum := 0.0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		n := floats.Norm(p.Grad.RawMatrix().Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ReduceGrads sets dst gradients to the weighted sum of the replica
// gradients. replicas[r][i] must correspond to dst[i]. A parameter keeps a
// nil gradient when no replica recorded one.
func ReduceGrads(dst []*Param, replicas [][]*Param, weights []float64) {
	for i, p := range dst {
		p.ZeroGrad()
		for r, params := range replicas {
			g := params[i].Grad
			if g == nil {
				continue
			}
			acc := p.grad()
			floats.AddScaled(acc.RawMatrix().Data, weights[r], g.RawMatrix().Data)
		}
	}
}
