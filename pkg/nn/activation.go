package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Activation is an element-wise nonlinearity with a backward pass.
type Activation interface {
	Forward(x *mat.Dense) *mat.Dense
	Backward(dy *mat.Dense) *mat.Dense
}

// NewActivation returns the activation registered under name.
func NewActivation(name string) (Activation, error) {
	switch name {
	case "gelu":
		return &GELU{}, nil
	case "relu":
		return &ReLU{}, nil
	default:
		return nil, errors.Errorf("unknown activation %q", name)
	}
}

// GELU is the exact (erf based) Gaussian error linear unit.
type GELU struct {
	x *mat.Dense
}

// Forward computes 0.5x(1 + erf(x/sqrt2)).
func (g *GELU) Forward(x *mat.Dense) *mat.Dense {
	g.x = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	}, x)
	return &y
}

// Backward returns dy * gelu'(x).
func (g *GELU) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, d float64) float64 {
		v := g.x.At(i, j)
		cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
		pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
		return d * (cdf + v*pdf)
	}, dy)
	return &dx
}

// ReLU is max(0, x).
type ReLU struct {
	x *mat.Dense
}

// Forward clamps negative entries to zero.
func (r *ReLU) Forward(x *mat.Dense) *mat.Dense {
	r.x = x
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, x)
	return &y
}

// Backward passes dy where the input was positive.
func (r *ReLU) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, d float64) float64 {
		if r.x.At(i, j) > 0 {
			return d
		}
		return 0
	}, dy)
	return &dx
}

func cloneActivation(a Activation) Activation {
	switch a.(type) {
	case *ReLU:
		return &ReLU{}
	default:
		return &GELU{}
	}
}
