package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes entries with probability P during training and rescales
// the survivors by 1/(1-P). Outside training it is the identity and returns
// its input unchanged.
type Dropout struct {
	P float64

	rng  *rand.Rand
	mask *mat.Dense
}

// NewDropout creates a Dropout layer drawing from rng.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

// Forward applies the dropout mask when train is set.
func (d *Dropout) Forward(x *mat.Dense, train bool) *mat.Dense {
	if !train || d.P <= 0 {
		d.mask = nil
		return x
	}
	d.mask = d.sample(x.Dims())
	var y mat.Dense
	y.MulElem(x, d.mask)
	return &y
}

// Backward applies the mask of the last forward to dy.
func (d *Dropout) Backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, d.mask)
	return &dx
}

func (d *Dropout) sample(rows, cols int) *mat.Dense {
	keep := 1 - d.P
	m := mat.NewDense(rows, cols, nil)
	raw := m.RawMatrix().Data
	for i := range raw {
		if d.rng.Float64() < keep {
			raw[i] = 1 / keep
		}
	}
	return m
}

// Share returns a replica with its own random stream seeded from d.
func (d *Dropout) Share() *Dropout {
	return &Dropout{P: d.P, rng: rand.New(rand.NewSource(d.rng.Int63()))}
}
