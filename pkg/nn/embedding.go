package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Embedding is a lookup table of row vectors.
type Embedding struct {
	W *Param

	ids []int
}

// NewEmbedding creates an n x dim table initialised with N(0, std^2).
func NewEmbedding(name string, n, dim int, std float64, rng *rand.Rand) *Embedding {
	return &Embedding{W: NewParam(name+".weight", n, dim).Normal(rng, std)}
}

// Len returns the number of rows in the table.
func (e *Embedding) Len() int {
	n, _ := e.W.Value.Dims()
	return n
}

// Forward gathers one row per id.
func (e *Embedding) Forward(ids []int) *mat.Dense {
	e.ids = ids
	_, dim := e.W.Value.Dims()
	out := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		copy(out.RawRowView(i), e.W.Value.RawRowView(id))
	}
	return out
}

// Backward scatters dy back onto the looked-up rows.
func (e *Embedding) Backward(dy *mat.Dense) {
	g := e.W.grad()
	for i, id := range e.ids {
		floats.Add(g.RawRowView(id), dy.RawRowView(i))
	}
}

// Params returns the table.
func (e *Embedding) Params() []*Param {
	return []*Param{e.W}
}

// Share returns a replica sharing the table.
func (e *Embedding) Share() *Embedding {
	return &Embedding{W: e.W.Share()}
}
