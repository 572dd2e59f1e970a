package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maskedScore replaces attention scores of padded keys.
const maskedScore = -1e9

// SelfAttention is multi-head scaled dot-product self-attention over a
// batch of equally long sequences stacked row-wise: a (n*seqLen) x dim
// input holds n sequences.
type SelfAttention struct {
	Heads int
	Q     *Linear
	K     *Linear
	V     *Linear
	O     *Linear
	Drop  *Dropout

	seqLen  int
	q, k, v *mat.Dense
	probs   []*mat.Dense // softmax output per (sequence, head)
	masks   []*mat.Dense // attention dropout masks, nil entries when off
}

// NewSelfAttention creates the q/k/v/out projections of a dim wide layer.
func NewSelfAttention(name string, dim, heads int, dropout float64, rng *rand.Rand) *SelfAttention {
	return &SelfAttention{
		Heads: heads,
		Q:     NewLinear(name+".q_lin", dim, dim, rng),
		K:     NewLinear(name+".k_lin", dim, dim, rng),
		V:     NewLinear(name+".v_lin", dim, dim, rng),
		O:     NewLinear(name+".out_lin", dim, dim, rng),
		Drop:  NewDropout(dropout, rng),
	}
}

// Forward attends within each sequence. keyMask has one entry per input row
// (1 real token, 0 padding); nil means every key is visible.
func (a *SelfAttention) Forward(x *mat.Dense, seqLen int, keyMask []float64, train bool) *mat.Dense {
	rows, dim := x.Dims()
	n := rows / seqLen
	dh := dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	a.seqLen = seqLen
	a.q = a.Q.Forward(x)
	a.k = a.K.Forward(x)
	a.v = a.V.Forward(x)
	a.probs = make([]*mat.Dense, n*a.Heads)
	a.masks = make([]*mat.Dense, n*a.Heads)

	ctx := mat.NewDense(rows, dim, nil)
	for s := 0; s < n; s++ {
		r0, r1 := s*seqLen, (s+1)*seqLen
		for h := 0; h < a.Heads; h++ {
			c0, c1 := h*dh, (h+1)*dh
			qs := a.q.Slice(r0, r1, c0, c1)
			ks := a.k.Slice(r0, r1, c0, c1)
			vs := a.v.Slice(r0, r1, c0, c1)

			scores := mat.NewDense(seqLen, seqLen, nil)
			scores.Mul(qs, ks.T())
			scores.Scale(scale, scores)
			for i := 0; i < seqLen; i++ {
				row := scores.RawRowView(i)
				if keyMask != nil {
					for j := range row {
						if keyMask[r0+j] == 0 {
							row[j] = maskedScore
						}
					}
				}
				SoftmaxInPlace(row)
			}

			idx := s*a.Heads + h
			a.probs[idx] = scores
			weights := scores
			if train && a.Drop.P > 0 {
				a.masks[idx] = a.Drop.sample(seqLen, seqLen)
				weights = mat.NewDense(seqLen, seqLen, nil)
				weights.MulElem(scores, a.masks[idx])
			}
			ctx.Slice(r0, r1, c0, c1).(*mat.Dense).Mul(weights, vs)
		}
	}
	return a.O.Forward(ctx)
}

// Backward returns dL/dx and accumulates projection gradients.
func (a *SelfAttention) Backward(dy *mat.Dense) *mat.Dense {
	dctx := a.O.Backward(dy)
	rows, dim := dctx.Dims()
	seqLen := a.seqLen
	n := rows / seqLen
	dh := dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	dq := mat.NewDense(rows, dim, nil)
	dk := mat.NewDense(rows, dim, nil)
	dv := mat.NewDense(rows, dim, nil)
	for s := 0; s < n; s++ {
		r0, r1 := s*seqLen, (s+1)*seqLen
		for h := 0; h < a.Heads; h++ {
			c0, c1 := h*dh, (h+1)*dh
			idx := s*a.Heads + h
			probs := a.probs[idx]
			weights := probs
			if a.masks[idx] != nil {
				weights = mat.NewDense(seqLen, seqLen, nil)
				weights.MulElem(probs, a.masks[idx])
			}

			dctxS := dctx.Slice(r0, r1, c0, c1)
			qs := a.q.Slice(r0, r1, c0, c1)
			ks := a.k.Slice(r0, r1, c0, c1)
			vs := a.v.Slice(r0, r1, c0, c1)

			dv.Slice(r0, r1, c0, c1).(*mat.Dense).Mul(weights.T(), dctxS)

			dw := mat.NewDense(seqLen, seqLen, nil)
			dw.Mul(dctxS, vs.T())
			if a.masks[idx] != nil {
				dw.MulElem(dw, a.masks[idx])
			}

			// softmax backward, then the 1/sqrt(dh) scaling
			dscores := mat.NewDense(seqLen, seqLen, nil)
			for i := 0; i < seqLen; i++ {
				p := probs.RawRowView(i)
				g := dw.RawRowView(i)
				dot := floats.Dot(p, g)
				out := dscores.RawRowView(i)
				for j := range out {
					out[j] = p[j] * (g[j] - dot) * scale
				}
			}

			dq.Slice(r0, r1, c0, c1).(*mat.Dense).Mul(dscores, ks)
			dk.Slice(r0, r1, c0, c1).(*mat.Dense).Mul(dscores.T(), qs)
		}
	}

	dx := a.Q.Backward(dq)
	dx.Add(dx, a.K.Backward(dk))
	dx.Add(dx, a.V.Backward(dv))
	return dx
}

// Params returns the four projections.
func (a *SelfAttention) Params() []*Param {
	return Collect(a.Q, a.K, a.V, a.O)
}

// Share returns a replica sharing parameter values.
func (a *SelfAttention) Share() *SelfAttention {
	return &SelfAttention{
		Heads: a.Heads,
		Q:     a.Q.Share(),
		K:     a.K.Share(),
		V:     a.V.Share(),
		O:     a.O.Share(),
		Drop:  a.Drop.Share(),
	}
}
