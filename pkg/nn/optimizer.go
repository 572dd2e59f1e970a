package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ParamGroup is a set of parameters sharing a base learning rate.
type ParamGroup struct {
	Name   string
	Params []*Param
	LR     float64
}

// AdamState is the per-parameter optimizer state, exported for checkpoints.
type AdamState struct {
	Step int
	M    []float64
	V    []float64
}

// AdamW implements Adam with decoupled weight decay over parameter groups.
// The effective learning rate of a group is its base LR times Factor,
// which the schedule updates once per epoch.
type AdamW struct {
	Groups      []ParamGroup
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	Factor      float64

	state map[*Param]*adamState
}

type adamState struct {
	step int
	m    *mat.Dense
	v    *mat.Dense
}

// NewAdamW creates an optimizer with the usual betas (0.9, 0.999) and eps 1e-8.
func NewAdamW(groups []ParamGroup, weightDecay float64) *AdamW {
	return &AdamW{
		Groups:      groups,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		Factor:      1,
		state:       make(map[*Param]*adamState),
	}
}

// LR returns the current learning rate of group g.
func (o *AdamW) LR(g int) float64 {
	return o.Groups[g].LR * o.Factor
}

// Params returns the parameters of every group.
func (o *AdamW) Params() []*Param {
	var params []*Param
	for _, g := range o.Groups {
		params = append(params, g.Params...)
	}
	return params
}

// Step updates every parameter that has a recorded gradient. Parameters
// without a gradient are left untouched, weight decay included.
func (o *AdamW) Step() {
	for gi, g := range o.Groups {
		lr := o.LR(gi)
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			st, ok := o.state[p]
			if !ok {
				r, c := p.Value.Dims()
				st = &adamState{m: mat.NewDense(r, c, nil), v: mat.NewDense(r, c, nil)}
				o.state[p] = st
			}
			st.step++

			value := p.Value.RawMatrix().Data
			grad := p.Grad.RawMatrix().Data
			m := st.m.RawMatrix().Data
			v := st.v.RawMatrix().Data

			bc1 := 1 - math.Pow(o.Beta1, float64(st.step))
			bc2 := 1 - math.Pow(o.Beta2, float64(st.step))
			stepSize := lr / bc1
			decay := 1 - lr*o.WeightDecay
			for i, gr := range grad {
				value[i] *= decay
				m[i] = o.Beta1*m[i] + (1-o.Beta1)*gr
				v[i] = o.Beta2*v[i] + (1-o.Beta2)*gr*gr
				denom := math.Sqrt(v[i])/math.Sqrt(bc2) + o.Eps
				value[i] -= stepSize * m[i] / denom
			}
		}
	}
}

// ZeroGrad drops every gradient.
func (o *AdamW) ZeroGrad() {
	ZeroGrads(o.Params())
}

// State exports the moment estimates keyed by parameter name.
func (o *AdamW) State() map[string]AdamState {
	out := make(map[string]AdamState, len(o.state))
	for p, st := range o.state {
		out[p.Name] = AdamState{
			Step: st.step,
			M:    append([]float64(nil), st.m.RawMatrix().Data...),
			V:    append([]float64(nil), st.v.RawMatrix().Data...),
		}
	}
	return out
}

// Restore loads moment estimates produced by State.
func (o *AdamW) Restore(state map[string]AdamState) error {
	for _, p := range o.Params() {
		st, ok := state[p.Name]
		if !ok {
			continue
		}
		if len(st.M) != p.Size() || len(st.V) != p.Size() {
			return errors.Errorf("optimizer state for %s has %d values, want %d", p.Name, len(st.M), p.Size())
		}
		r, c := p.Value.Dims()
		o.state[p] = &adamState{
			step: st.Step,
			m:    mat.NewDense(r, c, append([]float64(nil), st.M...)),
			v:    mat.NewDense(r, c, append([]float64(nil), st.V...)),
		}
	}
	return nil
}

// CosineSchedule anneals the learning rate from its base value to zero
// over TMax epochs following half a cosine, then back up again.
type CosineSchedule struct {
	TMax int
}

// Factor returns the multiplier of the base learning rate at epoch.
func (s CosineSchedule) Factor(epoch int) float64 {
	if s.TMax <= 0 {
		return 1
	}
	return (1 + math.Cos(math.Pi*float64(epoch)/float64(s.TMax))) / 2
}
