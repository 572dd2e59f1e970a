package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// BlockConfig describes one post-norm transformer block.
type BlockConfig struct {
	Dim              int
	Heads            int
	Hidden           int
	Dropout          float64
	AttentionDropout float64
	Activation       string
	NormEps          float64
}

// Block is a DistilBERT style transformer layer:
//
//	h   = LN(attention(x) + x)
//	out = LN(dropout(ffn(h)) + h)
type Block struct {
	Attention *SelfAttention
	AttnNorm  *LayerNorm
	FF1       *Linear
	FF2       *Linear
	Act       Activation
	FFDrop    *Dropout
	OutNorm   *LayerNorm
}

// NewBlock creates a block whose parameters are prefixed with name.
func NewBlock(name string, cfg BlockConfig, rng *rand.Rand) (*Block, error) {
	if cfg.Dim%cfg.Heads != 0 {
		return nil, errors.Errorf("block %s: dim %d not divisible by %d heads", name, cfg.Dim, cfg.Heads)
	}
	act, err := NewActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	return &Block{
		Attention: NewSelfAttention(name+".attention", cfg.Dim, cfg.Heads, cfg.AttentionDropout, rng),
		AttnNorm:  NewLayerNorm(name+".sa_layer_norm", cfg.Dim, cfg.NormEps),
		FF1:       NewLinear(name+".ffn.lin1", cfg.Dim, cfg.Hidden, rng),
		FF2:       NewLinear(name+".ffn.lin2", cfg.Hidden, cfg.Dim, rng),
		Act:       act,
		FFDrop:    NewDropout(cfg.Dropout, rng),
		OutNorm:   NewLayerNorm(name+".output_layer_norm", cfg.Dim, cfg.NormEps),
	}, nil
}

// Forward runs attention and the feed-forward sublayer.
func (b *Block) Forward(x *mat.Dense, seqLen int, keyMask []float64, train bool) *mat.Dense {
	a := b.Attention.Forward(x, seqLen, keyMask, train)
	a.Add(a, x)
	h := b.AttnNorm.Forward(a)

	f := b.FF2.Forward(b.Act.Forward(b.FF1.Forward(h)))
	f = b.FFDrop.Forward(f, train)
	f.Add(f, h)
	return b.OutNorm.Forward(f)
}

// Backward returns dL/dx.
func (b *Block) Backward(dy *mat.Dense) *mat.Dense {
	dsum := b.OutNorm.Backward(dy)
	df := b.FFDrop.Backward(dsum)
	dh := b.FF1.Backward(b.Act.Backward(b.FF2.Backward(df)))
	dh.Add(dh, dsum)

	da := b.AttnNorm.Backward(dh)
	dx := b.Attention.Backward(da)
	dx.Add(dx, da)
	return dx
}

// Params returns every parameter of the block.
func (b *Block) Params() []*Param {
	return Collect(b.Attention, b.AttnNorm, b.FF1, b.FF2, b.OutNorm)
}

// Share returns a replica sharing parameter values.
func (b *Block) Share() *Block {
	return &Block{
		Attention: b.Attention.Share(),
		AttnNorm:  b.AttnNorm.Share(),
		FF1:       b.FF1.Share(),
		FF2:       b.FF2.Share(),
		Act:       cloneActivation(b.Act),
		FFDrop:    b.FFDrop.Share(),
		OutNorm:   b.OutNorm.Share(),
	}
}

// Transformer is a stack of blocks.
type Transformer struct {
	Blocks []*Block
}

// NewTransformer creates layers blocks named <name>.layer.<i>.
func NewTransformer(name string, layers int, cfg BlockConfig, rng *rand.Rand) (*Transformer, error) {
	t := &Transformer{Blocks: make([]*Block, layers)}
	for i := range t.Blocks {
		b, err := NewBlock(fmt.Sprintf("%s.layer.%d", name, i), cfg, rng)
		if err != nil {
			return nil, err
		}
		t.Blocks[i] = b
	}
	return t, nil
}

// Forward applies the blocks in order.
func (t *Transformer) Forward(x *mat.Dense, seqLen int, keyMask []float64, train bool) *mat.Dense {
	for _, b := range t.Blocks {
		x = b.Forward(x, seqLen, keyMask, train)
	}
	return x
}

// Backward applies the blocks in reverse order.
func (t *Transformer) Backward(dy *mat.Dense) *mat.Dense {
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		dy = t.Blocks[i].Backward(dy)
	}
	return dy
}

// Params returns the parameters of every block.
func (t *Transformer) Params() []*Param {
	var params []*Param
	for _, b := range t.Blocks {
		params = append(params, b.Params()...)
	}
	return params
}

// Share returns a replica sharing parameter values.
func (t *Transformer) Share() *Transformer {
	s := &Transformer{Blocks: make([]*Block, len(t.Blocks))}
	for i, b := range t.Blocks {
		s.Blocks[i] = b.Share()
	}
	return s
}
