// Package sentence embeds conversation turns with a DistilBERT encoder. A
// turn embedding is the final [CLS] state concatenated with the mean of the
// final hidden states.
package sentence

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/pkg/nn"
)

const embeddingNormEps = 1e-12

// Config holds the DistilBERT hyper-parameters, keyed as in config.json.
type Config struct {
	VocabSize        int     `json:"vocab_size"`
	MaxPositions     int     `json:"max_position_embeddings"`
	Dim              int     `json:"dim"`
	Layers           int     `json:"n_layers"`
	Heads            int     `json:"n_heads"`
	HiddenDim        int     `json:"hidden_dim"`
	Dropout          float64 `json:"dropout"`
	AttentionDropout float64 `json:"attention_dropout"`
	Activation       string  `json:"activation"`
}

// DefaultConfig returns the distilbert-base-uncased architecture.
func DefaultConfig() Config {
	return Config{
		VocabSize:        30522,
		MaxPositions:     512,
		Dim:              768,
		Layers:           6,
		Heads:            12,
		HiddenDim:        3072,
		Dropout:          0.1,
		AttentionDropout: 0.1,
		Activation:       "gelu",
	}
}

// Validate checks that the shapes are consistent.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.MaxPositions <= 0:
		return errors.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositions)
	case c.Dim <= 0 || c.Heads <= 0 || c.Dim%c.Heads != 0:
		return errors.Errorf("dim %d must be a positive multiple of n_heads %d", c.Dim, c.Heads)
	case c.Layers < 0:
		return errors.Errorf("n_layers must not be negative, got %d", c.Layers)
	case c.HiddenDim <= 0:
		return errors.Errorf("hidden_dim must be positive, got %d", c.HiddenDim)
	}
	return nil
}

func (c Config) block() nn.BlockConfig {
	return nn.BlockConfig{
		Dim:              c.Dim,
		Heads:            c.Heads,
		Hidden:           c.HiddenDim,
		Dropout:          c.Dropout,
		AttentionDropout: c.AttentionDropout,
		Activation:       c.Activation,
		NormEps:          embeddingNormEps,
	}
}

// Encoder is a DistilBERT model together with the turn pooling.
type Encoder struct {
	Config      Config
	Words       *nn.Embedding
	Positions   *nn.Embedding
	Norm        *nn.LayerNorm
	Drop        *nn.Dropout
	Transformer *nn.Transformer

	seqLen int
	frozen bool
}

// New creates a randomly initialised encoder.
func New(cfg Config, rng *rand.Rand) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := nn.NewTransformer("transformer", cfg.Layers, cfg.block(), rng)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		Config:      cfg,
		Words:       nn.NewEmbedding("embeddings.word_embeddings", cfg.VocabSize, cfg.Dim, nn.InitStd, rng),
		Positions:   nn.NewEmbedding("embeddings.position_embeddings", cfg.MaxPositions, cfg.Dim, nn.InitStd, rng),
		Norm:        nn.NewLayerNorm("embeddings.LayerNorm", cfg.Dim, embeddingNormEps),
		Drop:        nn.NewDropout(cfg.Dropout, rng),
		Transformer: tr,
	}, nil
}

// EmbeddingSize is the width of a turn embedding.
func (e *Encoder) EmbeddingSize() int {
	return 2 * e.Config.Dim
}

// CheckSeqLen reports whether sequences of length n fit the position table.
func (e *Encoder) CheckSeqLen(n int) error {
	if n > e.Config.MaxPositions {
		return errors.Errorf("sequence length %d exceeds %d positions", n, e.Config.MaxPositions)
	}
	return nil
}

// Forward embeds every turn of b. The result has 3B rows, row b*3+turn,
// and EmbeddingSize columns. The three turns of all conversations go
// through the encoder as one batch. A frozen pass records nothing for
// Backward.
func (e *Encoder) Forward(b data.Batch, train, frozen bool) *mat.Dense {
	seqLen := b.SeqLen()
	n := b.Size() * data.Turns
	ids := make([]int, 0, n*seqLen)
	pos := make([]int, 0, n*seqLen)
	keyMask := make([]float64, 0, n*seqLen)
	for i := range b.IDs {
		for t := 0; t < data.Turns; t++ {
			ids = append(ids, b.IDs[i][t]...)
			for j, m := range b.Mask[i][t] {
				pos = append(pos, j)
				keyMask = append(keyMask, float64(m))
			}
		}
	}

	x := e.Words.Forward(ids)
	x.Add(x, e.Positions.Forward(pos))
	x = e.Drop.Forward(e.Norm.Forward(x), train)
	h := e.Transformer.Forward(x, seqLen, keyMask, train)

	e.seqLen = seqLen
	e.frozen = frozen
	return pool(h, n, seqLen)
}

// pool concatenates the first row and the mean of every seqLen rows.
func pool(h *mat.Dense, n, seqLen int) *mat.Dense {
	_, dim := h.Dims()
	out := mat.NewDense(n, 2*dim, nil)
	inv := 1 / float64(seqLen)
	for s := 0; s < n; s++ {
		row := out.RawRowView(s)
		copy(row[:dim], h.RawRowView(s*seqLen))
		mean := row[dim:]
		for t := 0; t < seqLen; t++ {
			floats.Add(mean, h.RawRowView(s*seqLen+t))
		}
		floats.Scale(inv, mean)
	}
	return out
}

// Backward propagates dL/d(embeddings) into the encoder parameters. It is a
// no-op after a frozen Forward.
func (e *Encoder) Backward(dEmb *mat.Dense) {
	if e.frozen {
		return
	}
	n, width := dEmb.Dims()
	dim := width / 2
	seqLen := e.seqLen
	inv := 1 / float64(seqLen)

	dh := mat.NewDense(n*seqLen, dim, nil)
	for s := 0; s < n; s++ {
		g := dEmb.RawRowView(s)
		for t := 0; t < seqLen; t++ {
			floats.AddScaled(dh.RawRowView(s*seqLen+t), inv, g[dim:])
		}
		floats.Add(dh.RawRowView(s*seqLen), g[:dim])
	}

	dx := e.Transformer.Backward(dh)
	dx = e.Norm.Backward(e.Drop.Backward(dx))
	e.Words.Backward(dx)
	e.Positions.Backward(dx)
}

// Params returns every encoder parameter.
func (e *Encoder) Params() []*nn.Param {
	return append(e.embeddingParams(), e.Transformer.Params()...)
}

func (e *Encoder) embeddingParams() []*nn.Param {
	return nn.Collect(e.Words, e.Positions, e.Norm)
}

// LayerwiseLR groups the parameters for discriminative fine-tuning: the
// embeddings get baseLR*decay^L and layer l gets baseLR*decay^(L-l+1),
// where L is the configured depth. The configured depth is trusted.
func (e *Encoder) LayerwiseLR(baseLR, decay float64) []nn.ParamGroup {
	depth := e.Config.Layers
	groups := []nn.ParamGroup{{
		Name:   "embeddings",
		Params: e.embeddingParams(),
		LR:     baseLR * math.Pow(decay, float64(depth)),
	}}
	for l, b := range e.Transformer.Blocks {
		groups = append(groups, nn.ParamGroup{
			Name:   fmt.Sprintf("transformer.layer.%d", l),
			Params: b.Params(),
			LR:     baseLR * math.Pow(decay, float64(depth-l+1)),
		})
	}
	return groups
}

// Share returns a replica sharing parameter values with e.
func (e *Encoder) Share() *Encoder {
	return &Encoder{
		Config:      e.Config,
		Words:       e.Words.Share(),
		Positions:   e.Positions.Share(),
		Norm:        e.Norm.Share(),
		Drop:        e.Drop.Share(),
		Transformer: e.Transformer.Share(),
	}
}

// linearWeights returns the weight matrices stored transposed in
// pretrained checkpoints.
func (e *Encoder) linearWeights() map[*nn.Param]bool {
	out := make(map[*nn.Param]bool)
	for _, b := range e.Transformer.Blocks {
		for _, l := range []*nn.Linear{b.Attention.Q, b.Attention.K, b.Attention.V, b.Attention.O, b.FF1, b.FF2} {
			out[l.W] = true
		}
	}
	return out
}
