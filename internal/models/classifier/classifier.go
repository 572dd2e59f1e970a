// Package classifier fuses the three turn embeddings of a conversation with
// a small transformer and predicts its emotion.
package classifier

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/pkg/nn"
)

const (
	inputNormEps       = 1e-5
	headNormEps        = 1e-12
	classifierDrop     = 0.2
	headAttentionHeads = 1
)

// Config sizes the classifier.
type Config struct {
	EmbeddingSize  int
	ProjectionSize int
	Layers         int
	Dropout        float64
	NumClasses     int
	OthersLabel    int
}

// Validate checks the sizes.
func (c Config) Validate() error {
	switch {
	case c.EmbeddingSize <= 0:
		return errors.Errorf("embedding size must be positive, got %d", c.EmbeddingSize)
	case c.ProjectionSize <= 0:
		return errors.Errorf("projection size must be positive, got %d", c.ProjectionSize)
	case c.Layers < 0:
		return errors.Errorf("number of layers must not be negative, got %d", c.Layers)
	case c.NumClasses <= c.OthersLabel || c.OthersLabel < 0:
		return errors.Errorf("others label %d outside %d classes", c.OthersLabel, c.NumClasses)
	}
	return nil
}

// Output is the result of a forward pass. Loss is only set when labels were
// given.
type Output struct {
	Loss   float64
	Logits *mat.Dense
}

// ContextClassifier projects turn embeddings, tags them with their turn
// position, reverses the turn order and classifies the sequence with a
// DistilBERT sequence classification head.
type ContextClassifier struct {
	Config Config

	Projection    *nn.Linear
	TurnPositions *nn.Embedding
	Norm          *nn.LayerNorm
	Drop          *nn.Dropout

	HeadPositions *nn.Embedding
	HeadNorm      *nn.LayerNorm
	HeadDrop      *nn.Dropout
	Transformer   *nn.Transformer
	PreClassifier *nn.Linear
	PreAct        *nn.ReLU
	ClassDrop     *nn.Dropout
	Classifier    *nn.Linear

	batch  int
	dLogit *mat.Dense
}

// New creates a classifier. Turn position embeddings start from N(0, 1),
// the head follows DistilBERT initialisation.
func New(cfg Config, rng *rand.Rand) (*ContextClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := cfg.ProjectionSize
	tr, err := nn.NewTransformer("context.distilbert.transformer", cfg.Layers, nn.BlockConfig{
		Dim:              p,
		Heads:            headAttentionHeads,
		Hidden:           4 * p,
		Dropout:          cfg.Dropout,
		AttentionDropout: cfg.Dropout,
		Activation:       "gelu",
		NormEps:          headNormEps,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &ContextClassifier{
		Config:        cfg,
		Projection:    nn.NewLinear("projection", cfg.EmbeddingSize, p, rng),
		TurnPositions: nn.NewEmbedding("position_embeds", data.Turns, p, 1, rng),
		Norm:          nn.NewLayerNorm("norm", p, inputNormEps),
		Drop:          nn.NewDropout(cfg.Dropout, rng),
		HeadPositions: nn.NewEmbedding("context.distilbert.embeddings.position_embeddings", data.Turns, p, nn.InitStd, rng),
		HeadNorm:      nn.NewLayerNorm("context.distilbert.embeddings.LayerNorm", p, headNormEps),
		HeadDrop:      nn.NewDropout(cfg.Dropout, rng),
		Transformer:   tr,
		PreClassifier: nn.NewLinear("context.pre_classifier", p, p, rng),
		PreAct:        &nn.ReLU{},
		ClassDrop:     nn.NewDropout(classifierDrop, rng),
		Classifier:    nn.NewLinear("context.classifier", p, cfg.NumClasses, rng),
	}, nil
}

// ReverseTurns reverses the order of every group of turns consecutive rows,
// so the last turn of a conversation comes first.
func ReverseTurns(x *mat.Dense, turns int) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for s := 0; s < rows/turns; s++ {
		for t := 0; t < turns; t++ {
			copy(out.RawRowView(s*turns+t), x.RawRowView(s*turns+turns-1-t))
		}
	}
	return out
}

func turnIDs(batch int) []int {
	ids := make([]int, batch*data.Turns)
	for i := range ids {
		ids[i] = i % data.Turns
	}
	return ids
}

// Forward classifies emb, which holds 3 rows per conversation in turn
// order. With labels the loss is softmax cross-entropy plus binary
// cross-entropy of the others logit against label == others, and the
// gradient is kept for Backward. labels may be nil for inference.
func (c *ContextClassifier) Forward(emb *mat.Dense, labels []int, train bool) (Output, error) {
	rows, cols := emb.Dims()
	if cols != c.Config.EmbeddingSize || rows%data.Turns != 0 {
		return Output{}, errors.Errorf("embeddings are %dx%d, want (3B)x%d", rows, cols, c.Config.EmbeddingSize)
	}
	batch := rows / data.Turns
	if labels != nil && len(labels) != batch {
		return Output{}, errors.Errorf("%d labels for %d conversations", len(labels), batch)
	}
	c.batch = batch
	c.dLogit = nil

	x := c.Projection.Forward(emb)
	x.Add(x, c.TurnPositions.Forward(turnIDs(batch)))
	x = c.Drop.Forward(c.Norm.Forward(x), train)
	x = ReverseTurns(x, data.Turns)

	// head: position embeddings, transformer, first token
	x.Add(x, c.HeadPositions.Forward(turnIDs(batch)))
	x = c.HeadDrop.Forward(c.HeadNorm.Forward(x), train)
	h := c.Transformer.Forward(x, data.Turns, nil, train)

	_, p := h.Dims()
	first := mat.NewDense(batch, p, nil)
	for b := 0; b < batch; b++ {
		copy(first.RawRowView(b), h.RawRowView(b*data.Turns))
	}
	z := c.PreAct.Forward(c.PreClassifier.Forward(first))
	logits := c.Classifier.Forward(c.ClassDrop.Forward(z, train))

	out := Output{Logits: logits}
	if labels == nil {
		return out, nil
	}
	for _, l := range labels {
		if l < 0 || l >= c.Config.NumClasses {
			return Output{}, errors.Errorf("label %d outside %d classes", l, c.Config.NumClasses)
		}
	}

	ce, dLogit := nn.SoftmaxCrossEntropy(logits, labels)
	others := mat.Col(nil, c.Config.OthersLabel, logits)
	targets := make([]float64, batch)
	for i, l := range labels {
		if l == c.Config.OthersLabel {
			targets[i] = 1
		}
	}
	bce, dOthers := nn.BCEWithLogits(others, targets)
	for i, g := range dOthers {
		dLogit.Set(i, c.Config.OthersLabel, dLogit.At(i, c.Config.OthersLabel)+g)
	}

	out.Loss = ce + bce
	c.dLogit = dLogit
	return out, nil
}

// Backward propagates the loss of the last labelled Forward and returns
// dL/d(emb).
func (c *ContextClassifier) Backward() (*mat.Dense, error) {
	if c.dLogit == nil {
		return nil, errors.New("backward without a labelled forward pass")
	}
	dz := c.ClassDrop.Backward(c.Classifier.Backward(c.dLogit))
	dFirst := c.PreClassifier.Backward(c.PreAct.Backward(dz))

	_, p := dFirst.Dims()
	dh := mat.NewDense(c.batch*data.Turns, p, nil)
	for b := 0; b < c.batch; b++ {
		copy(dh.RawRowView(b*data.Turns), dFirst.RawRowView(b))
	}
	dx := c.Transformer.Backward(dh)
	dx = c.HeadNorm.Backward(c.HeadDrop.Backward(dx))
	c.HeadPositions.Backward(dx)

	dx = ReverseTurns(dx, data.Turns)
	dx = c.Norm.Backward(c.Drop.Backward(dx))
	c.TurnPositions.Backward(dx)
	dEmb := c.Projection.Backward(dx)

	c.dLogit = nil
	return dEmb, nil
}

// Params returns every classifier parameter.
func (c *ContextClassifier) Params() []*nn.Param {
	return nn.Collect(
		c.Projection, c.TurnPositions, c.Norm,
		c.HeadPositions, c.HeadNorm, c.Transformer,
		c.PreClassifier, c.Classifier,
	)
}

// Share returns a replica sharing parameter values with c.
func (c *ContextClassifier) Share() *ContextClassifier {
	return &ContextClassifier{
		Config:        c.Config,
		Projection:    c.Projection.Share(),
		TurnPositions: c.TurnPositions.Share(),
		Norm:          c.Norm.Share(),
		Drop:          c.Drop.Share(),
		HeadPositions: c.HeadPositions.Share(),
		HeadNorm:      c.HeadNorm.Share(),
		HeadDrop:      c.HeadDrop.Share(),
		Transformer:   c.Transformer.Share(),
		PreClassifier: c.PreClassifier.Share(),
		PreAct:        &nn.ReLU{},
		ClassDrop:     c.ClassDrop.Share(),
		Classifier:    c.Classifier.Share(),
	}
}

// Predict returns the argmax class of every row of logits.
func Predict(logits *mat.Dense) []int {
	rows, _ := logits.Dims()
	preds := make([]int, rows)
	for i := range preds {
		preds[i] = floats.MaxIdx(logits.RawRowView(i))
	}
	return preds
}
