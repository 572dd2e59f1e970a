// Package emotion composes the sentence encoder and the context classifier
// into the contextual emotion model.
package emotion

import (
	"math/rand"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/models/classifier"
	"github.com/cnclabs/emotion/internal/models/sentence"
	"github.com/cnclabs/emotion/pkg/nn"
)

// Phase tells whether the encoder is being fine-tuned.
type Phase int

// Phases of a run. A run moves from Frozen to Unfrozen exactly once.
const (
	Frozen Phase = iota
	Unfrozen
)

func (p Phase) String() string {
	if p == Frozen {
		return "frozen"
	}
	return "unfrozen"
}

// PhaseAt returns the phase of epoch.
func PhaseAt(epoch, frozenEpochs int) Phase {
	if epoch < frozenEpochs {
		return Frozen
	}
	return Unfrozen
}

// Options configures the classifier on top of the encoder.
type Options struct {
	ProjectionSize int
	Layers         int
	Dropout        float64
	Labels         map[string]int
}

// Model is the full emotion classifier.
type Model struct {
	Encoder    *sentence.Encoder
	Classifier *classifier.ContextClassifier
	Labels     map[string]int

	phase Phase
}

// New puts a context classifier on top of enc.
func New(enc *sentence.Encoder, opts Options, rng *rand.Rand) (*Model, error) {
	labels := opts.Labels
	if labels == nil {
		labels = data.EmotionLabels
	}
	others, ok := labels["others"]
	if !ok {
		return nil, errors.New("label map has no others class")
	}
	clf, err := classifier.New(classifier.Config{
		EmbeddingSize:  enc.EmbeddingSize(),
		ProjectionSize: opts.ProjectionSize,
		Layers:         opts.Layers,
		Dropout:        opts.Dropout,
		NumClasses:     len(labels),
		OthersLabel:    others,
	}, rng)
	if err != nil {
		return nil, errors.Wrap(err, "creating context classifier")
	}
	return &Model{Encoder: enc, Classifier: clf, Labels: labels}, nil
}

// LogSettings prints the model configuration.
func (m *Model) LogSettings(logger *zap.Logger) {
	enc := m.Encoder.Config
	clf := m.Classifier.Config
	logger.Info("Model Setting:",
		zap.Int("encoder_layers", enc.Layers),
		zap.Int("encoder_dim", enc.Dim),
		zap.Int("embedding_size", m.Encoder.EmbeddingSize()),
		zap.Int("projection_size", clf.ProjectionSize),
		zap.Int("n_layers", clf.Layers),
		zap.Float64("dropout", clf.Dropout),
		zap.String("encoder_params", humanize.Comma(int64(nn.CountParams(m.Encoder.Params())))),
		zap.String("classifier_params", humanize.Comma(int64(nn.CountParams(m.Classifier.Params())))),
	)
}

// Forward embeds the batch and classifies it. In the Frozen phase the
// encoder records no gradient. Batches without labels return logits only.
func (m *Model) Forward(b data.Batch, phase Phase, train bool) (classifier.Output, error) {
	m.phase = phase
	emb := m.Encoder.Forward(b, train, phase == Frozen)
	return m.Classifier.Forward(emb, b.Labels, train)
}

// Backward propagates the loss of the last labelled Forward. The encoder
// receives gradients only in the Unfrozen phase.
func (m *Model) Backward() error {
	dEmb, err := m.Classifier.Backward()
	if err != nil {
		return err
	}
	if m.phase == Unfrozen {
		m.Encoder.Backward(dEmb)
	}
	return nil
}

// Predict returns the argmax class of every conversation in b.
func (m *Model) Predict(b data.Batch) ([]int, error) {
	b.Labels = nil
	out, err := m.Forward(b, Frozen, false)
	if err != nil {
		return nil, err
	}
	return classifier.Predict(out.Logits), nil
}

// ParamGroups returns the layerwise decayed encoder groups followed by one
// classifier group at lr.
func (m *Model) ParamGroups(lr, decay float64) []nn.ParamGroup {
	groups := m.Encoder.LayerwiseLR(lr, decay)
	return append(groups, nn.ParamGroup{
		Name:   "classifier",
		Params: m.Classifier.Params(),
		LR:     lr,
	})
}

// Params returns every parameter, encoder first.
func (m *Model) Params() []*nn.Param {
	return append(m.Encoder.Params(), m.Classifier.Params()...)
}

// Replica returns a model sharing parameter values but holding its own
// gradients and activations, for data parallel workers.
func (m *Model) Replica() *Model {
	return &Model{
		Encoder:    m.Encoder.Share(),
		Classifier: m.Classifier.Share(),
		Labels:     m.Labels,
	}
}
