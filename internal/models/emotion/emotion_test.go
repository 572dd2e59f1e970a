package emotion

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/models/sentence"
	"github.com/cnclabs/emotion/pkg/wordpiece"
)

var vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"i", "am", "fine", "good", "to", "hear", "thanks", "!",
}

func newModel(t *testing.T) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	enc, err := sentence.New(sentence.Config{
		VocabSize:    len(vocab),
		MaxPositions: 16,
		Dim:          8,
		Layers:       2,
		Heads:        2,
		HiddenDim:    16,
		Dropout:      0.1,
		Activation:   "gelu",
	}, rng)
	require.NoError(t, err)
	m, err := New(enc, Options{ProjectionSize: 4, Layers: 1, Dropout: 0.1}, rng)
	require.NoError(t, err)
	return m
}

func happyBatch(t *testing.T) data.Batch {
	t.Helper()
	path := filepath.Join(t.TempDir(), "one.tsv")
	require.NoError(t, os.WriteFile(path, []byte(
		"id\tturn1\tturn2\tturn3\tlabel\n0\tI am fine\tGood to hear\tThanks!\thappy\n"), 0o644))
	tok, err := wordpiece.New(vocab)
	require.NoError(t, err)
	loader, err := data.Load(path, tok, data.Options{
		MaxSeqLen:     16,
		BatchSize:     1,
		LabelMap:      data.EmotionLabels,
		IncludeLabels: true,
	})
	require.NoError(t, err)
	batches := loader.Batches(0)
	require.Len(t, batches, 1)
	return batches[0]
}

func TestEndToEnd(t *testing.T) {
	m := newModel(t)
	b := happyBatch(t)
	require.Equal(t, []int{3}, b.Labels)
	require.Len(t, b.IDs, 1)
	require.Len(t, b.IDs[0][2], 16)

	out, err := m.Forward(b, Unfrozen, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.Loss, 0.0)
	r, c := out.Logits.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 4, c)

	preds, err := m.Predict(b)
	require.NoError(t, err)
	assert.Len(t, preds, 1)
	assert.Equal(t, []int{3}, b.Labels)
}

func TestPhaseAt(t *testing.T) {
	assert.Equal(t, Frozen, PhaseAt(0, 2))
	assert.Equal(t, Frozen, PhaseAt(1, 2))
	assert.Equal(t, Unfrozen, PhaseAt(2, 2))
	assert.Equal(t, Unfrozen, PhaseAt(0, 0))
	assert.Equal(t, "frozen", Frozen.String())
	assert.Equal(t, "unfrozen", Unfrozen.String())
}

func TestFrozenPhaseRecordsNoEncoderGradient(t *testing.T) {
	m := newModel(t)
	b := happyBatch(t)

	_, err := m.Forward(b, Frozen, true)
	require.NoError(t, err)
	require.NoError(t, m.Backward())
	for _, p := range m.Encoder.Params() {
		assert.Nil(t, p.Grad, p.Name)
	}
	for _, p := range m.Classifier.Params() {
		assert.NotNil(t, p.Grad, p.Name)
	}

	_, err = m.Forward(b, Unfrozen, true)
	require.NoError(t, err)
	require.NoError(t, m.Backward())
	for _, p := range m.Encoder.Params() {
		assert.NotNil(t, p.Grad, p.Name)
	}
}

func TestParamGroups(t *testing.T) {
	m := newModel(t)
	groups := m.ParamGroups(2e-5, 0.95)
	require.Len(t, groups, 4)
	assert.Equal(t, "classifier", groups[3].Name)
	assert.Equal(t, 2e-5, groups[3].LR)

	total := 0
	for _, g := range groups {
		total += len(g.Params)
	}
	assert.Equal(t, len(m.Params()), total)
}

func TestNewRequiresOthers(t *testing.T) {
	m := newModel(t)
	_, err := New(m.Encoder, Options{ProjectionSize: 4, Labels: map[string]int{"sad": 0}}, rand.New(rand.NewSource(2)))
	require.Error(t, err)
}

func TestReplicaOwnsGradients(t *testing.T) {
	m := newModel(t)
	r := m.Replica()
	b := happyBatch(t)

	_, err := r.Forward(b, Unfrozen, true)
	require.NoError(t, err)
	require.NoError(t, r.Backward())

	params := m.Params()
	replica := r.Params()
	require.Len(t, replica, len(params))
	for i := range params {
		assert.Same(t, params[i].Value, replica[i].Value)
		assert.Nil(t, params[i].Grad)
		assert.NotNil(t, replica[i].Grad)
	}
}

func TestLogSettings(t *testing.T) {
	newModel(t).LogSettings(zap.NewNop())
}
