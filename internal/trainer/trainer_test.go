package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/checkpoint"
	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/models/emotion"
	"github.com/cnclabs/emotion/internal/models/sentence"
	"github.com/cnclabs/emotion/internal/tracker"
	"github.com/cnclabs/emotion/pkg/wordpiece"
)

var vocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"i", "am", "fine", "good", "to", "hear", "thanks", "!",
	"sad", "angry", "happy", "so", "you", "are", "bad",
}

var rows = []string{
	"0\tI am fine\tGood to hear\tThanks!\thappy",
	"1\tI am sad\tso sad\tyou are bad\tsad",
	"2\tyou are bad\tI am angry\tso angry!\tangry",
	"3\tgood\tfine\tthanks\tothers",
	"4\tI am happy\tso happy\tgood to hear!\thappy",
	"5\tbad\tsad\tI am sad\tsad",
	"6\tangry\tyou are angry\tI am angry\tangry",
	"7\thear\tto hear\tfine\tothers",
}

func writeTSV(t *testing.T, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	body := "id\tturn1\tturn2\tturn3\tlabel\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir(), t.TempDir())
	cfg.GPUs = ""
	cfg.Mode = config.ModeDefault
	cfg.BS = 4
	cfg.ProjectionSize = 4
	cfg.NLayers = 1
	cfg.FrozenEpochs = 1
	cfg.LR = 1e-3
	cfg.MaxSeqLen = 8
	cfg.Epochs = 3
	cfg.Seed = 7
	cfg.TrainFile = writeTSV(t, "train.tsv", rows)
	cfg.ValFile = writeTSV(t, "val.tsv", rows[:5])
	cfg.TestFile = writeTSV(t, "test.tsv", rows[3:])
	return cfg
}

func tinyBuilder(dropout float64) Builder {
	return func(cfg config.Config, rng *rand.Rand) (*emotion.Model, data.Encoder, error) {
		tok, err := wordpiece.New(vocab)
		if err != nil {
			return nil, nil, err
		}
		enc, err := sentence.New(sentence.Config{
			VocabSize:        len(vocab),
			MaxPositions:     16,
			Dim:              8,
			Layers:           2,
			Heads:            2,
			HiddenDim:        16,
			Dropout:          dropout,
			AttentionDropout: dropout,
			Activation:       "gelu",
		}, rng)
		if err != nil {
			return nil, nil, err
		}
		m, err := emotion.New(enc, emotion.Options{
			ProjectionSize: cfg.ProjectionSize,
			Layers:         cfg.NLayers,
			Dropout:        dropout,
		}, rng)
		if err != nil {
			return nil, nil, err
		}
		if dropout == 0 {
			m.Classifier.ClassDrop.P = 0
		}
		return m, tok, nil
	}
}

type fixture struct {
	cfg   config.Config
	model *emotion.Model
	train *data.Loader
	val   *data.Loader
	test  *data.Loader
}

func newFixture(t *testing.T, cfg config.Config, dropout float64) fixture {
	t.Helper()
	m, enc, err := tinyBuilder(dropout)(cfg, rand.New(rand.NewSource(cfg.Seed)))
	require.NoError(t, err)
	opts := data.Options{
		MaxSeqLen:     cfg.MaxSeqLen,
		BatchSize:     cfg.BS,
		IncludeLabels: true,
		Seed:          cfg.Seed,
	}
	f := fixture{cfg: cfg, model: m}
	f.train, err = data.Load(cfg.TrainFile, enc, opts)
	require.NoError(t, err)
	f.val, err = data.Load(cfg.ValFile, enc, opts)
	require.NoError(t, err)
	f.test, err = data.Load(cfg.TestFile, enc, opts)
	require.NoError(t, err)
	return f
}

type recorder struct {
	mu     sync.Mutex
	series map[string][]float64
}

func (r *recorder) LogMetric(key string, value float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.series == nil {
		r.series = make(map[string][]float64)
	}
	r.series[key] = append(r.series[key], value)
	return nil
}

func (r *recorder) LogMetrics(values map[string]float64, step int) error {
	for k, v := range values {
		if err := r.LogMetric(k, v, step); err != nil {
			return err
		}
	}
	return nil
}

func TestEarlyStopping(t *testing.T) {
	e := NewEarlyStopping(2, 0)
	assert.False(t, e.Update(1))
	assert.False(t, e.Update(0.9))
	assert.False(t, e.Update(0.95))
	assert.True(t, e.Update(0.9))
	assert.Equal(t, 0.9, e.Best())

	e = NewEarlyStopping(1, 0.1)
	assert.False(t, e.Update(1))
	assert.True(t, e.Update(0.95))

	e = NewEarlyStopping(2, 0)
	assert.False(t, e.Update(1))
	assert.False(t, e.Update(math.NaN()))
	assert.True(t, e.Update(math.NaN()))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "train", Train.String())
	assert.Equal(t, "validate", Validate.String())
	assert.Equal(t, "test", Test.String())
	assert.Equal(t, "Stage(9)", Stage(9).String())
}

func TestFit(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 0.1)
	sink := &recorder{}
	dir := filepath.Join(t.TempDir(), "checkpoints")
	tr := New(f.model, cfg, zap.NewNop(), sink, dir)

	h, err := tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	require.Len(t, h.Epochs, 3)
	assert.False(t, h.Stopped)
	assert.Equal(t, emotion.Frozen, h.Epochs[0].Phase)
	assert.Equal(t, emotion.Unfrozen, h.Epochs[1].Phase)
	assert.Equal(t, emotion.Unfrozen, h.Epochs[2].Phase)
	assert.True(t, h.Epochs[0].Saved)

	assert.Equal(t, 6, tr.Steps())
	assert.Len(t, sink.series["train_loss"], 6)
	assert.Len(t, sink.series["val_loss"], 3)
	assert.Len(t, sink.series["val_f1_score"], 3)
	assert.Equal(t, []float64{0, 1, 2}, sink.series["epoch"])
	assert.NotContains(t, sink.series, "grad_2.0_norm_total")

	// cosine over lr_cycle 10 epochs
	assert.InDelta(t, cfg.LR*(1+math.Cos(math.Pi*2/10))/2, h.Epochs[2].LR, 1e-12)

	_, err = os.Stat(filepath.Join(dir, checkpoint.BestFile))
	require.NoError(t, err)
	best, ok := h.Best()
	require.True(t, ok)
	loss, ok := tr.Best.Loss()
	require.True(t, ok)
	assert.Equal(t, best.Val.Loss, loss)
}

func TestFrozenEpochKeepsEncoder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 1
	cfg.FrozenEpochs = 1
	f := newFixture(t, cfg, 0.1)
	words := clone(f.model.Encoder.Words.W.Value.RawMatrix().Data)
	proj := clone(f.model.Classifier.Projection.W.Value.RawMatrix().Data)

	tr := New(f.model, cfg, zap.NewNop(), nil, "")
	_, err := tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	assert.Nil(t, tr.Best)

	assert.Equal(t, words, f.model.Encoder.Words.W.Value.RawMatrix().Data)
	assert.NotEqual(t, proj, f.model.Classifier.Projection.W.Value.RawMatrix().Data)

	cfg.FrozenEpochs = 0
	f = newFixture(t, cfg, 0.1)
	words = clone(f.model.Encoder.Words.W.Value.RawMatrix().Data)
	tr = New(f.model, cfg, zap.NewNop(), nil, "")
	_, err = tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	assert.NotEqual(t, words, f.model.Encoder.Words.W.Value.RawMatrix().Data)
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

func TestEarlyStopInFit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 10
	cfg.Patience = 1
	cfg.LR = 1e-9
	f := newFixture(t, cfg, 0)
	tr := New(f.model, cfg, zap.NewNop(), nil, "")
	// validation loss cannot move by much at this learning rate
	tr.Stopper.MinDelta = 1

	h, err := tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	assert.True(t, h.Stopped)
	assert.Len(t, h.Epochs, 2)
}

func TestFastDevRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.FastDevRun = true
	cfg.TrackGradNorm = true
	f := newFixture(t, cfg, 0.1)
	sink := &recorder{}
	tr := New(f.model, cfg, zap.NewNop(), sink, t.TempDir())
	assert.Nil(t, tr.Best)

	h, err := tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	assert.Len(t, h.Epochs, 1)
	assert.Equal(t, 1, tr.Steps())
	require.Len(t, sink.series["grad_2.0_norm_total"], 1)
	assert.Greater(t, sink.series["grad_2.0_norm_total"][0], 0.0)
}

func TestFitCancelled(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 0.1)
	tr := New(f.model, cfg, zap.NewNop(), nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Fit(ctx, f.train, f.val)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t)
	cfg.GPUs = "0,1"
	cfg.BS = 3
	cfg.DistributedBackend = config.BackendDP
	f := newFixture(t, cfg, 0.1)

	tr := New(f.model, cfg, zap.NewNop(), nil, "")
	steps := tr.plan(f.train, 0)
	require.Len(t, steps, 3)
	assert.Len(t, steps[0], 2)
	assert.Equal(t, 2, steps[0][0].Size())
	assert.Equal(t, 1, steps[0][1].Size())
	assert.InDeltaSlice(t, []float64{2.0 / 3, 1.0 / 3}, tr.weights(steps[0]), 1e-12)
	seen := map[string]bool{}
	for _, s := range steps {
		for _, b := range s {
			for _, id := range b.RowIDs {
				seen[id] = true
			}
		}
	}
	assert.Len(t, seen, 8)

	cfg.DistributedBackend = config.BackendDDP
	tr = New(f.model, cfg, zap.NewNop(), nil, "")
	steps = tr.plan(f.train, 0)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Len(t, s, 2)
		assert.Equal(t, []float64{0.5, 0.5}, tr.weights(s))
	}
	assert.Equal(t, 3, steps[0][0].Size())
	assert.Equal(t, 1, steps[1][1].Size())
}

func TestPlanKeepsBalancedSampling(t *testing.T) {
	lines := []string{"0\tI am happy\tso happy\tgood\thappy"}
	for i := 1; i < 64; i++ {
		lines = append(lines, fmt.Sprintf("%d\tgood\tfine\tthanks\tothers", i))
	}
	cfg := testConfig(t)
	cfg.TrainFile = writeTSV(t, "skewed.tsv", lines)
	cfg.BS = 8

	happy := func(gpus, backend string) int {
		cfg.GPUs = gpus
		cfg.DistributedBackend = backend
		f := newFixture(t, cfg, 0)
		train := data.NewLoader(f.train.Dataset(), data.Options{BatchSize: cfg.BS, Seed: cfg.Seed, Balanced: true})
		tr := New(f.model, cfg, zap.NewNop(), nil, "")
		n, total := 0, 0
		for _, s := range tr.plan(train, 0) {
			for _, b := range s {
				for _, id := range b.RowIDs {
					total++
					if id == "0" {
						n++
					}
				}
			}
		}
		assert.Equal(t, 64, total)
		return n
	}

	single := happy("", config.BackendDDP)
	assert.Greater(t, single, 16)
	assert.Equal(t, single, happy("0,1", config.BackendDDP))
	assert.Equal(t, single, happy("0,1", config.BackendDDP2))
	assert.Equal(t, single, happy("0,1", config.BackendDP))
}

func TestDataParallelGradient(t *testing.T) {
	cfg := testConfig(t)
	cfg.GPUs = "0,1"
	cfg.DistributedBackend = config.BackendDP
	f := newFixture(t, cfg, 0)
	b := f.train.Sequential().Batches(0)[0]

	ref := f.model.Replica()
	_, err := ref.Forward(b, emotion.Unfrozen, true)
	require.NoError(t, err)
	require.NoError(t, ref.Backward())

	tr := New(f.model, cfg, zap.NewNop(), nil, "")
	_, err = tr.forwardBackward(step(b.Split(2)), emotion.Unfrozen)
	require.NoError(t, err)

	want := ref.Params()
	for i, p := range f.model.Params() {
		require.NotNil(t, p.Grad, p.Name)
		assert.InDeltaSlice(t, want[i].Grad.RawMatrix().Data, p.Grad.RawMatrix().Data, 1e-9, p.Name)
	}
}

func TestFitDistributed(t *testing.T) {
	for _, backend := range []string{config.BackendDP, config.BackendDDP, config.BackendDDP2} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.GPUs = "0,1,2"
			cfg.DistributedBackend = backend
			cfg.Epochs = 2
			f := newFixture(t, cfg, 0.1)
			tr := New(f.model, cfg, zap.NewNop(), nil, "")
			h, err := tr.Fit(context.Background(), f.train, f.val)
			require.NoError(t, err)
			require.Len(t, h.Epochs, 2)
			for _, e := range h.Epochs {
				assert.False(t, math.IsNaN(e.TrainLoss))
				assert.GreaterOrEqual(t, e.Val.Loss, 0.0)
			}
		})
	}
}

func TestEvaluateMatchesAcrossWorkers(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 0.1)
	single, err := New(f.model, cfg, zap.NewNop(), nil, "").Evaluate(context.Background(), f.val)
	require.NoError(t, err)

	cfg.GPUs = "0,1"
	multi, err := New(f.model, cfg, zap.NewNop(), nil, "").Evaluate(context.Background(), f.val)
	require.NoError(t, err)
	assert.InDelta(t, single.Loss, multi.Loss, 1e-12)
	assert.Equal(t, single.TP, multi.TP)
	assert.Equal(t, single.FP, multi.FP)
	assert.Equal(t, single.FN, multi.FN)
}

func TestEvaluateNeedsLabels(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 0.1)
	tok, err := wordpiece.New(vocab)
	require.NoError(t, err)
	unlabelled, err := data.Load(cfg.ValFile, tok, data.Options{MaxSeqLen: cfg.MaxSeqLen, BatchSize: 2})
	require.NoError(t, err)

	_, err = New(f.model, cfg, zap.NewNop(), nil, "").Evaluate(context.Background(), unlabelled)
	assert.True(t, errors.Is(err, data.ErrNoLabels))
}

func TestTestRestoresBest(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, 0.1)
	sink := &recorder{}
	tr := New(f.model, cfg, zap.NewNop(), sink, t.TempDir())
	h, err := tr.Fit(context.Background(), f.train, f.val)
	require.NoError(t, err)
	best, ok := h.Best()
	require.True(t, ok)

	// scoring the validation set with the restored weights reproduces the
	// best epoch
	scores, err := tr.Test(context.Background(), f.val)
	require.NoError(t, err)
	assert.InDelta(t, best.Val.Loss, scores.Loss, 1e-9)
	assert.Equal(t, best.Val.TP, scores.TP)
	assert.Len(t, sink.series["test_loss"], 1)
}

func TestDefaultGrid(t *testing.T) {
	g := DefaultGrid()
	require.Len(t, g.LR, 5)
	assert.InDelta(t, 1e-5, g.LR[0], 1e-15)
	assert.InDelta(t, 1.3e-4+2.5e-6, g.LR[1], 1e-12)
	assert.InDelta(t, 5e-4, g.LR[4], 1e-15)

	base := config.Default("/h", "/d")
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		cfg := g.Sample(base, rng)
		assert.Contains(t, g.BS, cfg.BS)
		assert.Contains(t, g.ProjectionSize, cfg.ProjectionSize)
		assert.Contains(t, g.NLayers, cfg.NLayers)
		assert.Contains(t, g.FrozenEpochs, cfg.FrozenEpochs)
		assert.Contains(t, g.LR, cfg.LR)
		assert.Contains(t, g.LayerwiseDecay, cfg.LayerwiseDecay)
		assert.Equal(t, base.MaxSeqLen, cfg.MaxSeqLen)
	}

	cfg := Grid{}.Sample(base, rng)
	assert.Equal(t, base, cfg)
}

func TestSearch(t *testing.T) {
	base := config.Default("/h", "/d")
	collect := func(seed int64) []string {
		var (
			mu   sync.Mutex
			seen []string
		)
		err := Search(context.Background(), base, DefaultGrid(), 6, 3, seed, zap.NewNop(),
			func(ctx context.Context, trial int, cfg config.Config) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, fmt.Sprintf("%d:%d:%d:%g", trial, cfg.BS, cfg.NLayers, cfg.LR))
				return nil
			})
		require.NoError(t, err)
		sort.Strings(seen)
		return seen
	}
	a := collect(3)
	assert.Len(t, a, 6)
	assert.Equal(t, a, collect(3))

	var calls int32
	boom := errors.New("boom")
	err := Search(context.Background(), base, DefaultGrid(), 4, 1, 1, zap.NewNop(),
		func(ctx context.Context, trial int, cfg config.Config) error {
			atomic.AddInt32(&calls, 1)
			return boom
		})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	assert.Error(t, Search(context.Background(), base, DefaultGrid(), 0, 1, 1, zap.NewNop(), nil))
}

func TestExecute(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeTest
	cfg.Epochs = 2
	tr, err := tracker.Open(cfg.SavePath)
	require.NoError(t, err)
	defer tr.Close()

	res, err := Execute(context.Background(), cfg, tr, tinyBuilder(0.1), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, res.Test)
	assert.Len(t, res.History.Epochs, 2)

	params, err := tr.Params(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "4", params["bs"])

	arts, err := tr.Artifacts(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("checkpoints", checkpoint.BestFile)}, arts)

	loss, err := tr.Metric(res.RunID, "train_loss")
	require.NoError(t, err)
	assert.Len(t, loss, 4)
	testLoss, err := tr.Metric(res.RunID, "test_loss")
	require.NoError(t, err)
	assert.Len(t, testLoss, 1)
	ends, err := tr.Metric(res.RunID, "epoch")
	require.NoError(t, err)
	assert.Equal(t, []tracker.Point{{Step: 1, Value: 0}, {Step: 3, Value: 1}}, ends)

	exp, err := tr.Experiment(cfg.Experiment)
	require.NoError(t, err)
	runs, err := tr.Runs(exp)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, tracker.StatusFinished, runs[0].Status)
}

func TestExecuteFailureMarksRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainFile = filepath.Join(t.TempDir(), "missing.tsv")
	tr, err := tracker.Open(cfg.SavePath)
	require.NoError(t, err)
	defer tr.Close()

	_, err = Execute(context.Background(), cfg, tr, tinyBuilder(0.1), zap.NewNop())
	require.Error(t, err)

	exp, err := tr.Experiment(cfg.Experiment)
	require.NoError(t, err)
	runs, err := tr.Runs(exp)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, tracker.StatusFailed, runs[0].Status)
}
