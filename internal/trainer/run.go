package trainer

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/metrics"
	"github.com/cnclabs/emotion/internal/models/emotion"
	"github.com/cnclabs/emotion/internal/models/sentence"
	"github.com/cnclabs/emotion/internal/tracker"
)

// Builder creates a model and the tokenizer feeding it.
type Builder func(cfg config.Config, rng *rand.Rand) (*emotion.Model, data.Encoder, error)

// PretrainedBuilder loads the encoder from cfg.Encoder and puts a freshly
// initialised context classifier on top.
func PretrainedBuilder(logger *zap.Logger) Builder {
	return func(cfg config.Config, rng *rand.Rand) (*emotion.Model, data.Encoder, error) {
		enc, tok, err := sentence.LoadPretrained(cfg.Encoder, cfg.Dropout, rng, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := enc.CheckSeqLen(cfg.MaxSeqLen); err != nil {
			return nil, nil, err
		}
		model, err := emotion.New(enc, emotion.Options{
			ProjectionSize: cfg.ProjectionSize,
			Layers:         cfg.NLayers,
			Dropout:        cfg.Dropout,
		}, rng)
		if err != nil {
			return nil, nil, err
		}
		return model, tok, nil
	}
}

// Result is the outcome of Execute.
type Result struct {
	RunID   string
	History *History
	Test    *metrics.Scores
}

// Execute performs one tracked run: fit on the train file, record the
// checkpoint directory as artifacts and, in test mode, score the test file
// with the best checkpoint.
func Execute(ctx context.Context, cfg config.Config, tr *tracker.Tracker, build Builder, logger *zap.Logger) (res *Result, err error) {
	expID, err := tr.Experiment(cfg.Experiment)
	if err != nil {
		return nil, err
	}
	run, err := tr.StartRun(expID)
	if err != nil {
		return nil, err
	}
	defer func() {
		status := tracker.StatusFinished
		if err != nil {
			status = tracker.StatusFailed
		}
		if endErr := run.End(status); endErr != nil && err == nil {
			err = endErr
		}
	}()

	logger = logger.With(zap.String("run_id", run.ID))
	if err := run.LogParams(cfg.Params()); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, enc, err := build(cfg, rng)
	if err != nil {
		return nil, errors.Wrap(err, "building model")
	}
	model.LogSettings(logger)

	opts := data.Options{
		MaxSeqLen:     cfg.MaxSeqLen,
		BatchSize:     cfg.BS,
		LabelMap:      model.Labels,
		IncludeLabels: true,
		Seed:          cfg.Seed,
		Balanced:      cfg.Balanced,
	}
	train, err := data.Load(cfg.TrainFile, enc, opts)
	if err != nil {
		return nil, err
	}
	opts.Balanced = false
	val, err := data.Load(cfg.ValFile, enc, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("data loaded",
		zap.Int("train", train.Dataset().Len()),
		zap.Int("val", val.Dataset().Len()),
		zap.Int("train_batches", train.NumBatches()))

	t := New(model, cfg, logger, run, run.CheckpointDir())
	t.RunID = run.ID
	h, err := t.Fit(ctx, train, val)
	if err != nil {
		return nil, err
	}
	res = &Result{RunID: run.ID, History: h}

	if t.Best != nil {
		if _, ok := t.Best.Loss(); ok {
			if err := run.LogArtifacts(run.CheckpointDir()); err != nil {
				return res, err
			}
		}
	}

	if cfg.Mode == config.ModeTest {
		test, err := data.Load(cfg.TestFile, enc, opts)
		if err != nil {
			return res, err
		}
		scores, err := t.Test(ctx, test)
		if err != nil {
			return res, err
		}
		res.Test = &scores
	}
	return res, nil
}
