// Package trainer runs the training loop of the emotion model: a frozen
// encoder warm-up, layerwise learning rates under a cosine schedule,
// validation after every epoch, best-model checkpointing and early
// stopping.
package trainer

import (
	"context"
	"fmt"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/checkpoint"
	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/metrics"
	"github.com/cnclabs/emotion/internal/models/emotion"
	"github.com/cnclabs/emotion/pkg/nn"
)

// Stage of the loop.
type Stage int

const (
	Train Stage = iota
	Validate
	Test
)

func (s Stage) String() string {
	switch s {
	case Train:
		return "train"
	case Validate:
		return "validate"
	case Test:
		return "test"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Sink receives metric series. *tracker.Run implements it.
type Sink interface {
	LogMetric(key string, value float64, step int) error
	LogMetrics(values map[string]float64, step int) error
}

type discard struct{}

func (discard) LogMetric(string, float64, int) error { return nil }
func (discard) LogMetrics(map[string]float64, int) error { return nil }

// Epoch summarises one epoch of Fit.
type Epoch struct {
	Epoch     int
	Phase     emotion.Phase
	LR        float64
	TrainLoss float64
	Val       metrics.Scores
	Saved     bool
}

// History is the outcome of Fit.
type History struct {
	Epochs  []Epoch
	Stopped bool
}

// Best returns the epoch with the lowest validation loss.
func (h *History) Best() (Epoch, bool) {
	if len(h.Epochs) == 0 {
		return Epoch{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.Val.Loss < best.Val.Loss {
			best = e
		}
	}
	return best, true
}

// Trainer owns the optimizer and the replicas of one model.
type Trainer struct {
	Config    config.Config
	Model     *emotion.Model
	Optimizer *nn.AdamW
	Schedule  nn.CosineSchedule
	Stopper   *EarlyStopping
	Logger    *zap.Logger
	Sink      Sink
	RunID     string

	// Best is nil when checkpointing is disabled.
	Best *checkpoint.Best

	replicas      []*emotion.Model
	replicaParams [][]*nn.Param
	step          int
}

// New prepares a trainer for model. Checkpoints are written to
// checkpointDir unless it is empty or cfg.FastDevRun is set. sink may be nil.
func New(model *emotion.Model, cfg config.Config, logger *zap.Logger, sink Sink, checkpointDir string) *Trainer {
	if sink == nil {
		sink = discard{}
	}
	t := &Trainer{
		Config:    cfg,
		Model:     model,
		Optimizer: nn.NewAdamW(model.ParamGroups(cfg.LR, cfg.LayerwiseDecay), cfg.WeightDecay),
		Schedule:  nn.CosineSchedule{TMax: cfg.LRCycle},
		Stopper:   NewEarlyStopping(cfg.Patience, 0),
		Logger:    logger,
		Sink:      sink,
	}
	if checkpointDir != "" && !cfg.FastDevRun {
		t.Best = &checkpoint.Best{Dir: checkpointDir, Logger: logger}
	}

	workers := cfg.Workers()
	if workers == 1 {
		t.replicas = []*emotion.Model{model}
	} else {
		for w := 0; w < workers; w++ {
			r := model.Replica()
			t.replicas = append(t.replicas, r)
			t.replicaParams = append(t.replicaParams, r.Params())
		}
	}

	if cfg.Use16Bit {
		logger.Warn("16 bit precision is not supported, training in float64")
	}
	logger.Info("trainer ready",
		zap.Int("workers", workers),
		zap.String("backend", cfg.DistributedBackend),
		zap.Int("groups", len(t.Optimizer.Groups)),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("frozen_epochs", cfg.FrozenEpochs),
		zap.Bool("fast_dev_run", cfg.FastDevRun))
	return t
}

// Fit trains on train and validates on val after every epoch until the
// epoch budget runs out or early stopping triggers.
func (t *Trainer) Fit(ctx context.Context, train, val *data.Loader) (*History, error) {
	epochs := t.Config.Epochs
	if t.Config.FastDevRun {
		epochs = 1
	}

	h := &History{}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return h, err
		}
		phase := emotion.PhaseAt(epoch, t.Config.FrozenEpochs)
		if phase == emotion.Unfrozen && epoch == t.Config.FrozenEpochs && epoch > 0 {
			t.Logger.Info("unfreezing encoder", zap.Int("epoch", epoch))
		}
		t.Optimizer.Factor = t.Schedule.Factor(epoch)

		trainLoss, err := t.trainEpoch(ctx, train, epoch, phase)
		if err != nil {
			return h, errors.Wrapf(err, "training epoch %d", epoch)
		}
		scores, err := t.Evaluate(ctx, val)
		if err != nil {
			return h, errors.Wrapf(err, "validating epoch %d", epoch)
		}
		if err := t.Sink.LogMetrics(scores.Map("val_"), epoch); err != nil {
			return h, err
		}
		// val_ series are indexed by epoch, train_loss by step
		if err := t.Sink.LogMetric("epoch", float64(epoch), t.lastStep()); err != nil {
			return h, err
		}

		e := Epoch{
			Epoch:     epoch,
			Phase:     phase,
			LR:        t.Optimizer.LR(len(t.Optimizer.Groups) - 1),
			TrainLoss: trainLoss,
			Val:       scores,
		}
		if t.Best != nil {
			e.Saved, err = t.Best.Consider(scores.Loss, func() *checkpoint.State {
				return t.capture(epoch)
			})
			if err != nil {
				return h, errors.Wrapf(err, "checkpointing epoch %d", epoch)
			}
		}
		h.Epochs = append(h.Epochs, e)

		t.Logger.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Stringer("phase", phase),
			zap.Float64("lr", e.LR),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("val_loss", scores.Loss),
			zap.Float64("val_acc", scores.Acc),
			zap.Float64("val_f1", scores.F1))

		if t.Stopper.Update(scores.Loss) {
			t.Logger.Info("early stopping",
				zap.Int("epoch", epoch),
				zap.Float64("best_val_loss", t.Stopper.Best()))
			h.Stopped = true
			break
		}
	}
	return h, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *data.Loader, epoch int, phase emotion.Phase) (float64, error) {
	steps := t.plan(loader, epoch)
	if t.Config.FastDevRun && len(steps) > 1 {
		steps = steps[:1]
	}

	losses := make([]float64, 0, len(steps))
	desc := fmt.Sprintf("%s epoch %d (%s)", Train, epoch, phase)
	err := t.each(len(steps), desc, func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loss, err := t.trainStep(steps[i], phase)
		if err != nil {
			return err
		}
		losses = append(losses, loss)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, nil
	}
	mean, err := stats.Mean(losses)
	return mean, errors.Wrap(err, "averaging train loss")
}

func (t *Trainer) trainStep(s step, phase emotion.Phase) (float64, error) {
	t.Optimizer.ZeroGrad()
	loss, err := t.forwardBackward(s, phase)
	if err != nil {
		return 0, err
	}
	if err := t.Sink.LogMetric("train_loss", loss, t.step); err != nil {
		return 0, err
	}
	if t.Config.TrackGradNorm {
		norm := nn.GradNorm(t.Model.Params())
		if err := t.Sink.LogMetric("grad_2.0_norm_total", norm, t.step); err != nil {
			return 0, err
		}
	}
	t.Optimizer.Step()
	t.step++
	return loss, nil
}

// Evaluate scores the model on every batch of loader in order.
func (t *Trainer) Evaluate(ctx context.Context, loader *data.Loader) (metrics.Scores, error) {
	return t.evaluate(ctx, loader, Validate)
}

func (t *Trainer) evaluate(ctx context.Context, loader *data.Loader, stage Stage) (metrics.Scores, error) {
	batches := loader.Sequential().Batches(0)
	if t.Config.FastDevRun && len(batches) > 1 {
		batches = batches[:1]
	}
	results, err := t.score(ctx, batches)
	if err != nil {
		return metrics.Scores{}, err
	}
	t.Logger.Debug("evaluated",
		zap.Stringer("stage", stage),
		zap.Int("batches", len(batches)),
		zap.Int("examples", loader.Dataset().Len()))
	return metrics.Aggregate(results), nil
}

// Test scores loader with the best checkpoint when one was saved, and the
// current weights otherwise.
func (t *Trainer) Test(ctx context.Context, loader *data.Loader) (metrics.Scores, error) {
	if t.Best != nil {
		if _, ok := t.Best.Loss(); ok {
			s, err := checkpoint.Load(t.Best.Path())
			if err != nil {
				return metrics.Scores{}, err
			}
			if err := s.Restore(t.Model.Params()); err != nil {
				return metrics.Scores{}, err
			}
			t.Logger.Info("restored best checkpoint",
				zap.String("path", t.Best.Path()),
				zap.Int("epoch", s.Epoch),
				zap.Float64("val_loss", s.ValLoss))
		}
	}

	scores, err := t.evaluate(ctx, loader, Test)
	if err != nil {
		return scores, errors.Wrap(err, "testing")
	}
	if err := t.Sink.LogMetrics(scores.Map("test_"), 0); err != nil {
		return scores, err
	}
	t.Logger.Info("test done",
		zap.Float64("test_loss", scores.Loss),
		zap.Float64("test_acc", scores.Acc),
		zap.Float64("test_precision", scores.Precision),
		zap.Float64("test_recall", scores.Recall),
		zap.Float64("test_f1", scores.F1))
	return scores, nil
}

func (t *Trainer) lastStep() int {
	if t.step == 0 {
		return 0
	}
	return t.step - 1
}

// Steps returns the number of optimizer steps taken.
func (t *Trainer) Steps() int {
	return t.step
}

func (t *Trainer) capture(epoch int) *checkpoint.State {
	s := checkpoint.Capture(t.Model.Params(), t.Optimizer)
	s.RunID = t.RunID
	s.Epoch = epoch
	s.Step = t.step
	s.Config = t.Config
	return s
}

// each calls fn for 0..n-1, behind a progress bar when enabled.
func (t *Trainer) each(n int, desc string, fn func(i int) error) error {
	if !t.Config.Progress {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var ferr error
	err := tqdm.With(iterators.Interval(0, n), desc, func(v interface{}) (brk bool) {
		if ferr = fn(v.(int)); ferr != nil {
			return true
		}
		return false
	})
	if ferr != nil {
		return ferr
	}
	return errors.Wrap(err, "progress bar")
}
