package trainer

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/emotion/internal/config"
)

// Grid lists the candidate values of every searched hyper-parameter.
type Grid struct {
	BS             []int
	ProjectionSize []int
	NLayers        []int
	FrozenEpochs   []int
	LR             []float64
	LayerwiseDecay []float64
}

// DefaultGrid is the stock search space.
func DefaultGrid() Grid {
	return Grid{
		BS:             []int{32, 128, 256},
		ProjectionSize: []int{32, 128, 512},
		NLayers:        []int{2, 4, 6},
		FrozenEpochs:   []int{3, 6, 9},
		LR:             floats.Span(make([]float64, 5), 1e-5, 5e-4),
		LayerwiseDecay: []float64{0.3, 0.6, 0.8},
	}
}

// Sample draws one configuration from g on top of base.
func (g Grid) Sample(base config.Config, rng *rand.Rand) config.Config {
	cfg := base
	if len(g.BS) > 0 {
		cfg.BS = g.BS[rng.Intn(len(g.BS))]
	}
	if len(g.ProjectionSize) > 0 {
		cfg.ProjectionSize = g.ProjectionSize[rng.Intn(len(g.ProjectionSize))]
	}
	if len(g.NLayers) > 0 {
		cfg.NLayers = g.NLayers[rng.Intn(len(g.NLayers))]
	}
	if len(g.FrozenEpochs) > 0 {
		cfg.FrozenEpochs = g.FrozenEpochs[rng.Intn(len(g.FrozenEpochs))]
	}
	if len(g.LR) > 0 {
		cfg.LR = g.LR[rng.Intn(len(g.LR))]
	}
	if len(g.LayerwiseDecay) > 0 {
		cfg.LayerwiseDecay = g.LayerwiseDecay[rng.Intn(len(g.LayerwiseDecay))]
	}
	return cfg
}

// Trial runs one sampled configuration.
type Trial func(ctx context.Context, trial int, cfg config.Config) error

// Search runs trials sampled configurations from g, at most parallel at a
// time. Sampling is done up front from seed so the trial set does not
// depend on scheduling. The first failing trial cancels the rest.
func Search(ctx context.Context, base config.Config, g Grid, trials, parallel int, seed int64, logger *zap.Logger, run Trial) error {
	if trials <= 0 {
		return errors.Errorf("trials must be positive, got %d", trials)
	}
	if parallel <= 0 {
		parallel = 1
	}

	rng := rand.New(rand.NewSource(seed))
	configs := make([]config.Config, trials)
	for i := range configs {
		configs[i] = g.Sample(base, rng)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallel)
	for i, cfg := range configs {
		i, cfg := i, cfg
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.Info("starting trial",
				zap.Int("trial", i),
				zap.Int("bs", cfg.BS),
				zap.Int("projection_size", cfg.ProjectionSize),
				zap.Int("n_layers", cfg.NLayers),
				zap.Int("frozen_epochs", cfg.FrozenEpochs),
				zap.Float64("lr", cfg.LR),
				zap.Float64("layerwise_decay", cfg.LayerwiseDecay))
			return errors.Wrapf(run(ctx, i, cfg), "trial %d", i)
		})
	}
	return eg.Wait()
}
