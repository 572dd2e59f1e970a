package trainer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/metrics"
	"github.com/cnclabs/emotion/internal/models/emotion"
	"github.com/cnclabs/emotion/pkg/nn"
)

// step is the work of one optimizer step: one batch per replica.
type step []data.Batch

// plan lays out the steps of an epoch. With one worker every batch is a
// step. The dp backend splits every batch across the replicas; ddp and
// ddp2 give each replica its own shard and pair up their batches.
func (t *Trainer) plan(loader *data.Loader, epoch int) []step {
	workers := len(t.replicas)
	if workers == 1 {
		var steps []step
		for _, b := range loader.Batches(epoch) {
			steps = append(steps, step{b})
		}
		return steps
	}

	if t.Config.DistributedBackend == config.BackendDP {
		var steps []step
		for _, b := range loader.Batches(epoch) {
			steps = append(steps, step(b.Split(workers)))
		}
		return steps
	}

	shards := make([][]data.Batch, workers)
	for r := range shards {
		shards[r] = loader.Shard(r, workers).Batches(epoch)
	}
	steps := make([]step, len(shards[0]))
	for i := range steps {
		for r := range shards {
			if i < len(shards[r]) {
				steps[i] = append(steps[i], shards[r][i])
			}
		}
	}
	return steps
}

// weights returns each replica's share of the step gradient: proportional
// to its batch size under dp, uniform under ddp.
func (t *Trainer) weights(s step) []float64 {
	w := make([]float64, len(s))
	if t.Config.DistributedBackend == config.BackendDP {
		total := 0
		for _, b := range s {
			total += b.Size()
		}
		for i, b := range s {
			w[i] = float64(b.Size()) / float64(total)
		}
		return w
	}
	for i := range w {
		w[i] = 1 / float64(len(s))
	}
	return w
}

// forwardBackward runs every part of s on its replica and leaves the
// reduced gradient on the main model. It returns the weighted loss.
func (t *Trainer) forwardBackward(s step, phase emotion.Phase) (float64, error) {
	losses := make([]float64, len(s))
	var g errgroup.Group
	for r, part := range s {
		r, part := r, part
		g.Go(func() error {
			m := t.replicas[r]
			nn.ZeroGrads(m.Params())
			out, err := m.Forward(part, phase, true)
			if err != nil {
				return err
			}
			losses[r] = out.Loss
			return m.Backward()
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	w := t.weights(s)
	if t.replicas[0] != t.Model {
		nn.ReduceGrads(t.Model.Params(), t.replicaParams[:len(s)], w)
	}
	loss := 0.0
	for r, l := range losses {
		loss += w[r] * l
	}
	return loss, nil
}

// score evaluates batches round-robin over the replicas.
func (t *Trainer) score(ctx context.Context, batches []data.Batch) ([]metrics.BatchScores, error) {
	results := make([]metrics.BatchScores, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	for r := range t.replicas {
		r := r
		g.Go(func() error {
			m := t.replicas[r]
			for i := r; i < len(batches); i += len(t.replicas) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if batches[i].Labels == nil {
					return data.ErrNoLabels
				}
				out, err := m.Forward(batches[i], emotion.Frozen, false)
				if err != nil {
					return err
				}
				results[i] = metrics.Batch(out.Loss, out.Logits, batches[i].Labels)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
