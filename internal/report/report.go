// Package report summarises tracked runs: loss curves and the best
// validation epoch.
package report

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cnclabs/emotion/internal/tracker"
)

// DefaultKeys are the plotted series of a training run.
var DefaultKeys = []string{"train_loss", "val_loss"}

// Source is the part of the tracker a report reads.
type Source interface {
	Metric(runID, key string) ([]tracker.Point, error)
}

// EpochKey is the series mapping every epoch to its last optimizer step.
const EpochKey = "epoch"

// Curves plots the metric series keys of runID against the optimizer step.
// Validation series are logged per epoch and are placed at the last step of
// their epoch when the run recorded EpochKey. Series with no points are
// skipped.
func Curves(src Source, runID string, keys ...string) (*plot.Plot, error) {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	p, err := plot.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating plot")
	}
	p.Title.Text = "run " + runID
	p.X.Label.Text = "step"
	p.Y.Label.Text = strings.Join(keys, ", ")
	p.Add(plotter.NewGrid())

	ends, err := epochEnds(src, runID)
	if err != nil {
		return nil, err
	}
	drawn := 0
	for i, key := range keys {
		xys, err := series(src, runID, key, ends)
		if err != nil {
			return nil, err
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "plotting %s", key)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(key, line)
		drawn++
	}
	if drawn == 0 {
		return nil, errors.Errorf("run %s has none of the metrics %s", runID, strings.Join(keys, ", "))
	}
	return p, nil
}

// epochEnds maps epoch to the step it ended on.
func epochEnds(src Source, runID string) (map[int]int, error) {
	points, err := src.Metric(runID, EpochKey)
	if err != nil {
		return nil, err
	}
	ends := make(map[int]int, len(points))
	for _, pt := range points {
		ends[int(pt.Value)] = pt.Step
	}
	return ends, nil
}

func series(src Source, runID, key string, ends map[int]int) (plotter.XYs, error) {
	points, err := src.Metric(runID, key)
	if err != nil {
		return nil, err
	}
	perEpoch := strings.HasPrefix(key, "val_")
	xys := make(plotter.XYs, len(points))
	for j, pt := range points {
		step := pt.Step
		if end, ok := ends[pt.Step]; ok && perEpoch {
			step = end
		}
		xys[j].X = float64(step)
		xys[j].Y = pt.Value
	}
	return xys, nil
}

// LatestRun returns the most recent run of the named experiment. Unknown
// experiments are an error and are not created.
func LatestRun(tr *tracker.Tracker, experiment string) (string, error) {
	exp, err := tr.FindExperiment(experiment)
	if err != nil {
		return "", err
	}
	runs, err := tr.Runs(exp)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.Errorf("experiment %s has no runs", experiment)
	}
	return runs[0].ID, nil
}

// Save writes p to path. The format follows the file extension.
func Save(p *plot.Plot, path string) error {
	if filepath.Ext(path) == "" {
		return errors.Errorf("%s has no image extension", path)
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, path), "saving %s", path)
}

// Best is the validation epoch with the lowest loss.
type Best struct {
	Epoch  int
	Values map[string]float64
}

// BestEpoch finds the step of the lowest val_loss and collects the other
// keys at that step.
func BestEpoch(src Source, runID string, keys ...string) (Best, error) {
	losses, err := src.Metric(runID, "val_loss")
	if err != nil {
		return Best{}, err
	}
	if len(losses) == 0 {
		return Best{}, errors.Errorf("run %s has no val_loss", runID)
	}
	best := losses[0]
	for _, pt := range losses[1:] {
		if pt.Value < best.Value {
			best = pt
		}
	}

	out := Best{Epoch: best.Step, Values: map[string]float64{"val_loss": best.Value}}
	for _, key := range keys {
		points, err := src.Metric(runID, key)
		if err != nil {
			return out, err
		}
		for _, pt := range points {
			if pt.Step == best.Step {
				out.Values[key] = pt.Value
			}
		}
	}
	return out, nil
}
