package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/logging"
	"github.com/cnclabs/emotion/internal/report"
	"github.com/cnclabs/emotion/internal/tracker"
)

type args struct {
	SavePath   string   `arg:"--save-path" help:"root of the experiment store"`
	Experiment string   `arg:"--experiment" help:"report the latest run of this experiment"`
	RunID      string   `arg:"--run-id" help:"report this run instead of the latest one"`
	Output     string   `arg:"--output" help:"image file for the curves"`
	Keys       []string `arg:"--keys" help:"metric series to plot"`
}

func (args) Description() string {
	return `[EmoContext-Go]
	Plots the tracked loss curves of a training run

Usage:
  ./emoreport --experiment exp_name --output loss.png`
}

func main() {
	home, _ := os.UserHomeDir()
	a := args{
		SavePath:   filepath.Join(home, "data", "mlflow_experiments", "mlruns"),
		Experiment: "exp_name",
		Output:     "loss.png",
	}
	arg.MustParse(&a)

	logger, err := logging.New("info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(a, logger); err != nil {
		logger.Error("report failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(a args, logger *zap.Logger) error {
	tr, err := tracker.Open(a.SavePath)
	if err != nil {
		return err
	}
	defer tr.Close()

	runID := a.RunID
	if runID == "" {
		if runID, err = report.LatestRun(tr, a.Experiment); err != nil {
			return err
		}
	}

	p, err := report.Curves(tr, runID, a.Keys...)
	if err != nil {
		return err
	}
	if err := report.Save(p, a.Output); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("run_id", runID), zap.String("output", a.Output)}
	if best, err := report.BestEpoch(tr, runID, "val_acc", "val_f1_score"); err == nil {
		fields = append(fields, zap.Int("best_epoch", best.Epoch))
		for k, v := range best.Values {
			fields = append(fields, zap.Float64(k, v))
		}
	}
	logger.Info("report written", fields...)
	return nil
}
