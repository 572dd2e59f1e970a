package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/checkpoint"
	"github.com/cnclabs/emotion/internal/data"
	"github.com/cnclabs/emotion/internal/logging"
	"github.com/cnclabs/emotion/internal/predict"
	"github.com/cnclabs/emotion/internal/trainer"
)

type args struct {
	Checkpoint string `arg:"--checkpoint,required" help:"best.ckpt written by emotrain"`
	Input      string `arg:"--input,required" help:"conversations to label"`
	Output     string `arg:"--output,required" help:"where to write id and label columns"`
	Encoder    string `arg:"--encoder" help:"pretrained encoder directory, defaults to the one used in training"`
	BS         int    `arg:"--bs" help:"batch size"`
	LogLevel   string `arg:"--log-level"`
}

func (args) Description() string {
	return `[EmoContext-Go]
	Labels three-turn conversations with a trained checkpoint

Usage:
  ./emopredict --checkpoint mlruns/1/<run>/checkpoints/best.ckpt --input dev.txt --output predictions.txt

Input Format:
  id<TAB>turn1<TAB>turn2<TAB>turn3 (header row, a label column is ignored)`
}

func main() {
	a := args{BS: 64, LogLevel: "info"}
	arg.MustParse(&a)

	logger, err := logging.New(a.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), a, logger); err != nil {
		logger.Error("prediction failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, logger *zap.Logger) error {
	state, err := checkpoint.Load(a.Checkpoint)
	if err != nil {
		return err
	}
	cfg := state.Config
	if a.Encoder != "" {
		cfg.Encoder = a.Encoder
	}

	model, enc, err := trainer.PretrainedBuilder(logger)(cfg, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	if err := state.Restore(model.Params()); err != nil {
		return err
	}
	logger.Info("restored checkpoint",
		zap.String("run_id", state.RunID),
		zap.Int("epoch", state.Epoch),
		zap.Float64("val_loss", state.ValLoss))

	loader, err := data.Load(a.Input, enc, data.Options{MaxSeqLen: cfg.MaxSeqLen, BatchSize: a.BS})
	if err != nil {
		return err
	}
	preds, err := predict.Run(ctx, model, loader, data.LabelNames(model.Labels))
	if err != nil {
		return err
	}
	if err := predict.WriteFile(a.Output, preds); err != nil {
		return err
	}
	logger.Info("wrote predictions", zap.String("path", a.Output), zap.Int("rows", len(preds)))
	return nil
}
