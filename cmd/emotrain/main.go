package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/internal/logging"
	"github.com/cnclabs/emotion/internal/tracker"
	"github.com/cnclabs/emotion/internal/trainer"
)

type args struct {
	ConfigFile string `arg:"--config" help:"yaml file with run settings, flags take precedence"`
	Parallel   int    `arg:"--parallel" help:"concurrent trials in hparams_search mode"`
	config.Config
}

func (args) Description() string {
	return `[EmoContext-Go]
	Contextual emotion classification of three-turn conversations

Description:
	Fine-tunes a DistilBERT encoder with a context transformer on top and
	labels the last turn as others, sad, angry or happy.

Usage:
  ./emotrain --mode test --encoder distilbert-base-uncased --train_file clean_train.txt --val_file clean_val.txt --test_file clean_test.txt --gpus 0,1 --bs 64

Input Format:
  id<TAB>turn1<TAB>turn2<TAB>turn3<TAB>label (header row, label one of others, sad, angry, happy)`
}

func main() {
	home, _ := os.UserHomeDir()
	wd, _ := os.Getwd()

	a := args{Parallel: 1, Config: config.Default(home, wd)}
	p := arg.MustParse(&a)
	if a.ConfigFile != "" {
		base, err := config.Load(a.ConfigFile, config.Default(home, wd))
		if err != nil {
			p.Fail(err.Error())
		}
		// flags are applied again on top of the file
		a.Config = base
		if err := p.Parse(os.Args[1:]); err != nil {
			p.Fail(err.Error())
		}
	}
	cfg := a.Config
	if err := cfg.Validate(); err != nil {
		p.Fail(err.Error())
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, a.Parallel, logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, parallel int, logger *zap.Logger) error {
	tr, err := tracker.Open(cfg.SavePath)
	if err != nil {
		return err
	}
	defer tr.Close()

	build := trainer.PretrainedBuilder(logger)
	if cfg.Mode == config.ModeSearch {
		return trainer.Search(ctx, cfg, trainer.DefaultGrid(), cfg.Trials, parallel, cfg.Seed, logger,
			func(ctx context.Context, trial int, c config.Config) error {
				c.Mode = config.ModeDefault
				_, err := trainer.Execute(ctx, c, tr, build, logger.With(zap.Int("trial", trial)))
				return err
			})
	}

	res, err := trainer.Execute(ctx, cfg, tr, build, logger)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("run_id", res.RunID),
		zap.Int("epochs", len(res.History.Epochs)),
		zap.Bool("early_stopped", res.History.Stopped),
	}
	if best, ok := res.History.Best(); ok {
		fields = append(fields, zap.Int("best_epoch", best.Epoch), zap.Float64("best_val_loss", best.Val.Loss))
	}
	if res.Test != nil {
		fields = append(fields, zap.Float64("test_f1", res.Test.F1))
	}
	logger.Info("Training completed successfully!", fields...)
	return nil
}
