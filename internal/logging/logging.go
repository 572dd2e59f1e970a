// Package logging builds the process logger: JSON lines with RFC3339 time
// and caller, errors to stderr and everything else to stdout.
package logging

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger enabled from level ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	return build(level, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func build(level string, stdout, stderr zapcore.WriteSyncer) (*zap.Logger, error) {
	var threshold zapcore.Level
	if err := threshold.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel && lvl >= threshold
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && lvl >= threshold
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stderr, isErrorLevel),
		zapcore.NewCore(encoder, stdout, isInfoLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}
