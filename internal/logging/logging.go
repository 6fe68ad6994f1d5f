// Package logging constructs the service's zap.Logger, matching the
// production/development split the teacher services use directly in main().
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given environment and level string
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
// When lokiSink is non-nil, every log entry written to stdout is also
// written to it, via a second zapcore.Core under zapcore.NewTee — the
// structured-log-forwarding path internal/loki's Sink exists to serve.
func New(deployEnv, level string, lokiSink zapcore.WriteSyncer) (*zap.Logger, error) {
	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	dev := deployEnv == "development" || deployEnv == "dev"
	if dev {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	levelEnabler := zap.NewAtomicLevelAt(lvl)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), levelEnabler),
	}
	if lokiSink != nil {
		// Loki always receives JSON lines regardless of console-mode stdout,
		// so log-aggregation queries don't have to parse the dev encoder.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), lokiSink, levelEnabler))
	}

	core := zapcore.NewTee(cores...)
	opts := []zap.Option{zap.AddCaller()}
	if !dev {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}
