package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	depth int
}

// NewZapLoggerFactory builds a factory backed by a production zap config.
// Every logger it creates is named after its module.
func NewZapLoggerFactory(level string) (LoggerFactory, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	root, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return ZapLoggerFactory(root), nil
}

func ZapLoggerFactory(root *zap.Logger) LoggerFactory {
	return func(moduleName string) Logger {
		base := root.Named(moduleName)
		return &zapLogger{
			base:  base,
			sugar: base.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		}
	}
}

func (z *zapLogger) Depth() int {
	return z.depth
}

func (z *zapLogger) SetDepth(depth int) {
	z.sugar = z.base.WithOptions(zap.AddCallerSkip(1 + depth)).Sugar()
	z.depth = depth
}

func (z *zapLogger) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

func (z *zapLogger) Warningf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *zapLogger) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *zapLogger) Flush() {
	_ = z.sugar.Sync()
}
