// Package logger builds the zap loggers used by the unthin command.
package logger

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// JSON selects the production JSON encoder instead of the console one.
	JSON  bool
	Level string

	// File, when set, sends output to a rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Writer receives output when File is empty. Nil means stderr.
	Writer io.Writer
}

// New builds a logger. The returned function flushes the logger and
// closes the log file, if any.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse log level %q", opts.Level)
		}
		level = l
	}

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		if opts.File == "" && opts.Writer == nil {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	var (
		sink   zapcore.WriteSyncer
		closer io.Closer
	)
	switch {
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		sink = zapcore.AddSync(rotator)
		closer = rotator
	case opts.Writer != nil:
		sink = zapcore.Lock(zapcore.AddSync(opts.Writer))
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	log := zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())
	cleanup := func() error {
		// Sync on a terminal returns EINVAL; it carries no information.
		_ = log.Sync()
		if closer != nil {
			return closer.Close()
		}
		return nil
	}
	return log, cleanup, nil
}
