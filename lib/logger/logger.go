package logger

import (
	"context"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config stores the logger configuration options.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

// Fields is an alias for the logrus field map.
type Fields = log.Fields

type contextKey struct{}

// Init sets up the logger defaults used until a configuration file is parsed.
func Init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
		PadLevelText:     true,
	})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
}

// Setup applies the parsed logger configuration to the standard logger.
func Setup(conf Config) error {
	switch conf.Output {
	case "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "", "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		// Assume the configured output is a path to a log file.
		file, err := os.OpenFile(conf.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return trace.Wrap(err, "failed to create the log file")
		}
		log.SetOutput(file)
	}

	switch strings.ToLower(conf.Severity) {
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		return trace.BadParameter("unknown log severity %q", conf.Severity)
	}

	return nil
}

// Standard returns the standard logger.
func Standard() log.FieldLogger {
	return log.StandardLogger()
}

// Get returns the logger stored in the context or the standard one.
func Get(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(log.FieldLogger); ok && logger != nil {
		return logger
	}
	return Standard()
}

// With stores a logger in the context.
func With(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithField returns a context with the given field added to its logger.
func WithField(ctx context.Context, key string, value interface{}) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithField(key, value)
	return With(ctx, logger), logger
}

// WithFields returns a context with the given fields added to its logger.
func WithFields(ctx context.Context, fields Fields) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithFields(fields)
	return With(ctx, logger), logger
}

// SetField adds a field to the context logger and returns the new context.
func SetField(ctx context.Context, key string, value interface{}) context.Context {
	ctx, _ = WithField(ctx, key, value)
	return ctx
}
