package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the zerolog logger handed to reconcilers and transports. Derived
// loggers carry the component, device, task or phase they log for.
type Logger struct {
	zlog zerolog.Logger

	// out is the log file opened by NewLogger, closed by Close.
	out io.Closer
}

type loggerContextKey struct{}

// NewLogger creates the root logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var (
		w   io.Writer
		out io.Closer
	)
	switch cfg.Output {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, out = f, f
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		// Skip the Logger method between the call site and zerolog.
		zctx = zctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 1)
	}

	return &Logger{zlog: zctx.Logger(), out: out}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Close closes the log file, if the logger writes to one.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Zerolog returns the underlying zerolog logger for packages that log with
// zerolog directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component).Logger())
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a Nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(l.zlog.With().Fields(fields).Logger())
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value).Logger())
}

// WithTaskID tags the logger with a dispatcher task id.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.with(l.zlog.With().Str("task_id", taskID).Logger())
}

// WithDevice tags the logger with the device being reconciled.
func (l *Logger) WithDevice(device string) *Logger {
	return l.with(l.zlog.With().Str("device", device).Logger())
}

// WithPhase tags the logger with a phase of a pass, such as groups or
// flow-removal.
func (l *Logger) WithPhase(phase string) *Logger {
	return l.with(l.zlog.With().Str("phase", phase).Logger())
}

// WithError returns a logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err).Logger())
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
