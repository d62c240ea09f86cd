package lightstreamer

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging capability the session driver consumes. It is
// intentionally narrow so callers can adapt any logging framework to
// it, or pass nil for no logging at all.
type Logger interface {
	Debug(ctx context.Context, msg string)
	Info(ctx context.Context, msg string)
	Warn(ctx context.Context, msg string)
	Error(ctx context.Context, msg string)
}

// zerologLogger adapts a zerolog.Logger to the Logger interface.
type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger returns a Logger backed by zerolog, writing
// human-readable console output tagged with app. Pass this to
// ClientConfig.Logger when no application-specific Logger is available.
func NewZerologLogger(app string) Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	l := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	return &zerologLogger{log: l}
}

func (z *zerologLogger) Debug(_ context.Context, msg string) { z.log.Debug().Msg(msg) }
func (z *zerologLogger) Info(_ context.Context, msg string)  { z.log.Info().Msg(msg) }
func (z *zerologLogger) Warn(_ context.Context, msg string)  { z.log.Warn().Msg(msg) }
func (z *zerologLogger) Error(_ context.Context, msg string) { z.log.Error().Msg(msg) }
