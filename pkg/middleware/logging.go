package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
)

// PriorityLogging runs inside the transaction so the logged duration covers
// only the handler.
const PriorityLogging = 10

// Logging emits structured start/finish records around each command.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates the logging middleware. A nil logger means
// slog.Default().
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (*Logging) Priority() int { return PriorityLogging }

func (*Logging) ShouldProcess(commandbus.Command) bool { return true }

func (l *Logging) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	attrs := []any{
		slog.String("command_type", cmd.CommandType()),
		slog.String("aggregate_id", string(cmd.AggregateID())),
	}
	if principal, ok := PrincipalFrom(ctx); ok {
		attrs = append(attrs, slog.String("principal_id", principal.ID))
	}
	l.logger.Debug("command started", attrs...)

	start := time.Now()
	result, err := next(ctx, cmd)
	elapsed := time.Since(start)

	attrs = append(attrs, slog.Int64("duration_ms", elapsed.Milliseconds()))
	if err != nil {
		l.logger.Error("command failed", append(attrs, slog.Any("error", err))...)
		return nil, err
	}
	l.logger.Info("command handled", attrs...)
	return result, nil
}
