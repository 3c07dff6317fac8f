package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
)

// PriorityRecovery runs outermost so it catches panics from every other
// middleware as well as the handler.
const PriorityRecovery = 200

// Recovery converts handler panics into errors so one bad command cannot
// take down the dispatching goroutine.
type Recovery struct {
	logger *slog.Logger
}

// NewRecovery creates the recovery middleware. A nil logger means
// slog.Default().
func NewRecovery(logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{logger: logger}
}

func (*Recovery) Priority() int { return PriorityRecovery }

func (*Recovery) ShouldProcess(commandbus.Command) bool { return true }

func (r *Recovery) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command handler panicked",
				slog.String("command_type", cmd.CommandType()),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = fmt.Errorf("command %s panicked: %v", cmd.CommandType(), rec)
		}
	}()
	return next(ctx, cmd)
}
