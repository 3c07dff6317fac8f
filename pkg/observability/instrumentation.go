package observability

import (
	"context"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
)

// PriorityInstrumentation sits just inside recovery so the recorded duration
// and outcome cover the whole pipeline including validation failures.
const PriorityInstrumentation = 150

// Instrumentation is a command bus middleware recording per-command metrics.
type Instrumentation struct {
	metrics *Metrics
}

// NewInstrumentation creates the metrics middleware.
func NewInstrumentation(metrics *Metrics) *Instrumentation {
	return &Instrumentation{metrics: metrics}
}

func (*Instrumentation) Priority() int { return PriorityInstrumentation }

func (*Instrumentation) ShouldProcess(commandbus.Command) bool { return true }

func (i *Instrumentation) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	start := time.Now()
	result, err := next(ctx, cmd)
	i.metrics.RecordCommand(ctx, cmd.CommandType(), time.Since(start), err)
	return result, err
}
