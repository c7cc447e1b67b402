package dispatch

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/metrics"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

// dispatcherWithMetrics decorates Dispatcher with metrics instrumentation.
type dispatcherWithMetrics struct {
	next    Dispatcher
	metrics metrics.BusinessMetrics
}

// NewDispatcherWithMetrics wraps a Dispatcher with metrics recording. The operation label is
// the command name.
func NewDispatcherWithMetrics(next Dispatcher, m metrics.BusinessMetrics) Dispatcher {
	return &dispatcherWithMetrics{next: next, metrics: m}
}

func (d *dispatcherWithMetrics) Dispatch(
	ctx context.Context,
	db string,
	cmd bson.D,
	op *sessionDomain.OperationContext,
) (bson.D, error) {
	start := time.Now()
	reply, err := d.next.Dispatch(ctx, db, cmd, op)

	name, nameErr := CommandName(cmd)
	if nameErr != nil {
		name = "unknown"
	}
	metrics.Observe(ctx, d.metrics, "dispatch", name, start, err)

	return reply, err
}
