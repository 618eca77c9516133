package ingest

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/WessleyAI/castmatch/pkg/natsutil"
)

const (
	// RunSubject starts a run over NATS request/reply.
	RunSubject = "catalog.ingest.run"
	// TriggerQueue load-balances triggers across ingest workers.
	TriggerQueue = "castmatch-ingest"
)

// RunRequest is the payload of a RunSubject request.
type RunRequest struct {
	// Requester is informational and only logged.
	Requester string `json:"requester,omitempty"`
}

// StartTrigger serves RunSubject until the subscription is drained. Runs are
// bound to ctx, carrying the requester's trace. Aborted runs answer with their
// summary; only a run already in progress answers with an error.
func (p *Pipeline) StartTrigger(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Handle(nc, RunSubject, TriggerQueue, p.log, func(msgCtx context.Context, req RunRequest) (Summary, error) {
		runCtx := trace.ContextWithRemoteSpanContext(ctx, trace.SpanContextFromContext(msgCtx))
		p.log.Info("ingest: run requested", "requester", req.Requester)
		sum, err := p.Run(runCtx)
		if err != nil && sum.RunID == "" {
			return Summary{}, err
		}
		return sum, nil
	})
}
