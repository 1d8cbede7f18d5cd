package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultPoolSize caps how many identities a batch processes at once.
const DefaultPoolSize = 16

// Handler processes one inbound event.
type Handler interface {
	HandleInbound(ctx context.Context, evt models.InboundEvent) (*Outcome, error)
}

var _ Handler = (*Controller)(nil)

// Result pairs an event with what happened to it.
type Result struct {
	Outcome *Outcome
	Err     error
}

// Pool runs batches of inbound events. Events for one identity run in arrival
// order; distinct identities run concurrently up to the pool size. A transient
// failure stops its identity's lane so a redelivered batch replays the rest in
// order.
type Pool struct {
	handler Handler
	size    int
}

// NewPool creates a pool over handler. A size below one uses DefaultPoolSize.
func NewPool(handler Handler, size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &Pool{handler: handler, size: size}
}

// Process handles events and returns one Result per event in input order.
func (p *Pool) Process(ctx context.Context, events []models.InboundEvent) []Result {
	results := make([]Result, len(events))

	lanes := make(map[string][]int)
	var order []string
	for i, evt := range events {
		key, err := messaging.CanonicalizePhone(evt.From)
		if err != nil {
			key = evt.From
		}
		if _, ok := lanes[key]; !ok {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for _, key := range order {
		idx := lanes[key]
		g.Go(func() error {
			for n, i := range idx {
				out, err := p.handler.HandleInbound(gctx, events[i])
				results[i] = Result{Outcome: out, Err: err}
				if models.IsTransient(err) {
					held := fmt.Errorf("%w: held behind failed message %s", models.ErrTransientInfra, events[i].MessageID)
					for _, j := range idx[n+1:] {
						results[j] = Result{Err: held}
					}
					slog.Warn("Pool.Process: lane halted", "identity", key, "failed", events[i].MessageID, "held", len(idx)-n-1)
					break
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Debug("Pool.Process: batch done", "events", len(events), "identities", len(order))
	return results
}
