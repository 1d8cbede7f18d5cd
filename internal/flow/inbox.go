package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"golang.org/x/sync/semaphore"
)

// Inbox drains a provider's inbound channel into a Handler. Each identity gets
// a FIFO lane so its events are handled in arrival order; lanes run
// concurrently up to the pool size and are torn down once they drain.
type Inbox struct {
	handler Handler
	events  <-chan models.InboundEvent
	size    int
}

// NewInbox creates an Inbox reading from events.
func NewInbox(handler Handler, events <-chan models.InboundEvent) *Inbox {
	return &Inbox{handler: handler, events: events, size: DefaultPoolSize}
}

const inboxLaneBuffer = 64

type inboxLane struct {
	ch      chan models.InboundEvent
	pending int
}

// Run consumes events until the channel closes or ctx is done, then waits for
// the lanes to finish what they were given.
func (in *Inbox) Run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(in.size))
	lanes := make(map[string]*inboxLane)
	done := make(chan string)
	var wg sync.WaitGroup

	finished := func(key string) {
		l := lanes[key]
		l.pending--
		if l.pending == 0 {
			close(l.ch)
			delete(lanes, key)
		}
	}

	defer func() {
		for key, l := range lanes {
			close(l.ch)
			delete(lanes, key)
		}
		go func() {
			wg.Wait()
			close(done)
		}()
		for range done {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-done:
			finished(key)
		case evt, ok := <-in.events:
			if !ok {
				slog.Info("Inbox.Run: inbound channel closed")
				return
			}
			key, err := messaging.CanonicalizePhone(evt.From)
			if err != nil {
				key = evt.From
			}
			l, exists := lanes[key]
			if !exists {
				l = &inboxLane{ch: make(chan models.InboundEvent, inboxLaneBuffer)}
				lanes[key] = l
				wg.Add(1)
				go in.drain(ctx, sem, key, l.ch, done, &wg)
			}
			l.pending++
			for sent := false; !sent; {
				select {
				case l.ch <- evt:
					sent = true
				case other := <-done:
					finished(other)
				}
			}
		}
	}
}

func (in *Inbox) drain(ctx context.Context, sem *semaphore.Weighted, key string, lane <-chan models.InboundEvent, done chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	for evt := range lane {
		if err := sem.Acquire(ctx, 1); err != nil {
			slog.Warn("Inbox.drain: dropping event on shutdown", "identity", key, "messageID", evt.MessageID)
			done <- key
			continue
		}
		if _, err := in.handler.HandleInbound(ctx, evt); err != nil {
			slog.Error("Inbox.Run: inbound event failed", "messageID", evt.MessageID, "kind", models.ClassifyError(err), "error", err)
		}
		sem.Release(1)
		done <- key
	}
}
