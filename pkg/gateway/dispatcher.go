package gateway

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"wechatbot/pkg/bus"
	"wechatbot/pkg/handler"
	"wechatbot/pkg/message"
)

const defaultMaxConcurrent = 5

// Processor traverses the handler tree for one event.
type Processor interface {
	Process(ctx context.Context, mc *message.Context) handler.Outcome
}

// dispatcher drains the inbound queue and runs each event in its own
// goroutine, with at most maxConcurrent traversals in flight.
type dispatcher struct {
	bus       *bus.MessageBus
	processor Processor
	sem       *semaphore.Weighted
	log       *slog.Logger

	wg sync.WaitGroup
}

func newDispatcher(mb *bus.MessageBus, processor Processor, maxConcurrent int, log *slog.Logger) *dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if log == nil {
		log = slog.Default()
	}

	return &dispatcher{
		bus:       mb,
		processor: processor,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		log:       log.With("component", "gateway.dispatcher"),
	}
}

// run consumes events until ctx is done or the bus closes, then waits for
// the traversals already started.
func (d *dispatcher) run(ctx context.Context) {
	defer d.wg.Wait()

	// In-flight traversals outlive ctx so shutdown lets them finish.
	workCtx := context.WithoutCancel(ctx)

	for {
		event, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			d.log.Debug("Dispatcher stopping", "pending", d.bus.Pending())
			return
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.log.Warn("Dropping event on shutdown", "from_user", event.Payload.Data.FromUserName.String)
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)

			mc := message.NewContext(event.Payload)
			d.log.Debug("Dispatching event", "event_id", mc.ID(), "queued_ms", sinceMillis(event.ReceivedAt))
			d.processor.Process(workCtx, mc)
		}()
	}
}
