package handler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"wechatbot/pkg/bus"
	"wechatbot/pkg/message"
)

// EventPublisher receives the dispatch outcome of every processed message.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithEventPublisher reports message outcomes to publisher.
func WithEventPublisher(publisher EventPublisher) ProcessorOption {
	return func(p *Processor) {
		p.events = publisher
	}
}

// Outcome summarizes one traversal over all root handlers.
type Outcome struct {
	EventID  string
	Complete bool
	Handled  int
	Duration time.Duration
}

// Processor holds the root handlers and is the entry point for inbound events.
type Processor struct {
	roots  []*Node
	log    *slog.Logger
	events EventPublisher
}

// NewProcessor creates a processor without roots.
func NewProcessor(log *slog.Logger, opts ...ProcessorOption) *Processor {
	if log == nil {
		log = slog.Default()
	}

	p := &Processor{log: log.With("component", "handler.processor")}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// AddRoot appends a root node and returns it.
func (p *Processor) AddRoot(node *Node) *Node {
	p.roots = append(p.roots, node)
	return node
}

// Roots returns the root nodes in registration order.
func (p *Processor) Roots() []*Node {
	return append([]*Node(nil), p.roots...)
}

// ProcessMessage builds the context for payload and traverses every root.
// The outcome is logged and published, never returned.
func (p *Processor) ProcessMessage(ctx context.Context, payload message.Payload) {
	p.Process(ctx, message.NewContext(payload))
}

// Process traverses all roots concurrently for mc and waits for them.
func (p *Processor) Process(ctx context.Context, mc *message.Context) Outcome {
	startedAt := time.Now()
	log := p.log.With("event_id", mc.ID())
	log.Debug("Dispatching message", "type_name", mc.TypeName(), "msg_type", int(mc.MsgType()), "from_user", mc.FromUser())

	results := make([]Result, len(p.roots))
	var g errgroup.Group
	for i, root := range p.roots {
		g.Go(func() error {
			results[i] = root.Process(ctx, mc)
			return nil
		})
	}
	_ = g.Wait()

	outcome := Outcome{
		EventID:  mc.ID(),
		Complete: allComplete(results),
		Duration: time.Since(startedAt),
	}
	for _, result := range results {
		if result.Handled {
			outcome.Handled++
		}
	}

	eventType := bus.EventMessageCompleted
	if outcome.Complete {
		log.Info("All handlers completed", "handled_roots", outcome.Handled, "duration_ms", outcome.Duration.Milliseconds())
	} else {
		eventType = bus.EventMessagePartial
		log.Warn("Some handlers did not complete", "handled_roots", outcome.Handled, "duration_ms", outcome.Duration.Milliseconds())
	}

	if p.events != nil {
		p.events.PublishEvent(ctx, bus.Event{
			Type:     eventType,
			EventID:  mc.ID(),
			FromUser: mc.FromUser(),
			MsgType:  int(mc.MsgType()),
			Duration: outcome.Duration,
		})
	}

	return outcome
}

// Tree renders the handler forest, one kind per line, indented by depth.
func (p *Processor) Tree() string {
	var b strings.Builder
	for _, root := range p.roots {
		writeTree(&b, root, 0)
	}

	return b.String()
}

func writeTree(b *strings.Builder, node *Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(string(node.Kind()))
	b.WriteByte('\n')
	for _, child := range node.children {
		writeTree(b, child, depth+1)
	}
}
