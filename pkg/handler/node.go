package handler

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"wechatbot/pkg/message"
)

// Result is the outcome of one Process call on a node.
type Result struct {
	// Handled is the node's own action result; false when the predicate declined.
	Handled bool
	// Complete reports whether the node's subtree finished running.
	Complete bool
}

// Node owns one handler instance and its children.
type Node struct {
	handler  Handler
	children []*Node
	log      *slog.Logger

	complete atomic.Bool
}

// NewNode wraps h in a tree node.
func NewNode(h Handler, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}

	return &Node{
		handler: h,
		log:     log.With("component", "handler.tree", "kind", string(h.Kind())),
	}
}

// Kind returns the wrapped handler's kind.
func (n *Node) Kind() Kind {
	return n.handler.Kind()
}

// Handler returns the wrapped handler.
func (n *Node) Handler() Handler {
	return n.handler
}

// AddChild attaches child below n and returns it.
// Children must be attached before the node is first processed.
func (n *Node) AddChild(child *Node) *Node {
	n.children = append(n.children, child)
	return child
}

// Children returns the node's children in attachment order.
func (n *Node) Children() []*Node {
	return slices.Clone(n.children)
}

// Complete returns the completion flag written by the most recent Process call.
// Nodes are shared across events, so with overlapping events this reflects
// whichever call finished last; use the Result returned by Process instead.
func (n *Node) Complete() bool {
	return n.complete.Load()
}

// Process runs the node's predicate and action, then all children
// concurrently, and returns the node's own result with its completion state.
func (n *Node) Process(ctx context.Context, mc *message.Context) Result {
	n.complete.Store(false)

	handled, ran := n.runOwn(ctx, mc)

	complete := true
	if len(n.children) > 0 {
		results := make([]Result, len(n.children))

		var g errgroup.Group
		for i, child := range n.children {
			g.Go(func() error {
				results[i] = child.Process(ctx, mc)
				return nil
			})
		}
		_ = g.Wait()

		complete = allComplete(results)
		if complete {
			n.log.Debug("All child handlers completed", "event_id", mc.ID())
		} else {
			n.log.Warn("Some child handlers did not complete", "event_id", mc.ID())
		}
	} else {
		n.log.Debug("Leaf handler completed", "event_id", mc.ID(), "handled", handled)
	}

	if ran && !n.finalize(ctx, mc) {
		complete = false
	}

	n.complete.Store(complete)
	return Result{Handled: handled, Complete: complete}
}

// runOwn evaluates the predicate and, when it accepts, the action. A panic in
// either is logged and reported as a failed action.
func (n *Node) runOwn(ctx context.Context, mc *message.Context) (handled bool, ran bool) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Handler panicked", "event_id", mc.ID(), "panic", r)
			handled = false
		}
	}()

	if !n.handler.CanHandle(ctx, mc) {
		return false, false
	}

	ran = true
	handled = n.handler.Handle(ctx, mc)
	if !handled {
		n.log.Debug("Handler action reported failure", "event_id", mc.ID())
	}

	return handled, ran
}

// finalize runs the optional post-children step. It reports false when the step panicked.
func (n *Node) finalize(ctx context.Context, mc *message.Context) (ok bool) {
	finalizer, isFinalizer := n.handler.(Finalizer)
	if !isFinalizer {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Handler finalize panicked", "event_id", mc.ID(), "panic", r)
			ok = false
		}
	}()

	finalizer.Finalize(ctx, mc)
	return true
}

func allComplete(results []Result) bool {
	for _, result := range results {
		if !result.Complete {
			return false
		}
	}

	return true
}
