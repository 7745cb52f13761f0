// Package handler assembles message handlers into a parent/child tree and
// traverses it for every inbound event.
//
// A node runs its own predicate and action first, then every child
// concurrently, and reports completion once all children have reported
// completion. Handlers exchange derived data through the message context's
// processed data; siblings get no ordering guarantee against each other.
package handler

import (
	"context"

	"wechatbot/pkg/message"
)

// Kind identifies a handler type for tree construction.
type Kind string

// Handler is one predicate/action pair in the tree.
type Handler interface {
	Kind() Kind
	// CanHandle reports whether Handle should run for mc. It must not have side effects.
	CanHandle(ctx context.Context, mc *message.Context) bool
	// Handle performs the action and reports whether it succeeded. External
	// I/O failures are logged by the handler and reported as false.
	Handle(ctx context.Context, mc *message.Context) bool
}

// Finalizer is implemented by handlers that need a step after their
// children have finished. Finalize runs only when Handle ran for mc.
type Finalizer interface {
	Finalize(ctx context.Context, mc *message.Context)
}

// Factory creates a handler instance.
type Factory func() Handler
