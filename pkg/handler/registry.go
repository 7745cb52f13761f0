package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	ErrEmptyKind      = errors.New("handler kind is empty")
	ErrDuplicateKind  = errors.New("handler kind registered more than once")
	ErrUnknownKind    = errors.New("no factory for handler kind")
	ErrKindMismatch   = errors.New("factory produced a handler of another kind")
	ErrNoRootHandlers = errors.New("no root handlers registered")
)

// Unattached describes a declaration whose parent never got instantiated.
type Unattached struct {
	Kind   Kind
	Parent Kind
	// Dangling is true when Parent was never registered; otherwise the parent
	// is registered but unreachable from a root (a cycle or a broken chain).
	Dangling bool
}

// BuildError lists the declarations Build could not attach to the tree.
type BuildError struct {
	Unattached []Unattached
}

func (e *BuildError) Error() string {
	parts := make([]string, 0, len(e.Unattached))
	for _, item := range e.Unattached {
		reason := "is unreachable from any root"
		if item.Dangling {
			reason = "is not registered"
		}
		parts = append(parts, fmt.Sprintf("%s (parent %s %s)", item.Kind, item.Parent, reason))
	}

	return fmt.Sprintf("handler tree: %d declaration(s) never attached: %s", len(e.Unattached), strings.Join(parts, ", "))
}

type declaration struct {
	kind   Kind
	parent Kind
}

// Registry collects (kind, parent) declarations and builds the handler tree.
// Declaration order does not affect the resulting tree shape.
type Registry struct {
	factories    map[Kind]Factory
	declarations []declaration
	log          *slog.Logger
}

// NewRegistry creates a registry that instantiates kinds through factories.
func NewRegistry(factories map[Kind]Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		factories: factories,
		log:       log,
	}
}

// Register declares kind with an optional parent; an empty parent makes it a root.
func (r *Registry) Register(kind Kind, parent Kind) {
	r.declarations = append(r.declarations, declaration{kind: kind, parent: parent})
}

// Build instantiates every declared kind once and attaches it below its
// parent. Roots are created first, then repeated passes attach declarations
// whose parent already exists until a pass attaches nothing.
//
// Declarations that can never be attached fail the build with a *BuildError.
func (r *Registry) Build(opts ...ProcessorOption) (*Processor, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	log := r.log.With("component", "handler.registry")
	processor := NewProcessor(r.log, opts...)
	instances := make(map[Kind]*Node, len(r.declarations))

	for _, decl := range r.declarations {
		if decl.parent != "" {
			continue
		}
		node, err := r.instantiate(decl.kind)
		if err != nil {
			return nil, err
		}
		instances[decl.kind] = processor.AddRoot(node)
		log.Debug("Root handler attached", "kind", string(decl.kind))
	}

	for pass := 1; ; pass++ {
		attached := 0
		for _, decl := range r.declarations {
			if _, done := instances[decl.kind]; done {
				continue
			}
			parent, ok := instances[decl.parent]
			if !ok {
				continue
			}

			node, err := r.instantiate(decl.kind)
			if err != nil {
				return nil, err
			}
			instances[decl.kind] = parent.AddChild(node)
			attached++
			log.Debug("Child handler attached", "kind", string(decl.kind), "parent", string(decl.parent), "pass", pass)
		}

		if attached == 0 {
			break
		}
	}

	if len(instances) != len(r.declarations) {
		return nil, r.unattachedError(instances)
	}

	if len(processor.Roots()) == 0 {
		return nil, ErrNoRootHandlers
	}

	log.Info("Handler tree built", "handlers", len(instances), "roots", len(processor.Roots()))
	return processor, nil
}

func (r *Registry) validate() error {
	seen := make(map[Kind]struct{}, len(r.declarations))
	for _, decl := range r.declarations {
		if strings.TrimSpace(string(decl.kind)) == "" {
			return ErrEmptyKind
		}
		if _, dup := seen[decl.kind]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKind, decl.kind)
		}
		seen[decl.kind] = struct{}{}

		if _, ok := r.factories[decl.kind]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKind, decl.kind)
		}
	}

	return nil
}

func (r *Registry) instantiate(kind Kind) (*Node, error) {
	h := r.factories[kind]()
	if h == nil || h.Kind() != kind {
		return nil, fmt.Errorf("%w: declared %s", ErrKindMismatch, kind)
	}

	return NewNode(h, r.log), nil
}

func (r *Registry) unattachedError(instances map[Kind]*Node) error {
	declared := make(map[Kind]struct{}, len(r.declarations))
	for _, decl := range r.declarations {
		declared[decl.kind] = struct{}{}
	}

	err := &BuildError{}
	for _, decl := range r.declarations {
		if _, ok := instances[decl.kind]; ok {
			continue
		}
		_, parentDeclared := declared[decl.parent]
		err.Unattached = append(err.Unattached, Unattached{
			Kind:     decl.kind,
			Parent:   decl.parent,
			Dangling: !parentDeclared,
		})
	}

	return err
}
