package events

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

// Emitter appends a derived event inside the unit of work of the event being
// processed. The derived event is dispatched before Emit returns.
type Emitter interface {
	Emit(ctx context.Context, cmd AppendCommand) (*domain.Event, error)
}

// Processor applies the events of one or more stream types to projections.
// Handle must be idempotent and must not call external systems.
type Processor interface {
	Name() string
	StreamTypes() []domain.StreamType
	EventTypes() []domain.EventType
	Handle(ctx context.Context, tx repository.Tx, emit Emitter, event *domain.Event, payload domain.Payload) error
}

// Router maps every stream type to exactly one processor.
type Router struct {
	routes map[domain.StreamType]Processor
}

// NewRouter fails unless the processors cover every registered stream type
// and every registered event type exactly once.
func NewRouter(processors ...Processor) (*Router, error) {
	r := &Router{routes: make(map[domain.StreamType]Processor)}
	handled := make(map[domain.EventType]string)

	for _, p := range processors {
		for _, st := range p.StreamTypes() {
			if prev, ok := r.routes[st]; ok {
				return nil, fmt.Errorf("stream type %s routed to both %s and %s", st, prev.Name(), p.Name())
			}
			r.routes[st] = p
		}
		for _, et := range p.EventTypes() {
			if prev, ok := handled[et]; ok {
				return nil, fmt.Errorf("event type %s handled by both %s and %s", et, prev, p.Name())
			}
			handled[et] = p.Name()
		}
	}

	var missing []string
	for _, st := range domain.StreamTypes() {
		if _, ok := r.routes[st]; !ok {
			missing = append(missing, "stream "+string(st))
		}
	}
	for _, et := range domain.EventTypes() {
		name, ok := handled[et]
		if !ok {
			missing = append(missing, "event "+string(et))
			continue
		}
		st, _ := domain.StreamTypeOf(et)
		if owner, ok := r.routes[st]; ok && owner.Name() != name {
			return nil, fmt.Errorf("event type %s handled by %s but stream %s routes to %s", et, name, st, owner.Name())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("router is not exhaustive, unmapped: %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// Routes reports whether streamType has a processor.
func (r *Router) Routes(streamType domain.StreamType) bool {
	_, ok := r.routes[streamType]
	return ok
}

// Dispatch hands event to the processor of its stream type.
func (r *Router) Dispatch(ctx context.Context, tx repository.Tx, emit Emitter, event *domain.Event, payload domain.Payload) error {
	p, ok := r.routes[event.StreamType]
	if !ok {
		return domain.NewValidationError("no processor for stream type %q", event.StreamType)
	}
	if err := p.Handle(ctx, tx, emit, event, payload); err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	return nil
}
