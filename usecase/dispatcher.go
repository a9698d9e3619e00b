package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fastygo/orgcore/domain"
)

type CommandHandler func(ctx context.Context, payload interface{}) (interface{}, error)
type QueryHandler func(ctx context.Context, params interface{}) (interface{}, error)

// Dispatcher is the name-keyed command/query registry the HTTP layer goes through.
type Dispatcher struct {
	cmdHandlers map[string]CommandHandler
	qryHandlers map[string]QueryHandler
	mu          sync.RWMutex
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		cmdHandlers: make(map[string]CommandHandler),
		qryHandlers: make(map[string]QueryHandler),
	}
}

func (d *Dispatcher) RegisterCommand(name string, handler CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmdHandlers[name] = handler
}

func (d *Dispatcher) RegisterQuery(name string, handler QueryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.qryHandlers[name] = handler
}

func (d *Dispatcher) ExecuteCommand(ctx context.Context, name string, payload interface{}) (interface{}, error) {
	d.mu.RLock()
	handler, ok := d.cmdHandlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("command handler %s not registered", name))
	}
	return handler(ctx, payload)
}

func (d *Dispatcher) ExecuteQuery(ctx context.Context, name string, params interface{}) (interface{}, error) {
	d.mu.RLock()
	handler, ok := d.qryHandlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("query handler %s not registered", name))
	}
	return handler(ctx, params)
}

// Names lists registered commands and queries, sorted.
func (d *Dispatcher) Names() (commands, queries []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name := range d.cmdHandlers {
		commands = append(commands, name)
	}
	for name := range d.qryHandlers {
		queries = append(queries, name)
	}
	sort.Strings(commands)
	sort.Strings(queries)
	return commands, queries
}

// typed adapts a strongly typed handler to the registry signature.
func typed[P any, R any](fn func(ctx context.Context, p P) (R, error)) func(context.Context, interface{}) (interface{}, error) {
	return func(ctx context.Context, payload interface{}) (interface{}, error) {
		p, ok := payload.(P)
		if !ok {
			return nil, domain.WrapError(domain.ErrCodeInvalid, fmt.Sprintf("unexpected payload %T", payload), domain.ErrInvalidPayload)
		}
		return fn(ctx, p)
	}
}
