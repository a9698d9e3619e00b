// Package events owns the append-only event log: validation, stream version
// assignment, synchronous dispatch to projection processors and retries.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

// AppendCommand is the inbound request to record one domain event.
type AppendCommand struct {
	StreamID   string               `json:"stream_id"`
	StreamType domain.StreamType    `json:"stream_type"`
	EventType  domain.EventType     `json:"event_type"`
	Data       json.RawMessage      `json:"event_data"`
	Metadata   domain.EventMetadata `json:"event_metadata"`
	// ExpectedVersion, when set, is the stream version the caller last saw.
	// A mismatch fails with an ordering error and is not retried.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// NewCommand builds a command from a typed payload; the stream type is
// derived from the payload's event type.
func NewCommand(streamID string, payload domain.Payload, meta domain.EventMetadata) (AppendCommand, error) {
	data, err := domain.EncodePayload(payload)
	if err != nil {
		return AppendCommand{}, err
	}
	streamType, _ := domain.StreamTypeOf(payload.EventType())
	return AppendCommand{
		StreamID:   streamID,
		StreamType: streamType,
		EventType:  payload.EventType(),
		Data:       data,
		Metadata:   meta,
	}, nil
}

// Observer is notified after a unit of work commits, with every event it
// recorded (including cascades and failed roots).
type Observer interface {
	EventsCommitted(ctx context.Context, events []domain.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, events []domain.Event)

func (f ObserverFunc) EventsCommitted(ctx context.Context, events []domain.Event) { f(ctx, events) }

// Config tunes append retries and cascades.
type Config struct {
	MaxOrderingRetries   int
	MaxCascadeDepth      int
	OrderingRetryBackoff time.Duration
}

// RetryReport summarizes a RetryFailed batch.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// Service appends and dispatches events.
type Service struct {
	store  repository.Store
	router *Router
	logger *zap.Logger
	cfg    Config

	now   func() time.Time
	newID func() string

	mu        sync.RWMutex
	observers []Observer
}

func NewService(store repository.Store, router *Router, logger *zap.Logger, cfg Config) *Service {
	if cfg.MaxOrderingRetries <= 0 {
		cfg.MaxOrderingRetries = 5
	}
	if cfg.MaxCascadeDepth <= 0 {
		cfg.MaxCascadeDepth = 8
	}
	if cfg.OrderingRetryBackoff <= 0 {
		cfg.OrderingRetryBackoff = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		router: router,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Subscribe registers an observer for committed events.
func (s *Service) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Append validates cmd, assigns the next stream version and dispatches the
// event in the same transaction. When the processor fails the event is kept
// with processing_error set and a PROCESSING error is returned.
func (s *Service) Append(ctx context.Context, cmd AppendCommand) (*domain.Event, error) {
	payload, err := s.validate(cmd)
	if err != nil {
		return nil, err
	}

	var u *unit
	operation := func() error {
		var err error
		u, err = s.appendOnce(ctx, cmd, payload)
		if err != nil {
			if domain.IsDomainError(err, domain.ErrCodeOrdering) && cmd.ExpectedVersion == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.OrderingRetryBackoff
	policy.MaxInterval = 20 * s.cfg.OrderingRetryBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxOrderingRetries)), ctx)

	err = backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		s.logger.Debug("stream version race, retrying append",
			zap.String("stream_id", cmd.StreamID),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return u.root, u.failure
}

// Retry re-dispatches a failed event. Processed events are returned unchanged.
func (s *Service) Retry(ctx context.Context, eventID string) (*domain.Event, error) {
	var (
		result *domain.Event
		u      *unit
	)
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		ev, err := tx.Events().Get(ctx, eventID)
		if err != nil {
			return err
		}
		result = ev
		if ev.IsProcessed() {
			return nil
		}

		u = s.newUnit()
		u.root = ev
		payload, err := ev.Payload()
		if err == nil {
			err = u.dispatch(ctx, tx, ev, payload, 0)
		}
		if err != nil {
			if domain.IsDomainError(err, domain.ErrCodeOrdering) {
				return err
			}
			return u.recordFailure(ctx, tx, ev, err)
		}
		u.events = append([]domain.Event{*ev}, u.events...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return result, nil
	}

	s.notify(ctx, u.events)
	if u.failure != nil {
		s.logger.Warn("event retry failed", zap.String("event_id", eventID), zap.Error(u.failure))
		return result, u.failure
	}
	s.logger.Info("event retry succeeded", zap.String("event_id", eventID))
	return result, nil
}

// RetryFailed retries up to limit failed events in log order.
func (s *Service) RetryFailed(ctx context.Context, limit int) (RetryReport, error) {
	var report RetryReport
	failed, err := s.Failed(ctx, limit)
	if err != nil {
		return report, err
	}
	for _, ev := range failed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if _, err := s.Retry(ctx, ev.ID); err != nil {
			report.Failed++
			if !domain.IsDomainError(err, domain.ErrCodeProcessing) {
				s.logger.Error("event retry aborted", zap.String("event_id", ev.ID), zap.Error(err))
			}
			continue
		}
		report.Recovered++
	}
	return report, nil
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, eventID string) (*domain.Event, error) {
	var ev *domain.Event
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		ev, err = tx.Events().Get(ctx, eventID)
		return err
	})
	return ev, err
}

// History returns the events of streamID ordered by stream version.
func (s *Service) History(ctx context.Context, streamID string) ([]domain.Event, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, domain.NewValidationError("stream_id is required")
	}
	var out []domain.Event
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Events().ListStream(ctx, streamID)
		return err
	})
	return out, err
}

// Failed lists events whose last dispatch failed.
func (s *Service) Failed(ctx context.Context, limit int) ([]domain.Event, error) {
	var out []domain.Event
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Events().List(ctx, repository.EventFilter{OnlyFailed: true, Limit: limit})
		return err
	})
	return out, err
}

func (s *Service) validate(cmd AppendCommand) (domain.Payload, error) {
	if strings.TrimSpace(cmd.StreamID) == "" {
		return nil, domain.NewValidationError("stream_id is required")
	}
	if !s.router.Routes(cmd.StreamType) {
		return nil, domain.NewValidationError("unknown stream type %q", cmd.StreamType)
	}
	owner, ok := domain.StreamTypeOf(cmd.EventType)
	if !ok {
		return nil, domain.NewValidationError("unknown event type %q", cmd.EventType)
	}
	if owner != cmd.StreamType {
		return nil, domain.NewValidationError("event type %q belongs to stream type %q, not %q", cmd.EventType, owner, cmd.StreamType)
	}
	return domain.DecodePayload(cmd.EventType, cmd.Data)
}

func (s *Service) appendOnce(ctx context.Context, cmd AppendCommand, payload domain.Payload) (*unit, error) {
	var u *unit
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		u = s.newUnit()
		ev, err := u.insert(ctx, tx, cmd)
		if err != nil {
			return err
		}
		u.root = ev
		if err := u.dispatch(ctx, tx, ev, payload, 0); err != nil {
			if domain.IsDomainError(err, domain.ErrCodeOrdering) {
				return err
			}
			return u.recordFailure(ctx, tx, ev, err)
		}
		u.events[0] = *ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, u.events)
	if u.failure != nil {
		s.logger.Warn("event processing failed",
			zap.String("event_id", u.root.ID),
			zap.String("stream_id", u.root.StreamID),
			zap.String("event_type", string(u.root.EventType)),
			zap.Error(u.failure))
	}
	return u, nil
}

func (s *Service) notify(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		o.EventsCommitted(ctx, events)
	}
}

// unit tracks the events recorded by one transaction.
type unit struct {
	svc     *Service
	root    *domain.Event
	events  []domain.Event
	failure error
}

func (s *Service) newUnit() *unit {
	return &unit{svc: s}
}

func (u *unit) insert(ctx context.Context, tx repository.Tx, cmd AppendCommand) (*domain.Event, error) {
	current, err := tx.Events().CurrentVersion(ctx, cmd.StreamID)
	if err != nil {
		return nil, err
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != current {
		return nil, domain.NewOrderingError(cmd.StreamID, *cmd.ExpectedVersion+1)
	}
	data := cmd.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	ev := &domain.Event{
		ID:            u.svc.newID(),
		StreamID:      cmd.StreamID,
		StreamType:    cmd.StreamType,
		StreamVersion: current + 1,
		EventType:     cmd.EventType,
		SchemaVersion: domain.SchemaVersion(cmd.EventType),
		Data:          data,
		Metadata:      cmd.Metadata,
		CreatedAt:     u.svc.now(),
	}
	if err := tx.Events().Insert(ctx, ev); err != nil {
		return nil, err
	}
	u.events = append(u.events, *ev)
	return ev, nil
}

// dispatch runs the processor inside a savepoint so a failure leaves the
// event row intact while discarding every projection write and cascade.
func (u *unit) dispatch(ctx context.Context, tx repository.Tx, ev *domain.Event, payload domain.Payload, depth int) error {
	mark := len(u.events)
	err := tx.Savepoint(ctx, func(sp repository.Tx) error {
		em := &emitter{unit: u, tx: sp, parent: ev, depth: depth + 1}
		if err := u.svc.router.Dispatch(ctx, sp, em, ev, payload); err != nil {
			return err
		}
		at := u.svc.now()
		if err := sp.Events().MarkProcessed(ctx, ev.ID, at); err != nil {
			return err
		}
		ev.MarkProcessed(at)
		return nil
	})
	if err != nil {
		u.events = u.events[:mark]
	}
	return err
}

// recordFailure keeps the root event with its error; cascades were already
// discarded with the savepoint.
func (u *unit) recordFailure(ctx context.Context, tx repository.Tx, ev *domain.Event, cause error) error {
	msg := cause.Error()
	if err := tx.Events().MarkFailed(ctx, ev.ID, msg); err != nil {
		return err
	}
	ev.MarkFailed(msg)
	u.events = []domain.Event{*ev}
	u.failure = domain.NewProcessingError(ev.ID, cause)
	return nil
}

type emitter struct {
	unit   *unit
	tx     repository.Tx
	parent *domain.Event
	depth  int
}

// Emit records and dispatches a derived event. A failure propagates to the
// parent processor so the parent event fails as a whole.
func (e *emitter) Emit(ctx context.Context, cmd AppendCommand) (*domain.Event, error) {
	if e.depth > e.unit.svc.cfg.MaxCascadeDepth {
		return nil, domain.NewError(domain.ErrCodeProcessing, "cascade depth exceeded at "+string(cmd.EventType))
	}
	payload, err := e.unit.svc.validate(cmd)
	if err != nil {
		return nil, err
	}

	meta := cmd.Metadata
	meta.CausationID = e.parent.ID
	if meta.CorrelationID == "" {
		meta.CorrelationID = e.parent.Metadata.CorrelationID
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = e.parent.ID
	}
	if meta.ActorID == "" {
		meta.ActorID = e.parent.Metadata.ActorID
	}
	if meta.TraceID == "" {
		meta.TraceID = e.parent.Metadata.TraceID
	}
	cmd.Metadata = meta
	cmd.ExpectedVersion = nil

	ev, err := e.unit.insert(ctx, e.tx, cmd)
	if err != nil {
		return nil, err
	}
	idx := len(e.unit.events) - 1
	if err := e.unit.dispatch(ctx, e.tx, ev, payload, e.depth); err != nil {
		return nil, err
	}
	e.unit.events[idx] = *ev
	return ev, nil
}
