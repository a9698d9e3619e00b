package memory

import (
	"context"
	"sort"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

type eventRepo struct{ t *memTx }

func (r eventRepo) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	ids := r.t.st.streams[streamID]
	if len(ids) == 0 {
		return 0, nil
	}
	return r.t.st.events[ids[len(ids)-1]].StreamVersion, nil
}

func (r eventRepo) Insert(ctx context.Context, event *domain.Event) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if event == nil || event.ID == "" {
		return domain.ErrInvalidPayload
	}
	if _, exists := r.t.st.events[event.ID]; exists {
		return domain.NewError(domain.ErrCodeConflict, "event "+event.ID+" already exists")
	}
	current, _ := r.CurrentVersion(ctx, event.StreamID)
	if event.StreamVersion != current+1 {
		return domain.NewOrderingError(event.StreamID, event.StreamVersion)
	}
	r.t.st.seq++
	event.Sequence = r.t.st.seq
	r.t.st.events[event.ID] = *event
	r.t.st.streams[event.StreamID] = append(r.t.st.streams[event.StreamID], event.ID)
	return nil
}

func (r eventRepo) Get(ctx context.Context, id string) (*domain.Event, error) {
	ev, ok := r.t.st.events[id]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return &ev, nil
}

func (r eventRepo) ListStream(ctx context.Context, streamID string) ([]domain.Event, error) {
	ids := r.t.st.streams[streamID]
	out := make([]domain.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.t.st.events[id])
	}
	return out, nil
}

func (r eventRepo) List(ctx context.Context, filter repository.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range r.t.st.events {
		if filter.StreamID != "" && ev.StreamID != filter.StreamID {
			continue
		}
		if filter.StreamType != "" && ev.StreamType != filter.StreamType {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.OnlyFailed && ev.ProcessingError == nil {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return page(out, filter.Limit, filter.Offset), nil
}

func (r eventRepo) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	ev, ok := r.t.st.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	ev.MarkProcessed(at)
	r.t.st.events[id] = ev
	return nil
}

func (r eventRepo) MarkFailed(ctx context.Context, id string, message string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	ev, ok := r.t.st.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	ev.MarkFailed(message)
	r.t.st.events[id] = ev
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
