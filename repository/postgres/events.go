package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

const eventColumns = `id, sequence, stream_id, stream_type, stream_version, event_type, schema_version,
	event_data, event_metadata, created_at, processed_at, processing_error`

type eventRepository struct {
	q querier
}

func (r *eventRepository) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	const query = `SELECT COALESCE(MAX(stream_version), 0) FROM domain_events WHERE stream_id = $1`
	var version int64
	if err := r.q.QueryRow(ctx, query, streamID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (r *eventRepository) Insert(ctx context.Context, event *domain.Event) error {
	if event == nil || event.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO domain_events (id, stream_id, stream_type, stream_version, event_type, schema_version,
		event_data, event_metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
	RETURNING sequence, created_at
	`

	err := r.q.QueryRow(ctx, query,
		event.ID,
		event.StreamID,
		string(event.StreamType),
		event.StreamVersion,
		string(event.EventType),
		event.SchemaVersion,
		[]byte(event.Data),
		marshalJSON(event.Metadata),
		nullTime(event.CreatedAt),
	).Scan(&event.Sequence, &event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "domain_events_stream_version_key") {
			return domain.NewOrderingError(event.StreamID, event.StreamVersion)
		}
		return err
	}
	return nil
}

func (r *eventRepository) Get(ctx context.Context, id string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM domain_events WHERE id = $1`
	return scanEvent(r.q.QueryRow(ctx, query, id))
}

func (r *eventRepository) ListStream(ctx context.Context, streamID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM domain_events WHERE stream_id = $1 ORDER BY stream_version`
	rows, err := r.q.Query(ctx, query, streamID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEvent)
}

func (r *eventRepository) List(ctx context.Context, filter repository.EventFilter) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + `
	FROM domain_events
	WHERE ($1 = '' OR stream_id = $1)
	  AND ($2 = '' OR stream_type = $2)
	  AND ($3 = '' OR event_type = $3)
	  AND (NOT $4 OR processing_error IS NOT NULL)
	ORDER BY sequence
	LIMIT $5 OFFSET $6`
	rows, err := r.q.Query(ctx, query,
		filter.StreamID,
		string(filter.StreamType),
		string(filter.EventType),
		filter.OnlyFailed,
		clampLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEvent)
}

func (r *eventRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE domain_events SET processed_at = $2, processing_error = NULL WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *eventRepository) MarkFailed(ctx context.Context, id string, message string) error {
	const query = `UPDATE domain_events SET processed_at = NULL, processing_error = $2 WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, id, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func scanEvent(row scanner) (*domain.Event, error) {
	var ev domain.Event
	var (
		streamType string
		eventType  string
		data       []byte
		metadata   []byte
	)

	if err := row.Scan(
		&ev.ID,
		&ev.Sequence,
		&ev.StreamID,
		&streamType,
		&ev.StreamVersion,
		&eventType,
		&ev.SchemaVersion,
		&data,
		&metadata,
		&ev.CreatedAt,
		&ev.ProcessedAt,
		&ev.ProcessingError,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}

	ev.StreamType = domain.StreamType(streamType)
	ev.EventType = domain.EventType(eventType)
	ev.Data = make([]byte, len(data))
	copy(ev.Data, data)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}
