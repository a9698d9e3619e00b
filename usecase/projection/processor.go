// Package projection holds the processors that turn events into read models.
// Every handler is idempotent and writes only the projections of its own
// streams; effects on other aggregates are emitted as events.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/usecase/events"
)

// Processors returns one processor per aggregate family, ready for events.NewRouter.
func Processors() []events.Processor {
	return []events.Processor{
		NewOrganizationProcessor(),
		NewAccessProcessor(),
		NewContactProcessor(),
		NewInvitationProcessor(),
	}
}

func unhandled(processor string, ev *domain.Event) error {
	return fmt.Errorf("%s: no handler for event type %s", processor, ev.EventType)
}

// applied reports whether lastEventID already reflects ev.
func applied(lastEventID string, ev *domain.Event) bool {
	return lastEventID != "" && lastEventID == ev.ID
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// emit appends a derived event on streamID.
func emit(ctx context.Context, em events.Emitter, streamID string, payload domain.Payload, reason string) error {
	cmd, err := events.NewCommand(streamID, payload, domain.EventMetadata{Reason: reason})
	if err != nil {
		return err
	}
	_, err = em.Emit(ctx, cmd)
	return err
}
