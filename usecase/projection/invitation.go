package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/usecase/events"
)

// InvitationProcessor maintains invitations. Accepting an invitation that
// carries a role emits the matching user.role_assigned event.
type InvitationProcessor struct{}

func NewInvitationProcessor() *InvitationProcessor {
	return &InvitationProcessor{}
}

func (p *InvitationProcessor) Name() string { return "invitation" }

func (p *InvitationProcessor) StreamTypes() []domain.StreamType {
	return []domain.StreamType{domain.StreamInvitation}
}

func (p *InvitationProcessor) EventTypes() []domain.EventType {
	return []domain.EventType{
		domain.InvitationCreated,
		domain.InvitationSent,
		domain.InvitationAccepted,
		domain.InvitationRevoked,
	}
}

func (p *InvitationProcessor) Handle(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, payload domain.Payload) error {
	switch data := payload.(type) {
	case *domain.InvitationCreatedData:
		return p.created(ctx, tx, ev, data)
	case *domain.InvitationSentData:
		return p.mutate(ctx, tx, ev, func(inv *domain.Invitation) error {
			if inv.Status == domain.InvitationStatusAccepted || inv.Status == domain.InvitationStatusRevoked {
				return fmt.Errorf("invitation %s is %s", inv.ID, inv.Status)
			}
			inv.Status = domain.InvitationStatusSent
			inv.SentAt = timePtr(ev.CreatedAt)
			return nil
		})
	case *domain.InvitationAcceptedData:
		return p.accepted(ctx, tx, em, ev, data)
	case *domain.InvitationRevokedData:
		return p.mutate(ctx, tx, ev, func(inv *domain.Invitation) error {
			if inv.Status == domain.InvitationStatusAccepted {
				return fmt.Errorf("invitation %s was already accepted", inv.ID)
			}
			inv.Status = domain.InvitationStatusRevoked
			return nil
		})
	default:
		return unhandled(p.Name(), ev)
	}
}

func (p *InvitationProcessor) created(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.InvitationCreatedData) error {
	if _, err := tx.Invitations().Get(ctx, ev.StreamID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}
	if _, err := tx.Organizations().Get(ctx, data.OrganizationID); err != nil {
		return err
	}
	return tx.Invitations().Upsert(ctx, &domain.Invitation{
		ID:             ev.StreamID,
		OrganizationID: data.OrganizationID,
		Email:          data.Email,
		FirstName:      data.FirstName,
		LastName:       data.LastName,
		RoleID:         data.RoleID,
		Token:          data.Token,
		Status:         domain.InvitationStatusPending,
		ExpiresAt:      data.ExpiresAt,
		LastEventID:    ev.ID,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	})
}

func (p *InvitationProcessor) accepted(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, data *domain.InvitationAcceptedData) error {
	inv, err := tx.Invitations().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(inv.LastEventID, ev) {
		return nil
	}
	if !inv.IsOpen() {
		return fmt.Errorf("invitation %s is %s", inv.ID, inv.Status)
	}
	if ev.CreatedAt.After(inv.ExpiresAt) {
		return fmt.Errorf("invitation %s expired at %s", inv.ID, inv.ExpiresAt.Format(time.RFC3339))
	}

	inv.Status = domain.InvitationStatusAccepted
	inv.AcceptedBy = data.UserID
	inv.LastEventID = ev.ID
	inv.UpdatedAt = ev.CreatedAt
	if err := tx.Invitations().Upsert(ctx, inv); err != nil {
		return err
	}
	if inv.RoleID == "" {
		return nil
	}

	org, err := tx.Organizations().Get(ctx, inv.OrganizationID)
	if err != nil {
		return err
	}
	return emit(ctx, em, data.UserID, &domain.UserRoleAssignedData{
		RoleID:         inv.RoleID,
		OrganizationID: org.ID,
		ScopePath:      org.Path,
	}, "invitation "+inv.ID+" accepted")
}

func (p *InvitationProcessor) mutate(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(inv *domain.Invitation) error) error {
	inv, err := tx.Invitations().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(inv.LastEventID, ev) {
		return nil
	}
	if err := apply(inv); err != nil {
		return err
	}
	inv.LastEventID = ev.ID
	inv.UpdatedAt = ev.CreatedAt
	return tx.Invitations().Upsert(ctx, inv)
}
