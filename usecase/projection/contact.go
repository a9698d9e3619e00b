package projection

import (
	"context"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/usecase/events"
)

// ContactProcessor maintains contacts and addresses.
type ContactProcessor struct{}

func NewContactProcessor() *ContactProcessor {
	return &ContactProcessor{}
}

func (p *ContactProcessor) Name() string { return "contact" }

func (p *ContactProcessor) StreamTypes() []domain.StreamType {
	return []domain.StreamType{domain.StreamContact, domain.StreamAddress}
}

func (p *ContactProcessor) EventTypes() []domain.EventType {
	return []domain.EventType{
		domain.ContactCreated,
		domain.ContactDeleted,
		domain.ContactReactivated,
		domain.AddressCreated,
		domain.AddressDeleted,
		domain.AddressReactivated,
	}
}

func (p *ContactProcessor) Handle(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, payload domain.Payload) error {
	switch data := payload.(type) {
	case *domain.ContactCreatedData:
		return p.contactCreated(ctx, tx, ev, data)
	case *domain.ContactDeletedData:
		return p.mutateContact(ctx, tx, ev, func(c *domain.Contact) {
			if c.DeletedAt == nil {
				c.DeletedAt = timePtr(ev.CreatedAt)
			}
		})
	case *domain.ContactReactivatedData:
		return p.mutateContact(ctx, tx, ev, func(c *domain.Contact) {
			c.DeletedAt = nil
		})
	case *domain.AddressCreatedData:
		return p.addressCreated(ctx, tx, ev, data)
	case *domain.AddressDeletedData:
		return p.mutateAddress(ctx, tx, ev, func(a *domain.Address) {
			if a.DeletedAt == nil {
				a.DeletedAt = timePtr(ev.CreatedAt)
			}
		})
	case *domain.AddressReactivatedData:
		return p.mutateAddress(ctx, tx, ev, func(a *domain.Address) {
			a.DeletedAt = nil
		})
	default:
		return unhandled(p.Name(), ev)
	}
}

func (p *ContactProcessor) contactCreated(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.ContactCreatedData) error {
	if _, err := tx.Contacts().Get(ctx, ev.StreamID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}
	if _, err := tx.Organizations().Get(ctx, data.OrganizationID); err != nil {
		return err
	}
	return tx.Contacts().Upsert(ctx, &domain.Contact{
		ID:             ev.StreamID,
		OrganizationID: data.OrganizationID,
		Label:          data.Label,
		Type:           data.Type,
		FirstName:      data.FirstName,
		LastName:       data.LastName,
		Email:          data.Email,
		Title:          data.Title,
		LastEventID:    ev.ID,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	})
}

func (p *ContactProcessor) mutateContact(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(c *domain.Contact)) error {
	c, err := tx.Contacts().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(c.LastEventID, ev) {
		return nil
	}
	apply(c)
	c.LastEventID = ev.ID
	c.UpdatedAt = ev.CreatedAt
	return tx.Contacts().Upsert(ctx, c)
}

func (p *ContactProcessor) addressCreated(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.AddressCreatedData) error {
	if _, err := tx.Addresses().Get(ctx, ev.StreamID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}
	if _, err := tx.Organizations().Get(ctx, data.OrganizationID); err != nil {
		return err
	}
	return tx.Addresses().Upsert(ctx, &domain.Address{
		ID:             ev.StreamID,
		OrganizationID: data.OrganizationID,
		Label:          data.Label,
		Type:           data.Type,
		Street1:        data.Street1,
		Street2:        data.Street2,
		City:           data.City,
		State:          data.State,
		ZipCode:        data.ZipCode,
		Country:        data.Country,
		LastEventID:    ev.ID,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	})
}

func (p *ContactProcessor) mutateAddress(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(a *domain.Address)) error {
	a, err := tx.Addresses().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(a.LastEventID, ev) {
		return nil
	}
	apply(a)
	a.LastEventID = ev.ID
	a.UpdatedAt = ev.CreatedAt
	return tx.Addresses().Upsert(ctx, a)
}
