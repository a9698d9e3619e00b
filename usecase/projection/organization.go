package projection

import (
	"context"
	"fmt"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/usecase/events"
)

// OrganizationProcessor maintains organizations and organization units.
type OrganizationProcessor struct{}

func NewOrganizationProcessor() *OrganizationProcessor {
	return &OrganizationProcessor{}
}

func (p *OrganizationProcessor) Name() string { return "organization" }

func (p *OrganizationProcessor) StreamTypes() []domain.StreamType {
	return []domain.StreamType{domain.StreamOrganization, domain.StreamOrganizationUnit}
}

func (p *OrganizationProcessor) EventTypes() []domain.EventType {
	return []domain.EventType{
		domain.OrganizationCreated,
		domain.OrganizationUpdated,
		domain.OrganizationSubdomainConfigured,
		domain.OrganizationSubdomainVerified,
		domain.OrganizationSubdomainRemoved,
		domain.OrganizationActivated,
		domain.OrganizationDeactivated,
		domain.OrganizationDeleted,
		domain.OrganizationReactivated,
		domain.OrganizationBootstrapFailed,
		domain.OrganizationBootstrapCompleted,
		domain.OrganizationUnitCreated,
		domain.OrganizationUnitDeleted,
		domain.OrganizationUnitReactivated,
	}
}

func (p *OrganizationProcessor) Handle(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, payload domain.Payload) error {
	switch data := payload.(type) {
	case *domain.OrganizationCreatedData:
		return p.created(ctx, tx, ev, data)
	case *domain.OrganizationUpdatedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.Name = data.Name
			if data.Type != "" {
				org.Type = data.Type
			}
		})
	case *domain.SubdomainConfiguredData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.Subdomain = data.FQDN
			org.SubdomainRecordID = data.RecordID
			org.SubdomainVerifiedAt = nil
		})
	case *domain.SubdomainVerifiedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.SubdomainVerifiedAt = timePtr(ev.CreatedAt)
		})
	case *domain.SubdomainRemovedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.SubdomainRecordID = ""
			org.SubdomainVerifiedAt = nil
		})
	case *domain.OrganizationActivatedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.IsActive = true
		})
	case *domain.OrganizationDeactivatedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.IsActive = false
		})
	case *domain.OrganizationDeletedData:
		return p.deleted(ctx, tx, em, ev, data)
	case *domain.OrganizationReactivatedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.DeletedAt = nil
		})
	case *domain.BootstrapFailedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.BootstrapStatus = domain.BootstrapFailed
			org.BootstrapError = fmt.Sprintf("%s: %s", data.FailedStep, data.Error)
		})
	case *domain.BootstrapCompletedData:
		return p.mutate(ctx, tx, ev, func(org *domain.Organization) {
			org.BootstrapStatus = domain.BootstrapCompleted
			org.BootstrapError = ""
		})
	case *domain.UnitCreatedData:
		return p.unitCreated(ctx, tx, ev, data)
	case *domain.UnitDeletedData:
		return p.mutateUnit(ctx, tx, ev, func(unit *domain.OrganizationUnit) {
			if unit.DeletedAt == nil {
				unit.DeletedAt = timePtr(ev.CreatedAt)
			}
		})
	case *domain.UnitReactivatedData:
		return p.mutateUnit(ctx, tx, ev, func(unit *domain.OrganizationUnit) {
			unit.DeletedAt = nil
		})
	default:
		return unhandled(p.Name(), ev)
	}
}

func (p *OrganizationProcessor) created(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.OrganizationCreatedData) error {
	existing, err := tx.Organizations().Get(ctx, ev.StreamID)
	switch {
	case err == nil:
		// organization.created is the first event of its stream; a second one is a replay.
		if existing.Slug != data.Slug {
			return fmt.Errorf("organization %s already exists with slug %s", ev.StreamID, existing.Slug)
		}
		return nil
	case !domain.IsNotFound(err):
		return err
	}

	if !data.ParentPath.IsGlobal() && data.ParentPath != domain.RootScope {
		parents, err := tx.Organizations().ListSubtree(ctx, data.ParentPath)
		if err != nil {
			return err
		}
		if len(parents) == 0 || parents[0].Path != data.ParentPath {
			return fmt.Errorf("parent scope %s does not exist", data.ParentPath)
		}
	}

	return tx.Organizations().Upsert(ctx, &domain.Organization{
		ID:              ev.StreamID,
		Name:            data.Name,
		Slug:            data.Slug,
		Type:            data.Type,
		Path:            data.Path,
		ParentPath:      data.ParentPath,
		Subdomain:       data.Subdomain,
		BootstrapStatus: domain.BootstrapPending,
		BootstrapParams: data.Bootstrap,
		LastEventID:     ev.ID,
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       ev.CreatedAt,
	})
}

func (p *OrganizationProcessor) mutate(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(org *domain.Organization)) error {
	org, err := tx.Organizations().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(org.LastEventID, ev) {
		return nil
	}
	apply(org)
	org.LastEventID = ev.ID
	org.UpdatedAt = ev.CreatedAt
	return tx.Organizations().Upsert(ctx, org)
}

// deleted soft-deletes the organization subtree and emits deletions for the
// roles and units scoped inside it.
func (p *OrganizationProcessor) deleted(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, data *domain.OrganizationDeletedData) error {
	org, err := tx.Organizations().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(org.LastEventID, ev) {
		return nil
	}

	subtree, err := tx.Organizations().ListSubtree(ctx, org.Path)
	if err != nil {
		return err
	}
	for i := range subtree {
		o := subtree[i]
		if o.ID != org.ID && o.IsDeleted() {
			continue
		}
		if o.DeletedAt == nil {
			o.DeletedAt = timePtr(ev.CreatedAt)
		}
		o.IsActive = false
		o.LastEventID = ev.ID
		o.UpdatedAt = ev.CreatedAt
		if err := tx.Organizations().Upsert(ctx, &o); err != nil {
			return err
		}
	}

	reason := data.Reason
	if reason == "" {
		reason = "organization " + org.ID + " deleted"
	}

	roles, err := tx.Roles().ListSubtree(ctx, org.Path)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if role.IsDeleted() {
			continue
		}
		if err := emit(ctx, em, role.ID, &domain.RoleDeletedData{Reason: reason}, reason); err != nil {
			return fmt.Errorf("cascade role %s: %w", role.ID, err)
		}
	}

	units, err := tx.Units().ListSubtree(ctx, org.Path)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.DeletedAt != nil {
			continue
		}
		if err := emit(ctx, em, unit.ID, &domain.UnitDeletedData{Reason: reason}, reason); err != nil {
			return fmt.Errorf("cascade unit %s: %w", unit.ID, err)
		}
	}
	return nil
}

func (p *OrganizationProcessor) unitCreated(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.UnitCreatedData) error {
	if _, err := tx.Units().Get(ctx, ev.StreamID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}

	org, err := tx.Organizations().Get(ctx, data.OrganizationID)
	if err != nil {
		return err
	}
	if !data.Path.Within(org.Path) || data.Path == org.Path {
		return fmt.Errorf("unit path %s is not below organization %s", data.Path, org.Path)
	}

	return tx.Units().Upsert(ctx, &domain.OrganizationUnit{
		ID:             ev.StreamID,
		OrganizationID: data.OrganizationID,
		Name:           data.Name,
		Path:           data.Path,
		LastEventID:    ev.ID,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	})
}

func (p *OrganizationProcessor) mutateUnit(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(unit *domain.OrganizationUnit)) error {
	unit, err := tx.Units().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(unit.LastEventID, ev) {
		return nil
	}
	apply(unit)
	unit.LastEventID = ev.ID
	unit.UpdatedAt = ev.CreatedAt
	return tx.Units().Upsert(ctx, unit)
}
