package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/usecase/events"
)

type step struct {
	name       string
	policy     RetryPolicy
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// run is the in-memory state of one workflow execution.
type run struct {
	state  RunState
	params *Params
	opts   ResumeOptions
	steps  []step
	logger *zap.Logger

	orgID    string
	recordID string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (e *Engine) bootstrapSteps(r *run) []step {
	steps := []step{e.createStep(r)}
	return append(steps, e.stepsFrom(r, StepConfigure)...)
}

func (e *Engine) resumeSteps(r *run, from string) []step {
	steps := []step{e.reactivateStep(r)}
	return append(steps, e.stepsFrom(r, from)...)
}

// allSteps lists every step a run could have completed, for recovery.
func (e *Engine) allSteps(r *run) []step {
	steps := []step{e.createStep(r), e.reactivateStep(r)}
	return append(steps, e.stepsFrom(r, StepConfigure)...)
}

func (e *Engine) stepsFrom(r *run, from string) []step {
	start := indexOf(resumableSteps, from)
	if start < 0 {
		start = 0
	}
	var steps []step
	for _, name := range resumableSteps[start:] {
		switch name {
		case StepConfigure:
			if r.params.Subdomain != "" {
				steps = append(steps, step{name: name, policy: e.cfg.Activity,
					run:        func(ctx context.Context) error { return e.configureSubdomain(ctx, r) },
					compensate: func(ctx context.Context) error { return e.removeSubdomain(ctx, r) }})
			}
		case StepVerify:
			if r.params.Subdomain != "" {
				steps = append(steps, step{name: name, policy: e.cfg.Verification,
					run: func(ctx context.Context) error { return e.verifySubdomain(ctx, r) }})
			}
		case StepGenerate:
			steps = append(steps, step{name: name, policy: e.cfg.Activity,
				run:        func(ctx context.Context) error { return e.generateRecords(ctx, r) },
				compensate: func(ctx context.Context) error { return e.removeGenerated(ctx, r) }})
		case StepNotify:
			steps = append(steps, step{name: name, policy: e.cfg.Activity,
				run:        func(ctx context.Context) error { return e.notifyInvitees(ctx, r) },
				compensate: func(ctx context.Context) error { return e.revokeInvitations(ctx, r) }})
		case StepActivate:
			steps = append(steps, step{name: name, policy: e.cfg.Activity,
				run: func(ctx context.Context) error { return e.activate(ctx, r) }})
		}
	}
	return steps
}

func (e *Engine) createStep(r *run) step {
	return step{name: StepCreate, policy: e.cfg.Activity,
		run:        func(ctx context.Context) error { return e.createOrganization(ctx, r) },
		compensate: func(ctx context.Context) error { return e.teardown(ctx, r) }}
}

func (e *Engine) reactivateStep(r *run) step {
	return step{name: StepReactivate, policy: e.cfg.Activity,
		run:        func(ctx context.Context) error { return e.reactivate(ctx, r) },
		compensate: func(ctx context.Context) error { return e.teardown(ctx, r) }}
}

// createOrganization records the organization with its contacts and
// addresses. An existing live organization with the same slug is reused.
func (e *Engine) createOrganization(ctx context.Context, r *run) error {
	p := r.params
	existing, err := e.organizationBySlug(ctx, p.Slug)
	switch {
	case err == nil:
		if existing.IsDeleted() {
			return domain.NewError(domain.ErrCodeConflict, "organization "+p.Slug+" is deleted; resume it instead")
		}
		r.orgID = existing.ID
	case domain.IsNotFound(err):
		if r.orgID == "" {
			r.orgID = e.newID()
		}
		raw, err := p.encode()
		if err != nil {
			return err
		}
		cmd, err := events.NewCommand(r.orgID, &domain.OrganizationCreatedData{
			Name:       p.Name,
			Slug:       p.Slug,
			Type:       p.Type,
			Path:       p.Path(),
			ParentPath: p.ParentPath,
			Subdomain:  e.fqdn(p),
			Bootstrap:  raw,
		}, r.meta(StepCreate))
		if err != nil {
			return err
		}
		fresh := int64(0)
		cmd.ExpectedVersion = &fresh
		if _, err := e.deps.Events.Append(ctx, cmd); err != nil {
			return err
		}
	default:
		return err
	}
	return e.ensureDescriptiveRecords(ctx, r)
}

// ensureDescriptiveRecords creates missing contacts and addresses by label and
// reactivates soft-deleted ones.
func (e *Engine) ensureDescriptiveRecords(ctx context.Context, r *run) error {
	snap, err := e.snapshot(ctx, r.orgID)
	if err != nil {
		return err
	}
	for _, want := range r.params.Contacts {
		c, ok := snap.contactByLabel(want.Label)
		switch {
		case ok && c.DeletedAt == nil:
			continue
		case ok:
			err = e.append(ctx, r, c.ID, &domain.ContactReactivatedData{Reason: r.state.WorkflowID}, "reactivate contact")
		default:
			err = e.append(ctx, r, e.newID(), &domain.ContactCreatedData{
				OrganizationID: r.orgID,
				Label:          want.Label,
				Type:           want.Type,
				FirstName:      want.FirstName,
				LastName:       want.LastName,
				Email:          want.Email,
				Title:          want.Title,
			}, "create contact")
		}
		if err != nil {
			return err
		}
	}
	for _, want := range r.params.Addresses {
		a, ok := snap.addressByLabel(want.Label)
		switch {
		case ok && a.DeletedAt == nil:
			continue
		case ok:
			err = e.append(ctx, r, a.ID, &domain.AddressReactivatedData{Reason: r.state.WorkflowID}, "reactivate address")
		default:
			err = e.append(ctx, r, e.newID(), &domain.AddressCreatedData{
				OrganizationID: r.orgID,
				Label:          want.Label,
				Type:           want.Type,
				Street1:        want.Street1,
				Street2:        want.Street2,
				City:           want.City,
				State:          want.State,
				ZipCode:        want.ZipCode,
				Country:        want.Country,
			}, "create address")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// reactivate undoes the soft delete left by a failed run.
func (e *Engine) reactivate(ctx context.Context, r *run) error {
	org, err := e.organization(ctx, r.orgID)
	if err != nil {
		return err
	}
	if org.IsDeleted() {
		if err := e.append(ctx, r, org.ID, &domain.OrganizationReactivatedData{Reason: r.state.WorkflowID}, StepReactivate); err != nil {
			return err
		}
	}
	return e.ensureDescriptiveRecords(ctx, r)
}

// teardown leaves the organization soft-deleted and inactive with its
// descriptive records, invitations and DNS record removed.
func (e *Engine) teardown(ctx context.Context, r *run) error {
	snap, err := e.snapshot(ctx, r.orgID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	reason := "compensating " + r.state.WorkflowID
	var errs []error
	for _, c := range snap.contacts {
		if c.DeletedAt == nil {
			errs = append(errs, e.append(ctx, r, c.ID, &domain.ContactDeletedData{Reason: reason}, reason))
		}
	}
	for _, a := range snap.addresses {
		if a.DeletedAt == nil {
			errs = append(errs, e.append(ctx, r, a.ID, &domain.AddressDeletedData{Reason: reason}, reason))
		}
	}
	for _, inv := range snap.invitations {
		if inv.IsOpen() {
			errs = append(errs, e.append(ctx, r, inv.ID, &domain.InvitationRevokedData{Reason: reason}, reason))
		}
	}
	if snap.org.HasSubdomainRecord() || r.recordID != "" {
		errs = append(errs, e.removeSubdomain(ctx, r))
	}
	if !snap.org.IsDeleted() {
		errs = append(errs, e.append(ctx, r, r.orgID, &domain.OrganizationDeactivatedData{Reason: reason}, reason))
		errs = append(errs, e.append(ctx, r, r.orgID, &domain.OrganizationDeletedData{Reason: reason}, reason))
	}
	return errors.Join(errs...)
}

func (e *Engine) configureSubdomain(ctx context.Context, r *run) error {
	org, err := e.organization(ctx, r.orgID)
	if err != nil {
		return err
	}
	fqdn := e.fqdn(r.params)
	if org.HasSubdomainRecord() && org.Subdomain == fqdn {
		r.recordID = org.SubdomainRecordID
		return nil
	}

	if r.recordID == "" {
		recordID, err := e.deps.DNS.CreateRecord(ctx, fqdn, e.cfg.RecordTarget)
		if err != nil {
			return domain.NewExternalResourceError("dns create record "+fqdn, err)
		}
		r.recordID = recordID
		// Journal the record before recording it so a crash or a failed
		// append still leaves a handle for compensation.
		r.state.PendingRecordID = recordID
		e.save(r)
	}
	return e.append(ctx, r, r.orgID, &domain.SubdomainConfiguredData{
		FQDN:     fqdn,
		RecordID: r.recordID,
		Target:   e.cfg.RecordTarget,
	}, StepConfigure)
}

// removeSubdomain deletes the record created by this run or recorded on the
// organization, then records the removal.
func (e *Engine) removeSubdomain(ctx context.Context, r *run) error {
	org, err := e.organization(ctx, r.orgID)
	if err != nil {
		return err
	}
	recordID := r.recordID
	if recordID == "" {
		recordID = org.SubdomainRecordID
	}
	if recordID == "" {
		return nil
	}
	if err := e.deps.DNS.DeleteRecord(ctx, recordID); err != nil {
		return domain.NewExternalResourceError("dns delete record "+recordID, err)
	}
	r.recordID = ""
	if r.state.PendingRecordID != "" {
		r.state.PendingRecordID = ""
		e.save(r)
	}
	if !org.HasSubdomainRecord() {
		return nil
	}
	return e.append(ctx, r, r.orgID, &domain.SubdomainRemovedData{
		FQDN:     org.Subdomain,
		RecordID: recordID,
	}, "remove subdomain")
}

// verifySubdomain runs one quorum round over every resolver. Retries are
// the verification policy's polling.
func (e *Engine) verifySubdomain(ctx context.Context, r *run) error {
	org, err := e.organization(ctx, r.orgID)
	if err != nil {
		return err
	}
	if org.SubdomainVerifiedAt != nil {
		return nil
	}
	fqdn := e.fqdn(r.params)
	if len(e.deps.Resolvers) == 0 {
		return domain.NewExternalResourceError("dns verification", errors.New("no resolvers configured"))
	}

	var (
		mu        sync.Mutex
		confirmed []string
		failures  []error
		g         errgroup.Group
	)
	for _, res := range e.deps.Resolvers {
		res := res
		g.Go(func() error {
			ok, err := res.Confirm(ctx, fqdn, e.cfg.RecordTarget)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				r.logger.Warn("resolver unreachable", zap.String("resolver", res.Name()), zap.String("fqdn", fqdn), zap.Error(err))
				failures = append(failures, fmt.Errorf("%s: %w", res.Name(), err))
			case ok:
				confirmed = append(confirmed, res.Name())
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines only collect results

	if len(confirmed) < e.cfg.Quorum {
		err := fmt.Errorf("%d of %d resolvers confirmed %s, quorum is %d",
			len(confirmed), len(e.deps.Resolvers), fqdn, e.cfg.Quorum)
		if len(failures) > 0 {
			err = errors.Join(append([]error{err}, failures...)...)
		}
		return domain.NewExternalResourceError("dns verification", err)
	}
	sort.Strings(confirmed)
	return e.append(ctx, r, r.orgID, &domain.SubdomainVerifiedData{
		FQDN:          fqdn,
		Confirmations: len(confirmed),
		Quorum:        e.cfg.Quorum,
		Resolvers:     confirmed,
	}, StepVerify)
}

// generateRecords creates organization units and the admin role with its
// grants. Existing records are reused and soft-deleted ones reactivated.
func (e *Engine) generateRecords(ctx context.Context, r *run) error {
	snap, err := e.snapshot(ctx, r.orgID)
	if err != nil {
		return err
	}
	org := snap.org

	for _, want := range r.params.Units {
		path := org.Path.Child(domain.Label(want.Name))
		unit, ok := snap.unitByPath(path)
		switch {
		case ok && unit.DeletedAt == nil:
			continue
		case ok:
			err = e.append(ctx, r, unit.ID, &domain.UnitReactivatedData{Reason: r.state.WorkflowID}, StepGenerate)
		default:
			err = e.append(ctx, r, e.newID(), &domain.UnitCreatedData{
				OrganizationID: org.ID,
				Name:           want.Name,
				Path:           path,
			}, StepGenerate)
		}
		if err != nil {
			return err
		}
	}

	want := r.params.AdminRole
	if want == nil {
		return nil
	}
	permissionIDs := make([]string, 0, len(want.Permissions))
	for _, name := range want.Permissions {
		id, ok := snap.permissionIDs[name]
		if !ok {
			return domain.NewValidationError("bootstrap: permission %q is not defined", name)
		}
		permissionIDs = append(permissionIDs, id)
	}

	role, ok := snap.roleByName(want.Name)
	roleID := ""
	switch {
	case ok && role.IsDeleted():
		roleID = role.ID
		err = e.append(ctx, r, roleID, &domain.RoleReactivatedData{Reason: r.state.WorkflowID}, StepGenerate)
	case ok:
		roleID = role.ID
	default:
		roleID = e.newID()
		err = e.append(ctx, r, roleID, &domain.RoleCreatedData{
			Name:           want.Name,
			Description:    want.Description,
			OrganizationID: org.ID,
			ScopePath:      org.Path,
		}, StepGenerate)
	}
	if err != nil {
		return err
	}

	for _, permissionID := range permissionIDs {
		if snap.granted[roleID+"|"+permissionID] {
			continue
		}
		if err := e.append(ctx, r, roleID, &domain.RolePermissionGrantedData{PermissionID: permissionID}, StepGenerate); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeGenerated(ctx context.Context, r *run) error {
	snap, err := e.snapshot(ctx, r.orgID)
	if err != nil {
		return err
	}
	reason := "compensating " + r.state.WorkflowID
	var errs []error
	for _, role := range snap.roles {
		if !role.IsDeleted() {
			errs = append(errs, e.append(ctx, r, role.ID, &domain.RoleDeletedData{Reason: reason}, reason))
		}
	}
	for _, unit := range snap.units {
		if unit.DeletedAt == nil {
			errs = append(errs, e.append(ctx, r, unit.ID, &domain.UnitDeletedData{Reason: reason}, reason))
		}
	}
	return errors.Join(errs...)
}

// notifyInvitees sends one invitation per invitee email. Invitations that
// were already sent are skipped; pending ones are re-sent.
func (e *Engine) notifyInvitees(ctx context.Context, r *run) error {
	if len(r.params.Invitees) == 0 {
		return nil
	}
	if e.deps.Notifier == nil {
		return domain.NewValidationError("bootstrap: invitees given but no notifier is configured")
	}
	snap, err := e.snapshot(ctx, r.orgID)
	if err != nil {
		return err
	}

	adminRoleID := ""
	if r.params.AdminRole != nil {
		if role, ok := snap.roleByName(r.params.AdminRole.Name); ok && !role.IsDeleted() {
			adminRoleID = role.ID
		}
	}

	for _, want := range r.params.Invitees {
		inv, ok := snap.openInvitation(want.Email)
		if ok && inv.Status != domain.InvitationStatusPending {
			continue
		}
		if !ok {
			roleID := ""
			if want.Admin {
				if adminRoleID == "" {
					return domain.NewValidationError("bootstrap: admin role for %s does not exist", want.Email)
				}
				roleID = adminRoleID
			}
			token, err := newToken()
			if err != nil {
				return err
			}
			inv = domain.Invitation{
				ID:             e.newID(),
				OrganizationID: r.orgID,
				Email:          want.Email,
				FirstName:      want.FirstName,
				LastName:       want.LastName,
				RoleID:         roleID,
				Token:          token,
				ExpiresAt:      e.now().Add(e.cfg.InvitationTTL),
			}
			if err := e.append(ctx, r, inv.ID, &domain.InvitationCreatedData{
				OrganizationID: inv.OrganizationID,
				Email:          inv.Email,
				FirstName:      inv.FirstName,
				LastName:       inv.LastName,
				RoleID:         inv.RoleID,
				Token:          inv.Token,
				ExpiresAt:      inv.ExpiresAt,
			}, StepNotify); err != nil {
				return err
			}
		}

		if err := e.deps.Notifier.SendInvitation(ctx, InvitationMessage{
			InvitationID:     inv.ID,
			OrganizationName: snap.org.Name,
			Email:            inv.Email,
			FirstName:        inv.FirstName,
			LastName:         inv.LastName,
			Token:            inv.Token,
			ExpiresAt:        inv.ExpiresAt,
		}); err != nil {
			return domain.NewExternalResourceError("send invitation to "+inv.Email, err)
		}
		if err := e.append(ctx, r, inv.ID, &domain.InvitationSentData{Channel: "email"}, StepNotify); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) revokeInvitations(ctx context.Context, r *run) error {
	snap, err := e.snapshot(ctx, r.orgID)
	if err != nil {
		return err
	}
	reason := "compensating " + r.state.WorkflowID
	var errs []error
	for _, inv := range snap.invitations {
		if inv.IsOpen() {
			errs = append(errs, e.append(ctx, r, inv.ID, &domain.InvitationRevokedData{Reason: reason}, reason))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) activate(ctx context.Context, r *run) error {
	org, err := e.organization(ctx, r.orgID)
	if err != nil {
		return err
	}
	if !org.IsActive {
		if err := e.append(ctx, r, org.ID, &domain.OrganizationActivatedData{}, StepActivate); err != nil {
			return err
		}
	}
	if org.BootstrapStatus != domain.BootstrapCompleted {
		return e.append(ctx, r, org.ID, &domain.BootstrapCompletedData{
			WorkflowID: r.state.WorkflowID,
			RunID:      r.state.RunID,
		}, StepActivate)
	}
	return nil
}

// firstIncomplete inspects projections to find where a resume should start.
func (e *Engine) firstIncomplete(ctx context.Context, org *domain.Organization, p *Params) (string, error) {
	if p.Subdomain != "" {
		if !org.HasSubdomainRecord() {
			return StepConfigure, nil
		}
		if org.SubdomainVerifiedAt == nil {
			return StepVerify, nil
		}
	}

	snap, err := e.snapshot(ctx, org.ID)
	if err != nil {
		return "", err
	}
	for _, want := range p.Units {
		unit, ok := snap.unitByPath(org.Path.Child(domain.Label(want.Name)))
		if !ok || unit.DeletedAt != nil {
			return StepGenerate, nil
		}
	}
	if p.AdminRole != nil {
		role, ok := snap.roleByName(p.AdminRole.Name)
		if !ok || role.IsDeleted() {
			return StepGenerate, nil
		}
		for _, name := range p.AdminRole.Permissions {
			if !snap.granted[role.ID+"|"+snap.permissionIDs[name]] {
				return StepGenerate, nil
			}
		}
	}
	for _, want := range p.Invitees {
		inv, ok := snap.openInvitation(want.Email)
		if !ok || inv.Status == domain.InvitationStatusPending {
			return StepNotify, nil
		}
	}
	return StepActivate, nil
}

func (e *Engine) fqdn(p *Params) string {
	if p.Subdomain == "" {
		return ""
	}
	if e.cfg.BaseDomain == "" {
		return p.Subdomain
	}
	return p.Subdomain + "." + strings.TrimPrefix(e.cfg.BaseDomain, ".")
}

func (r *run) meta(reason string) domain.EventMetadata {
	return domain.EventMetadata{
		ActorID:       r.params.ActorID,
		CorrelationID: r.state.WorkflowID,
		TraceID:       r.state.RunID,
		Reason:        reason,
	}
}

func (e *Engine) append(ctx context.Context, r *run, streamID string, payload domain.Payload, reason string) error {
	cmd, err := events.NewCommand(streamID, payload, r.meta(reason))
	if err != nil {
		return err
	}
	_, err = e.deps.Events.Append(ctx, cmd)
	return err
}

func (e *Engine) organization(ctx context.Context, id string) (*domain.Organization, error) {
	var org *domain.Organization
	err := e.deps.Store.View(ctx, func(tx repository.Tx) error {
		var err error
		org, err = tx.Organizations().Get(ctx, id)
		return err
	})
	return org, err
}

func (e *Engine) organizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	var org *domain.Organization
	err := e.deps.Store.View(ctx, func(tx repository.Tx) error {
		var err error
		org, err = tx.Organizations().GetBySlug(ctx, slug)
		return err
	})
	return org, err
}

// orgSnapshot is a consistent read of everything an activity needs. It is
// taken before any append so no read view is held while events are written.
type orgSnapshot struct {
	org           *domain.Organization
	contacts      []domain.Contact
	addresses     []domain.Address
	invitations   []domain.Invitation
	units         []domain.OrganizationUnit
	roles         []domain.Role
	granted       map[string]bool
	permissionIDs map[string]string
}

func (e *Engine) snapshot(ctx context.Context, orgID string) (*orgSnapshot, error) {
	snap := &orgSnapshot{granted: make(map[string]bool), permissionIDs: make(map[string]string)}
	err := e.deps.Store.View(ctx, func(tx repository.Tx) error {
		var err error
		if snap.org, err = tx.Organizations().Get(ctx, orgID); err != nil {
			return err
		}
		if snap.contacts, err = tx.Contacts().ListByOrganization(ctx, orgID); err != nil {
			return err
		}
		if snap.addresses, err = tx.Addresses().ListByOrganization(ctx, orgID); err != nil {
			return err
		}
		if snap.invitations, err = tx.Invitations().ListByOrganization(ctx, orgID); err != nil {
			return err
		}
		if snap.units, err = tx.Units().ListSubtree(ctx, snap.org.Path); err != nil {
			return err
		}
		if snap.roles, err = tx.Roles().ListByOrganization(ctx, orgID); err != nil {
			return err
		}
		roleIDs := make([]string, 0, len(snap.roles))
		for _, role := range snap.roles {
			roleIDs = append(roleIDs, role.ID)
		}
		if len(roleIDs) > 0 {
			grants, err := tx.Roles().ListGrants(ctx, roleIDs)
			if err != nil {
				return err
			}
			for _, g := range grants {
				snap.granted[g.RoleID+"|"+g.PermissionID] = true
			}
		}
		permissions, err := tx.Permissions().List(ctx)
		if err != nil {
			return err
		}
		for _, p := range permissions {
			snap.permissionIDs[p.Name] = p.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *orgSnapshot) contactByLabel(label string) (domain.Contact, bool) {
	for _, c := range s.contacts {
		if c.Label == label {
			return c, true
		}
	}
	return domain.Contact{}, false
}

func (s *orgSnapshot) addressByLabel(label string) (domain.Address, bool) {
	for _, a := range s.addresses {
		if a.Label == label {
			return a, true
		}
	}
	return domain.Address{}, false
}

func (s *orgSnapshot) unitByPath(path domain.ScopePath) (domain.OrganizationUnit, bool) {
	for _, u := range s.units {
		if u.Path == path {
			return u, true
		}
	}
	return domain.OrganizationUnit{}, false
}

func (s *orgSnapshot) roleByName(name string) (domain.Role, bool) {
	for _, role := range s.roles {
		if role.Name == name {
			return role, true
		}
	}
	return domain.Role{}, false
}

func (s *orgSnapshot) openInvitation(email string) (domain.Invitation, bool) {
	for _, inv := range s.invitations {
		if strings.EqualFold(inv.Email, email) && (inv.IsOpen() || inv.Status == domain.InvitationStatusAccepted) {
			return inv, true
		}
	}
	return domain.Invitation{}, false
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
