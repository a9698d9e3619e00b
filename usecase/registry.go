package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/usecase/authz"
	"github.com/fastygo/orgcore/usecase/bootstrap"
	"github.com/fastygo/orgcore/usecase/events"
)

const (
	CmdAppendEvent       = "events.append"
	CmdRetryEvent        = "events.retry"
	QryFailedEvents      = "events.failed"
	QryStreamHistory     = "events.history"
	CmdBootstrap         = "organizations.bootstrap"
	CmdResume            = "organizations.resume"
	QryWorkflowStatus    = "workflows.status"
	QryPermissions       = "authz.permissions"
	QryCheckPermission   = "authz.check"
	CmdIssueToken        = "auth.token"
	defaultFailedLimit   = 100
	maxFailedEventsLimit = 1000
)

// Services are the application services exposed through the dispatcher.
type Services struct {
	Events    *events.Service
	Workflows *bootstrap.Engine
	Authz     *authz.Service
	Tokens    *authz.TokenIssuer
}

type RetryEvent struct {
	EventID string
}

type FailedEvents struct {
	Limit int
}

type StreamHistory struct {
	StreamID string
}

// BootstrapOrganization starts a bootstrap run. With Wait set the call
// blocks until the run finishes or ctx ends.
type BootstrapOrganization struct {
	Params bootstrap.Params
	Wait   bool
}

type ResumeOrganization struct {
	OrganizationID string
	Options        bootstrap.ResumeOptions
	Wait           bool
}

type WorkflowStatus struct {
	WorkflowID string
}

type PrincipalPermissions struct {
	Principal string
}

type CheckPermission struct {
	Principal  string           `json:"principal"`
	Permission string           `json:"permission"`
	Scope      domain.ScopePath `json:"scope"`
}

type IssueToken struct {
	Principal string
}

// WorkflowStarted is returned by bootstrap and resume commands.
type WorkflowStarted struct {
	WorkflowID string              `json:"workflow_id"`
	RunID      string              `json:"run_id"`
	State      *bootstrap.RunState `json:"state,omitempty"`
}

type CheckResult struct {
	Allowed bool `json:"allowed"`
}

type TokenResult struct {
	Token     string                       `json:"token"`
	ExpiresIn int64                        `json:"expires_in"`
	Claims    []domain.EffectivePermission `json:"permissions"`
}

// Register wires every command and query backed by svc into d.
func Register(d *Dispatcher, svc Services) {
	if svc.Events != nil {
		d.RegisterCommand(CmdAppendEvent, typed(svc.Events.Append))
		d.RegisterCommand(CmdRetryEvent, typed(func(ctx context.Context, p RetryEvent) (*domain.Event, error) {
			return svc.Events.Retry(ctx, p.EventID)
		}))
		d.RegisterQuery(QryFailedEvents, typed(func(ctx context.Context, p FailedEvents) ([]domain.Event, error) {
			limit := p.Limit
			if limit <= 0 {
				limit = defaultFailedLimit
			}
			if limit > maxFailedEventsLimit {
				limit = maxFailedEventsLimit
			}
			return svc.Events.Failed(ctx, limit)
		}))
		d.RegisterQuery(QryStreamHistory, typed(func(ctx context.Context, p StreamHistory) ([]domain.Event, error) {
			return svc.Events.History(ctx, p.StreamID)
		}))
	}

	if svc.Workflows != nil {
		d.RegisterCommand(CmdBootstrap, typed(func(ctx context.Context, p BootstrapOrganization) (*WorkflowStarted, error) {
			h, err := svc.Workflows.Start(ctx, p.Params)
			if err != nil {
				return nil, err
			}
			return started(ctx, h, p.Wait)
		}))
		d.RegisterCommand(CmdResume, typed(func(ctx context.Context, p ResumeOrganization) (*WorkflowStarted, error) {
			h, err := svc.Workflows.Resume(ctx, p.OrganizationID, p.Options)
			if err != nil {
				return nil, err
			}
			return started(ctx, h, p.Wait)
		}))
		d.RegisterQuery(QryWorkflowStatus, typed(func(ctx context.Context, p WorkflowStatus) (*bootstrap.RunState, error) {
			return svc.Workflows.Status(ctx, p.WorkflowID)
		}))
	}

	if svc.Authz != nil {
		d.RegisterQuery(QryPermissions, typed(func(ctx context.Context, p PrincipalPermissions) ([]domain.EffectivePermission, error) {
			return svc.Authz.EffectivePermissions(ctx, p.Principal)
		}))
		d.RegisterQuery(QryCheckPermission, typed(func(ctx context.Context, p CheckPermission) (*CheckResult, error) {
			if strings.TrimSpace(p.Permission) == "" {
				return nil, domain.NewValidationError("permission is required")
			}
			err := svc.Authz.Check(ctx, p.Principal, p.Permission, p.Scope)
			if domain.IsDomainError(err, domain.ErrCodeForbidden) {
				return &CheckResult{Allowed: false}, nil
			}
			if err != nil {
				return nil, err
			}
			return &CheckResult{Allowed: true}, nil
		}))
	}

	if svc.Tokens != nil {
		d.RegisterCommand(CmdIssueToken, typed(func(ctx context.Context, p IssueToken) (*TokenResult, error) {
			claims, err := svc.Tokens.Claims(ctx, p.Principal)
			if err != nil {
				return nil, err
			}
			token, err := svc.Tokens.Sign(claims)
			if err != nil {
				return nil, err
			}
			var expiresIn int64
			if claims.ExpiresAt != nil {
				expiresIn = int64(time.Until(claims.ExpiresAt.Time).Seconds())
			}
			return &TokenResult{Token: token, ExpiresIn: expiresIn, Claims: claims.Permissions}, nil
		}))
	}
}

func started(ctx context.Context, h *bootstrap.Handle, wait bool) (*WorkflowStarted, error) {
	out := &WorkflowStarted{WorkflowID: h.WorkflowID(), RunID: h.RunID()}
	if !wait {
		return out, nil
	}
	state, err := h.Wait(ctx)
	if state != nil {
		out.State = state
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return out, err
	}
	return out, nil
}
