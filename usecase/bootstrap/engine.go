// Package bootstrap runs the organization bootstrap saga: ordered, idempotent
// activities with one compensation per completed step, a journaled run state
// and a resume path that reactivates instead of recreating.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

// Step names, in execution order.
const (
	StepCreate     = "create_organization"
	StepReactivate = "reactivate_organization"
	StepConfigure  = "configure_subdomain"
	StepVerify     = "verify_subdomain"
	StepGenerate   = "generate_records"
	StepNotify     = "notify_invitees"
	StepActivate   = "activate"
)

var resumableSteps = []string{StepConfigure, StepVerify, StepGenerate, StepNotify, StepActivate}

// Config tunes the engine.
type Config struct {
	// BaseDomain is appended to the requested subdomain label.
	BaseDomain string
	// RecordTarget is the value the subdomain record points at.
	RecordTarget string
	// Quorum is the number of resolvers that must confirm the record.
	// Zero means a strict majority of the configured resolvers.
	Quorum int

	Activity     RetryPolicy
	Verification RetryPolicy

	CompensationTimeout time.Duration
	LockTTL             time.Duration
	InvitationTTL       time.Duration
}

// Deps are the collaborators of the engine. Locker and Journal are optional.
type Deps struct {
	Store     repository.Store
	Events    EventAppender
	DNS       DNSProvider
	Resolvers []Resolver
	Notifier  Notifier
	Journal   Journal
	Locker    repository.Locker
	Logger    *zap.Logger
}

// ResumeOptions override how a resume run proceeds.
type ResumeOptions struct {
	FromStep      string `json:"from_step,omitempty"`
	SkipSubdomain bool   `json:"skip_subdomain,omitempty"`
}

// Engine starts and tracks workflow runs.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	active  map[string]*run // keyed by aggregate lock key
	wg      sync.WaitGroup
	root    context.Context
	cancel  context.CancelFunc
	closing bool
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Events == nil {
		return nil, errors.New("bootstrap: store and event appender are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Journal == nil {
		deps.Journal = NewMemoryJournal()
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = len(deps.Resolvers)/2 + 1
	}
	if len(deps.Resolvers) > 0 && cfg.Quorum > len(deps.Resolvers) {
		return nil, fmt.Errorf("bootstrap: quorum %d exceeds %d resolvers", cfg.Quorum, len(deps.Resolvers))
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 2 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}

	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		active: make(map[string]*run),
		root:   root,
		cancel: cancel,
	}, nil
}

// BootstrapWorkflowID is the execution identity of a bootstrap for slug.
func BootstrapWorkflowID(slug string) string {
	return "organization-bootstrap-" + slug
}

// ResumeWorkflowID is the execution identity of a resume for organizationID.
func ResumeWorkflowID(organizationID string) string {
	return "organization-resume-" + organizationID
}

// Start launches a bootstrap run. Re-running it for an existing live
// organization converges on that organization; a deleted one must be resumed.
func (e *Engine) Start(ctx context.Context, params Params) (*Handle, error) {
	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Subdomain != "" && e.deps.DNS == nil {
		return nil, domain.NewValidationError("bootstrap: subdomain requested but no DNS provider is configured")
	}

	existing, err := e.organizationBySlug(ctx, params.Slug)
	switch {
	case err == nil && existing.IsDeleted():
		return nil, domain.NewError(domain.ErrCodeConflict,
			fmt.Sprintf("organization %s (%s) was deleted by a failed bootstrap; resume it instead", params.Slug, existing.ID))
	case err != nil && !domain.IsNotFound(err):
		return nil, err
	}

	r := e.newRun(KindBootstrap, BootstrapWorkflowID(params.Slug), &params, ResumeOptions{})
	if existing != nil {
		r.orgID = existing.ID
	}
	r.steps = e.bootstrapSteps(r)
	if err := e.launch(ctx, r); err != nil {
		return nil, err
	}
	return &Handle{r: r}, nil
}

// Resume continues a failed or interrupted bootstrap of organizationID.
func (e *Engine) Resume(ctx context.Context, organizationID string, opts ResumeOptions) (*Handle, error) {
	org, err := e.organization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if org.IsFullyActive() {
		return nil, domain.ErrNothingToResume
	}
	params, err := decodeParams(org.BootstrapParams)
	if err != nil {
		return nil, err
	}
	if opts.SkipSubdomain {
		params.Subdomain = ""
	}
	if params.Subdomain != "" && e.deps.DNS == nil {
		return nil, domain.NewValidationError("bootstrap: subdomain requested but no DNS provider is configured")
	}

	from := opts.FromStep
	if from == "" {
		if from, err = e.firstIncomplete(ctx, org, params); err != nil {
			return nil, err
		}
	} else if indexOf(resumableSteps, from) < 0 {
		return nil, domain.NewValidationError("cannot resume from step %q", from)
	}

	r := e.newRun(KindResume, ResumeWorkflowID(org.ID), params, opts)
	r.orgID = org.ID
	r.state.OrganizationID = org.ID
	r.steps = e.resumeSteps(r, from)
	if err := e.launch(ctx, r); err != nil {
		return nil, err
	}
	return &Handle{r: r}, nil
}

// Status returns the journaled state of the latest run of workflowID.
func (e *Engine) Status(ctx context.Context, workflowID string) (*RunState, error) {
	return e.deps.Journal.Get(ctx, workflowID)
}

// Cancel stops an in-flight run; it compensates like a failure.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.active {
		if r.state.WorkflowID == workflowID {
			r.cancel()
			return nil
		}
	}
	return domain.ErrWorkflowNotFound
}

// RecoverInterrupted compensates runs journaled as running that no live
// process owns, leaving their organizations resumable.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	states, err := e.deps.Journal.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, state := range states {
		if e.isActive(state.Slug) {
			continue
		}
		if err := e.recover(ctx, state); err != nil {
			e.logger.Error("failed to recover interrupted workflow",
				zap.String("workflow_id", state.WorkflowID),
				zap.String("run_id", state.RunID),
				zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Shutdown cancels every in-flight run and waits for their compensations.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) recover(ctx context.Context, state RunState) error {
	key := lockKey(state.Slug)
	owner := state.RunID + "-recovery"
	if e.deps.Locker != nil {
		ok, err := e.deps.Locker.Acquire(ctx, key, owner, e.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := e.deps.Locker.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				e.logger.Warn("failed to release workflow lock", zap.String("key", key), zap.Error(err))
			}
		}()
	}

	r := &run{
		state:    state,
		params:   &Params{Slug: state.Slug},
		orgID:    state.OrganizationID,
		recordID: state.PendingRecordID,
		logger:   e.logger.With(zap.String("workflow_id", state.WorkflowID), zap.String("run_id", state.RunID)),
		done:     make(chan struct{}),
	}
	if r.orgID != "" {
		if org, err := e.organization(ctx, r.orgID); err == nil {
			if params, err := decodeParams(org.BootstrapParams); err == nil {
				r.params = params
			}
		}
	}

	byName := make(map[string]step)
	for _, st := range e.allSteps(r) {
		byName[st.name] = st
	}
	var completed []step
	for _, name := range state.Completed {
		if st, ok := byName[name]; ok {
			completed = append(completed, st)
		}
	}

	failed := state.FailedStep
	if failed == "" {
		failed = nextStep(state.Steps, state.Completed)
	}
	e.compensate(ctx, r, completed, failed, errors.New("workflow interrupted"), RunFailed)
	return nil
}

func (e *Engine) newRun(kind, workflowID string, params *Params, opts ResumeOptions) *run {
	runID := e.newID()
	now := e.now()
	return &run{
		state: RunState{
			WorkflowID: workflowID,
			RunID:      runID,
			Kind:       kind,
			Slug:       params.Slug,
			Status:     RunRunning,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		params: params,
		opts:   opts,
		logger: e.logger.With(zap.String("workflow_id", workflowID), zap.String("run_id", runID)),
		done:   make(chan struct{}),
	}
}

func lockKey(slug string) string {
	return "organization:" + slug
}

func (e *Engine) isActive(slug string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[lockKey(slug)]
	return ok
}

// launch claims the per-aggregate execution identity and starts the run.
func (e *Engine) launch(ctx context.Context, r *run) error {
	key := lockKey(r.state.Slug)
	runCtx, cancel := context.WithCancel(e.root)
	r.cancel = cancel

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		cancel()
		return domain.NewError(domain.ErrCodeConflict, "workflow engine is shutting down")
	}
	if _, busy := e.active[key]; busy {
		e.mu.Unlock()
		cancel()
		return domain.ErrWorkflowRunning
	}
	e.active[key] = r
	e.wg.Add(1)
	e.mu.Unlock()

	release := func() {
		cancel()
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
		e.wg.Done()
	}

	if e.deps.Locker != nil {
		ok, err := e.deps.Locker.Acquire(ctx, key, r.state.RunID, e.cfg.LockTTL)
		if err != nil {
			release()
			return err
		}
		if !ok {
			release()
			return domain.ErrWorkflowRunning
		}
	}

	for _, st := range r.steps {
		r.state.Steps = append(r.state.Steps, st.name)
	}
	if err := e.deps.Journal.Save(ctx, r.state); err != nil {
		e.unlock(r)
		release()
		return err
	}

	go func() {
		r.err = e.execute(runCtx, r)
		e.unlock(r)
		release()
		close(r.done)
	}()
	return nil
}

func (e *Engine) unlock(r *run) {
	if e.deps.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.deps.Locker.Release(ctx, lockKey(r.state.Slug), r.state.RunID); err != nil {
		r.logger.Warn("failed to release workflow lock", zap.Error(err))
	}
}

// execute runs the steps in order and compensates completed ones in reverse
// on failure or cancellation.
func (e *Engine) execute(ctx context.Context, r *run) error {
	r.logger.Info("workflow started", zap.String("kind", r.state.Kind), zap.Strings("steps", r.state.Steps))

	var completed []step
	for _, st := range r.steps {
		if err := ctx.Err(); err != nil {
			return e.compensate(ctx, r, completed, st.name, err, RunCancelled)
		}
		r.logger.Info("step started", zap.String("step", st.name))
		err := st.policy.Do(ctx, st.run, func(err error, next time.Duration) {
			r.logger.Warn("step attempt failed, retrying",
				zap.String("step", st.name),
				zap.Duration("backoff", next),
				zap.Error(err))
		})
		if err != nil {
			status := RunFailed
			if ctx.Err() != nil {
				status = RunCancelled
			}
			r.logger.Error("step failed", zap.String("step", st.name), zap.Error(err))
			return e.compensate(ctx, r, completed, st.name, err, status)
		}
		completed = append(completed, st)
		r.state.Completed = append(r.state.Completed, st.name)
		r.state.OrganizationID = r.orgID
		e.save(r)
	}

	finished := e.now()
	r.state.Status = RunCompleted
	r.state.FinishedAt = &finished
	e.save(r)
	r.logger.Info("workflow completed", zap.String("organization_id", r.orgID))
	return nil
}

// compensate undoes completed steps in reverse order. A failing compensation
// is logged and recorded; the remaining ones still run.
func (e *Engine) compensate(ctx context.Context, r *run, completed []step, failedStep string, cause error, status RunStatus) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CompensationTimeout)
	defer cancel()

	var compErrs []error
	for i := len(completed) - 1; i >= 0; i-- {
		st := completed[i]
		if st.compensate == nil {
			continue
		}
		err := e.cfg.Activity.Do(cctx, st.compensate, nil)
		if err != nil {
			r.logger.Error("compensation failed", zap.String("step", st.name), zap.Error(err))
			compErrs = append(compErrs, fmt.Errorf("%s: %w", st.name, err))
			r.state.CompensationErrors = append(r.state.CompensationErrors, fmt.Sprintf("%s: %v", st.name, err))
			continue
		}
		r.state.Compensated = append(r.state.Compensated, st.name)
		r.logger.Info("step compensated", zap.String("step", st.name))
	}

	if _, err := e.organization(cctx, r.orgID); err == nil {
		payload := &domain.BootstrapFailedData{
			WorkflowID:  r.state.WorkflowID,
			RunID:       r.state.RunID,
			FailedStep:  failedStep,
			Error:       cause.Error(),
			Compensated: r.state.Compensated,
		}
		if err := e.append(cctx, r, r.orgID, payload, "bootstrap failed"); err != nil {
			r.logger.Error("failed to record bootstrap failure", zap.Error(err))
			compErrs = append(compErrs, err)
		}
	}

	finished := e.now()
	r.state.Status = status
	r.state.FailedStep = failedStep
	r.state.Error = cause.Error()
	r.state.OrganizationID = r.orgID
	r.state.FinishedAt = &finished
	e.save(r)

	r.logger.Warn("workflow failed",
		zap.String("failed_step", failedStep),
		zap.Strings("compensated", r.state.Compensated),
		zap.Error(cause))
	return errors.Join(append([]error{fmt.Errorf("%s: %w", failedStep, cause)}, compErrs...)...)
}

func (e *Engine) save(r *run) {
	r.state.UpdatedAt = e.now()
	if err := e.deps.Journal.Save(context.Background(), r.state); err != nil {
		r.logger.Error("failed to journal workflow state", zap.Error(err))
	}
}

func nextStep(steps, completed []string) string {
	if len(completed) < len(steps) {
		return steps[len(completed)]
	}
	return ""
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}

// Handle tracks one run started by Start or Resume.
type Handle struct {
	r *run
}

func (h *Handle) WorkflowID() string { return h.r.state.WorkflowID }
func (h *Handle) RunID() string      { return h.r.state.RunID }

// Wait blocks until the run finishes or ctx is done, then returns the final
// state and the run error.
func (h *Handle) Wait(ctx context.Context) (*RunState, error) {
	select {
	case <-h.r.done:
		state := h.r.state
		return &state, h.r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
