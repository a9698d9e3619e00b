package bootstrap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/usecase/events"
)

// EventAppender records events; *events.Service satisfies it.
type EventAppender interface {
	Append(ctx context.Context, cmd events.AppendCommand) (*domain.Event, error)
}

// DNSProvider manages the organization's subdomain record.
type DNSProvider interface {
	CreateRecord(ctx context.Context, fqdn, target string) (recordID string, err error)
	// DeleteRecord succeeds when the record is already gone.
	DeleteRecord(ctx context.Context, recordID string) error
}

// Resolver independently confirms that fqdn resolves to target.
type Resolver interface {
	Name() string
	Confirm(ctx context.Context, fqdn, target string) (bool, error)
}

// InvitationMessage is what a Notifier delivers to one invitee.
type InvitationMessage struct {
	InvitationID     string
	OrganizationName string
	Email            string
	FirstName        string
	LastName         string
	Token            string
	ExpiresAt        time.Time
}

// Notifier delivers invitations.
type Notifier interface {
	SendInvitation(ctx context.Context, msg InvitationMessage) error
}

// RunStatus is the journaled state of one workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Workflow kinds.
const (
	KindBootstrap = "bootstrap"
	KindResume    = "resume"
)

// RunState is the persisted "how far did we get" record of a run.
type RunState struct {
	WorkflowID         string     `json:"workflow_id"`
	RunID              string     `json:"run_id"`
	Kind               string     `json:"kind"`
	OrganizationID     string     `json:"organization_id,omitempty"`
	Slug               string     `json:"slug"`
	Status             RunStatus  `json:"status"`
	Steps              []string   `json:"steps"`
	Completed          []string   `json:"completed"`
	FailedStep         string     `json:"failed_step,omitempty"`
	Error              string     `json:"error,omitempty"`
	Compensated        []string   `json:"compensated,omitempty"`
	CompensationErrors []string   `json:"compensation_errors,omitempty"`
	PendingRecordID    string     `json:"pending_record_id,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the run reached a terminal status.
func (s *RunState) Done() bool {
	return s.Status != RunRunning
}

// Journal persists run states keyed by workflow id; the latest run wins.
type Journal interface {
	Save(ctx context.Context, state RunState) error
	Get(ctx context.Context, workflowID string) (*RunState, error)
	ListRunning(ctx context.Context) ([]RunState, error)
}

// MemoryJournal keeps run states in process memory.
type MemoryJournal struct {
	mu   sync.RWMutex
	runs map[string]RunState
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{runs: make(map[string]RunState)}
}

func (j *MemoryJournal) Save(ctx context.Context, state RunState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	state.Steps = append([]string(nil), state.Steps...)
	state.Completed = append([]string(nil), state.Completed...)
	state.Compensated = append([]string(nil), state.Compensated...)
	j.runs[state.WorkflowID] = state
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, workflowID string) (*RunState, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	state, ok := j.runs[workflowID]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return &state, nil
}

func (j *MemoryJournal) ListRunning(ctx context.Context) ([]RunState, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []RunState
	for _, s := range j.runs {
		if s.Status == RunRunning {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
