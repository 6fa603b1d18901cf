package jobs

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/pipeline"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Request describes the sync a job performs.
type Request struct {
	AccountID   string
	UserID      string
	Folders     []string
	MaxMessages int
}

// Record is the observable status of a job. Status returns copies; a
// Record never aliases orchestrator state.
type Record struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	State     State  `json:"state"`
	// Phase is the pipeline phase last reported, or completed/failed once
	// the job is over.
	Phase    pipeline.Phase  `json:"phase"`
	Message  string          `json:"message"`
	Progress json.RawMessage `json:"progress,omitempty"`
	// Stats is held in memory only. Archived records never carry it.
	Stats    *pipeline.SyncStats `json:"stats,omitempty"`
	Attempts int                 `json:"attempts"`
	// Reason is the stable failure kind of the last failed attempt.
	Reason        string     `json:"reason,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (r Record) clone() Record {
	out := r
	if r.Progress != nil {
		out.Progress = append(json.RawMessage(nil), r.Progress...)
	}
	if r.Stats != nil {
		s := *r.Stats
		s.PerFolder = slices.Clone(s.PerFolder)
		s.Errors = slices.Clone(s.Errors)
		out.Stats = &s
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (r Record) toModel() *models.SyncJob {
	m := &models.SyncJob{
		ID:          r.ID,
		AccountID:   r.AccountID,
		State:       string(r.State),
		Phase:       string(r.Phase),
		Message:     r.Message,
		Progress:    r.Progress,
		Attempts:    r.Attempts,
		FailureKind: r.Reason,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		FinishedAt:  r.FinishedAt,
	}
	return m
}

func recordFromModel(m *models.SyncJob) Record {
	return Record{
		ID:         m.ID,
		AccountID:  m.AccountID,
		State:      State(m.State),
		Phase:      pipeline.Phase(m.Phase),
		Message:    m.Message,
		Progress:   m.Progress,
		Attempts:   m.Attempts,
		Reason:     m.FailureKind,
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		FinishedAt: m.FinishedAt,
	}
}
