package models

import (
	"encoding/json"
	"time"
)

// SyncJob is the archived form of a sync job.
type SyncJob struct {
	ID          string
	AccountID   string
	State       string
	Phase       string
	Message     string
	Progress    json.RawMessage
	Attempts    int
	FailureKind string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}
