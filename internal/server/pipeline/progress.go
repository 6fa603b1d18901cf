package pipeline

import (
	"fmt"
	"sync"
)

// Phase names a pipeline step or terminal state.
type Phase string

const (
	PhaseReconcileState   Phase = "reconcile_state"
	PhaseFetchNewMessages Phase = "fetch_new_messages"
	PhasePersistMessages  Phase = "persist_messages"
	PhaseFinalize         Phase = "finalize"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Progress is one of ReconcileProgress, FetchProgress, PersistProgress or
// FinalizeProgress. The set is closed: only this package implements it.
type Progress interface {
	Phase() Phase
	Message() string
	isProgress()
}

// ReconcileProgress reports listing of one folder.
type ReconcileProgress struct {
	FolderIndex int    `json:"folder_index"`
	FolderTotal int    `json:"folder_total"`
	Folder      string `json:"folder"`
	Listed      int    `json:"listed"`
	Total       int    `json:"total"`
}

func (ReconcileProgress) Phase() Phase { return PhaseReconcileState }
func (p ReconcileProgress) Message() string {
	return fmt.Sprintf("listing %s (%d/%d): %d of %d", p.Folder, p.FolderIndex, p.FolderTotal, p.Listed, p.Total)
}
func (ReconcileProgress) isProgress() {}

// FetchProgress reports one downloaded message.
type FetchProgress struct {
	Folder       string `json:"folder"`
	MessageIndex int    `json:"message_index"`
	MessageTotal int    `json:"message_total"`
}

func (FetchProgress) Phase() Phase { return PhaseFetchNewMessages }
func (p FetchProgress) Message() string {
	return fmt.Sprintf("fetching %s: message %d of %d", p.Folder, p.MessageIndex, p.MessageTotal)
}
func (FetchProgress) isProgress() {}

// PersistProgress reports one committed folder.
type PersistProgress struct {
	FolderIndex int    `json:"folder_index"`
	FolderTotal int    `json:"folder_total"`
	Folder      string `json:"folder"`
	Stored      int    `json:"stored"`
}

func (PersistProgress) Phase() Phase { return PhasePersistMessages }
func (p PersistProgress) Message() string {
	return fmt.Sprintf("saved %s (%d/%d): %d new messages", p.Folder, p.FolderIndex, p.FolderTotal, p.Stored)
}
func (PersistProgress) isProgress() {}

// FinalizeProgress carries the aggregated statistics.
type FinalizeProgress struct {
	Stats SyncStats `json:"stats"`
}

func (FinalizeProgress) Phase() Phase { return PhaseFinalize }
func (p FinalizeProgress) Message() string {
	return fmt.Sprintf("synced %d folders: %d new, %d removed, %d changed",
		p.Stats.Folders, p.Stats.Fetched, p.Stats.Deleted, p.Stats.Updated)
}
func (FinalizeProgress) isProgress() {}

// ProgressFunc observes progress. It is advisory and may be nil.
type ProgressFunc func(Progress)

// serialize makes fn safe to call from several goroutines.
func serialize(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(Progress) {}
	}
	var mu sync.Mutex
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		fn(p)
	}
}
