package pipeline

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/mailvault/internal/server/reconcile"
	"github.com/dmitrijs2005/mailvault/internal/timex"
)

// SyncStats aggregates one pipeline run. It is reported on the job and
// never stored with the mirror.
type SyncStats struct {
	Folders        int                `json:"folders"`
	Messages       int                `json:"messages"`
	Inserted       int                `json:"inserted"`
	Deleted        int                `json:"deleted"`
	Updated        int                `json:"updated"`
	Fetched        int                `json:"fetched"`
	Pending        int                `json:"pending"`
	Offloaded      int                `json:"offloaded"`
	RemovedFolders int                `json:"removed_folders"`
	Partial        bool               `json:"partial"`
	Duration       timex.Duration     `json:"duration"`
	PerFolder      []reconcile.Result `json:"per_folder,omitempty"`
	// Errors lists failures the run survived: missing vectors, leftover
	// blobs, an interrupted fetch.
	Errors []string `json:"errors,omitempty"`
}

// maxRunErrors bounds SyncStats.Errors; anything past it is only counted.
const maxRunErrors = 50

// runErrors collects the non-fatal errors of one run. A nil collector
// drops everything.
type runErrors struct {
	mu      sync.Mutex
	list    []string
	omitted int
}

func (e *runErrors) add(format string, args ...any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.list) >= maxRunErrors {
		e.omitted++
		return
	}
	e.list = append(e.list, fmt.Sprintf(format, args...))
}

func (e *runErrors) result() []string {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.list) == 0 {
		return nil
	}
	out := append([]string(nil), e.list...)
	if e.omitted > 0 {
		out = append(out, fmt.Sprintf("%d more errors omitted", e.omitted))
	}
	return out
}
