package core

import (
	"slices"
	"sync"
)

// RunReport aggregates the outcome of a run. It is safe for concurrent use.
type RunReport struct {
	mu sync.Mutex

	TableRef string
	DryRun   bool

	Created int
	Updated int
	Skipped int

	Failures []RowFailure
	Warnings []CellWarning
}

// Failed returns the number of failed rows.
func (r *RunReport) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failures)
}

func (r *RunReport) record(action ActionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch action {
	case ActionCreate:
		r.Created++
	case ActionUpdate:
		r.Updated++
	case ActionSkip:
		r.Skipped++
	}
}

func (r *RunReport) fail(f RowFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

// SortedFailures returns the failures ordered by CSV line.
func (r *RunReport) SortedFailures() []RowFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.Failures)
	slices.SortStableFunc(out, func(a, b RowFailure) int { return a.Line - b.Line })
	return out
}

// Progress is reported after each row finishes a pass.
type Progress struct {
	Pass  int // 1 for row writes, 2 for relation patches
	Done  int
	Total int
}

// ProgressCallback receives progress updates. It may be called from
// several goroutines at once.
type ProgressCallback func(Progress)
