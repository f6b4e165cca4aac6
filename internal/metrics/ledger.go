// Package metrics accounts for external calls: cost, wall time, and
// success per batch, per scene, and per pipeline stage. The ledger is
// in-memory and append-only; scene goroutines write to it concurrently.
package metrics

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cameo/internal/capability"
)

// Pipeline stages recorded in the ledger.
const (
	StageDraft    = "draft"
	StageCritique = "critique"
	StageRender   = "render"
	StageEmbed    = "embed"
	StageCorrect  = "correct"
)

// Record is one external call.
type Record struct {
	BatchID   string
	SceneID   string
	Stage     string
	Provider  string
	Model     string
	CostUSD   float64
	Seconds   float64
	Success   bool
	ErrorType string
	CreatedAt time.Time
}

// Summary aggregates a set of records.
type Summary struct {
	Calls    int
	Failures int
	CostUSD  float64
	Seconds  float64
}

// StageSummary is a Summary attributed to one stage.
type StageSummary struct {
	Stage string
	Summary
}

// Ledger is a mutex-guarded append-only record store.
type Ledger struct {
	mu      sync.Mutex
	records []Record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends a record, stamping CreatedAt when unset.
func (l *Ledger) Add(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// RecordCall appends a record built from a capability call's usage and
// outcome.
func (l *Ledger) RecordCall(batchID, sceneID, stage string, usage capability.Usage, callErr error) {
	l.Add(Record{
		BatchID:   batchID,
		SceneID:   sceneID,
		Stage:     stage,
		Provider:  usage.Provider,
		Model:     usage.Model,
		CostUSD:   usage.CostUSD,
		Seconds:   usage.Duration.Seconds(),
		Success:   callErr == nil,
		ErrorType: errorType(callErr),
	})
}

// Records returns a copy of all records in insertion order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Summary aggregates the whole ledger.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return summarize(l.records, func(Record) bool { return true })
}

// SceneSummary aggregates one scene's records.
func (l *Ledger) SceneSummary(sceneID string) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return summarize(l.records, func(r Record) bool { return r.SceneID == sceneID })
}

// BatchSummary aggregates one batch's records. Scene IDs repeat across
// batches, so anything batch-scoped must filter here first.
func (l *Ledger) BatchSummary(batchID string) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return summarize(l.records, func(r Record) bool { return r.BatchID == batchID })
}

// SceneCost returns the spend for one scene of one batch.
func (l *Ledger) SceneCost(batchID, sceneID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := summarize(l.records, func(r Record) bool {
		return r.BatchID == batchID && r.SceneID == sceneID
	})
	return s.CostUSD
}

// StageBreakdown aggregates per stage, sorted by stage name.
func (l *Ledger) StageBreakdown() []StageSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breakdown(func(Record) bool { return true })
}

// BatchStageBreakdown aggregates one batch's records per stage.
func (l *Ledger) BatchStageBreakdown(batchID string) []StageSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breakdown(func(r Record) bool { return r.BatchID == batchID })
}

func (l *Ledger) breakdown(keep func(Record) bool) []StageSummary {
	byStage := make(map[string]Summary)
	for _, r := range l.records {
		if !keep(r) {
			continue
		}
		s := byStage[r.Stage]
		s.Calls++
		if !r.Success {
			s.Failures++
		}
		s.CostUSD += r.CostUSD
		s.Seconds += r.Seconds
		byStage[r.Stage] = s
	}

	out := make([]StageSummary, 0, len(byStage))
	for stage, s := range byStage {
		out = append(out, StageSummary{Stage: stage, Summary: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func summarize(records []Record, keep func(Record) bool) Summary {
	var s Summary
	for _, r := range records {
		if !keep(r) {
			continue
		}
		s.Calls++
		if !r.Success {
			s.Failures++
		}
		s.CostUSD += r.CostUSD
		s.Seconds += r.Seconds
	}
	return s
}

func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capability.ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case capability.IsTransient(err):
		return "transient"
	case capability.IsPermanent(err):
		return "permanent"
	default:
		return "error"
	}
}
