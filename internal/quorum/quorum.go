// -------------------------------------------------------------------------------
// Quorum - Per-Pillar Outcome Aggregation
//
// Project: Yggdrasil
//
// Turns the per-pillar success/failure events of one storage operation into a
// single accept/reject outcome. An operation succeeds when no more pillars fail
// than the collection tolerates. Events may arrive in any order and from
// concurrent goroutines, one per pillar.
// -------------------------------------------------------------------------------

package quorum

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// Outcome is the result one pillar reports for its part of an operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is the callback shape pillar operations report with.
type Event struct {
	Pillar     string
	Collection string
	Outcome    Outcome
	Detail     string
}

// Result is the evaluated outcome of an operation.
type Result struct {
	Succeeded []string          // pillars that reported success, sorted
	Failed    map[string]string // pillar -> failure detail
	IsFailure bool
}

// FailedPillars returns the failed pillar names sorted.
func (r Result) FailedPillars() []string {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -------------------------------------------------------------------------
// EVALUATOR
// -------------------------------------------------------------------------

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithSuccessTarget resolves the evaluator as soon as n pillars have reported
// success. Get-style operations use 1: the first pillar that delivers is
// sufficient.
func WithSuccessTarget(n int) Option {
	return func(e *Evaluator) { e.successTarget = n }
}

// Evaluator accumulates pillar events for one operation against one
// collection.
type Evaluator struct {
	collection    string
	tolerated     int
	successTarget int

	mu        sync.Mutex
	pillars   map[string]bool // known pillar set
	succeeded map[string]bool
	failed    map[string]string
	done      chan struct{}
	resolved  bool
}

// New creates an evaluator for the given collection, its known pillars and the
// number of pillar failures the collection tolerates.
func New(collection string, pillars []string, tolerated int, opts ...Option) *Evaluator {
	e := &Evaluator{
		collection: collection,
		tolerated:  tolerated,
		pillars:    make(map[string]bool, len(pillars)),
		succeeded:  make(map[string]bool, len(pillars)),
		failed:     make(map[string]string),
		done:       make(chan struct{}),
	}
	for _, p := range pillars {
		e.pillars[p] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.pillars) == 0 {
		e.resolve()
	}
	return e
}

// Handle records an event delivered through the pillar callback. Events for a
// different collection are ignored.
func (e *Evaluator) Handle(ev Event) {
	if ev.Collection != "" && ev.Collection != e.collection {
		slog.Warn("Quorum: ignoring event for another collection",
			"collection", e.collection, "event_collection", ev.Collection, "pillar", ev.Pillar)
		return
	}
	e.HandleEvent(ev.Pillar, ev.Outcome, ev.Detail)
}

// HandleEvent records one pillar's outcome. Each pillar is recorded at most
// once; duplicates and unknown pillars are ignored with a warning.
func (e *Evaluator) HandleEvent(pillar string, outcome Outcome, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pillars[pillar] {
		slog.Warn("Quorum: ignoring event from unknown pillar",
			"collection", e.collection, "pillar", pillar, "outcome", outcome.String())
		return
	}
	if e.reportedLocked(pillar) {
		slog.Warn("Quorum: ignoring duplicate event",
			"collection", e.collection, "pillar", pillar, "outcome", outcome.String())
		return
	}

	switch outcome {
	case OutcomeSuccess:
		e.succeeded[pillar] = true
	default:
		if detail == "" {
			detail = "pillar reported failure"
		}
		e.failed[pillar] = detail
	}

	e.checkLocked()
}

// OperationFailed records a collection-level failure, e.g. the storage tier
// could not start the operation at all. Every pillar that has not reported yet
// counts as failed.
func (e *Evaluator) OperationFailed(detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for p := range e.pillars {
		if !e.reportedLocked(p) {
			e.failed[p] = detail
		}
	}
	e.resolve()
}

// Complete marks the operation as finished. Pillars that never reported are
// left out of the tally.
func (e *Evaluator) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolve()
}

// Done is closed once the outcome is decided.
func (e *Evaluator) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the outcome is decided or ctx is done. A cancelled context
// counts as an operation failure for every pillar still outstanding.
func (e *Evaluator) Wait(ctx context.Context) Result {
	select {
	case <-e.done:
	case <-ctx.Done():
		e.OperationFailed(ctx.Err().Error())
	}
	return e.Result()
}

// Result returns the current evaluation. It may be called at any time; before
// any pillar has reported, a collection that tolerates no failures is
// considered failed.
func (e *Evaluator) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{
		Succeeded: make([]string, 0, len(e.succeeded)),
		Failed:    make(map[string]string, len(e.failed)),
	}
	for p := range e.succeeded {
		res.Succeeded = append(res.Succeeded, p)
	}
	sort.Strings(res.Succeeded)
	for p, d := range e.failed {
		res.Failed[p] = d
	}

	reported := len(e.succeeded) + len(e.failed)
	if reported == 0 && e.tolerated == 0 {
		res.IsFailure = true
	} else {
		res.IsFailure = len(e.failed) > e.tolerated
	}
	return res
}

// -------------------------------------------------------------------------
// INTERNALS
// -------------------------------------------------------------------------

// reportedLocked reports whether pillar already delivered an event. Caller
// must hold e.mu.
func (e *Evaluator) reportedLocked(pillar string) bool {
	if e.succeeded[pillar] {
		return true
	}
	_, failed := e.failed[pillar]
	return failed
}

// checkLocked resolves the evaluator when the outcome can no longer change.
// Caller must hold e.mu.
func (e *Evaluator) checkLocked() {
	switch {
	case len(e.succeeded)+len(e.failed) >= len(e.pillars):
		e.resolve()
	case len(e.failed) > e.tolerated:
		e.resolve()
	case e.successTarget > 0 && len(e.succeeded) >= e.successTarget:
		e.resolve()
	}
}

// resolve closes the done channel once. Caller must hold e.mu (or be the
// constructor).
func (e *Evaluator) resolve() {
	if e.resolved {
		return
	}
	e.resolved = true
	close(e.done)
}
