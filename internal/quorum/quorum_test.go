package quorum

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var threePillars = []string{"pillar-a", "pillar-b", "pillar-c"}

func TestEvaluator_OneFailureTolerated(t *testing.T) {
	e := New("books", threePillars, 1)
	e.HandleEvent("pillar-a", OutcomeSuccess, "")
	e.HandleEvent("pillar-b", OutcomeFailure, "disk full")
	e.HandleEvent("pillar-c", OutcomeSuccess, "")

	res := e.Wait(context.Background())
	if res.IsFailure {
		t.Fatalf("1 failure with tolerance 1 should succeed: %+v", res)
	}
	if diff := cmp.Diff([]string{"pillar-a", "pillar-c"}, res.Succeeded); diff != "" {
		t.Errorf("succeeded mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"pillar-b": "disk full"}, res.Failed); diff != "" {
		t.Errorf("failed mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_TwoFailuresExceedTolerance(t *testing.T) {
	e := New("books", threePillars, 1)
	e.HandleEvent("pillar-a", OutcomeFailure, "timeout")
	e.HandleEvent("pillar-b", OutcomeSuccess, "")
	e.HandleEvent("pillar-c", OutcomeFailure, "checksum")

	res := e.Wait(context.Background())
	if !res.IsFailure {
		t.Fatalf("2 failures with tolerance 1 should fail: %+v", res)
	}
	if diff := cmp.Diff([]string{"pillar-a", "pillar-c"}, res.FailedPillars()); diff != "" {
		t.Errorf("failed pillars mismatch (-want +got):\n%s", diff)
	}
}

// permutations returns every ordering of events.
func permutations(events []Event) [][]Event {
	if len(events) <= 1 {
		return [][]Event{append([]Event(nil), events...)}
	}
	var out [][]Event
	for i := range events {
		rest := make([]Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Event{events[i]}, p...))
		}
	}
	return out
}

func TestEvaluator_OrderIndependent(t *testing.T) {
	pillars := []string{"p1", "p2", "p3", "p4"}
	for tolerated := 0; tolerated <= len(pillars); tolerated++ {
		// Every failure pattern over four pillars.
		for mask := 0; mask < 1<<len(pillars); mask++ {
			var events []Event
			failures := 0
			for i, p := range pillars {
				ev := Event{Pillar: p, Collection: "c", Outcome: OutcomeSuccess}
				if mask&(1<<i) != 0 {
					ev.Outcome = OutcomeFailure
					ev.Detail = "boom"
					failures++
				}
				events = append(events, ev)
			}
			want := failures > tolerated

			for _, order := range permutations(events) {
				e := New("c", pillars, tolerated)
				for _, ev := range order {
					e.Handle(ev)
				}
				e.Complete()
				if got := e.Result().IsFailure; got != want {
					t.Fatalf("tolerated=%d mask=%04b order=%v: IsFailure=%v, want %v",
						tolerated, mask, order, got, want)
				}
			}
		}
	}
}

func TestEvaluator_DuplicateIgnored(t *testing.T) {
	e := New("books", threePillars, 0)
	e.HandleEvent("pillar-a", OutcomeSuccess, "")
	e.HandleEvent("pillar-a", OutcomeFailure, "late failure")

	res := e.Result()
	if len(res.Failed) != 0 {
		t.Fatalf("duplicate event should be ignored, got failures %v", res.Failed)
	}
	if len(res.Succeeded) != 1 {
		t.Fatalf("expected one success, got %v", res.Succeeded)
	}
}

func TestEvaluator_UnknownPillarIgnored(t *testing.T) {
	e := New("books", threePillars, 0)
	e.HandleEvent("intruder", OutcomeFailure, "x")
	e.Handle(Event{Pillar: "pillar-a", Collection: "films", Outcome: OutcomeFailure})

	res := e.Result()
	if len(res.Failed) != 0 {
		t.Fatalf("events from unknown pillars or collections should be ignored, got %v", res.Failed)
	}
}

func TestEvaluator_OperationFailedMarksOutstanding(t *testing.T) {
	e := New("books", threePillars, 1)
	e.HandleEvent("pillar-a", OutcomeSuccess, "")
	e.OperationFailed("could not start operation")

	res := e.Wait(context.Background())
	if !res.IsFailure {
		t.Fatal("operation failure with two outstanding pillars should fail")
	}
	want := map[string]string{
		"pillar-b": "could not start operation",
		"pillar-c": "could not start operation",
	}
	if diff := cmp.Diff(want, res.Failed); diff != "" {
		t.Errorf("failed mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluator_DefaultBeforeEvents(t *testing.T) {
	if !New("books", threePillars, 0).Result().IsFailure {
		t.Error("no events with tolerance 0 should be a failure")
	}
	if New("books", threePillars, 1).Result().IsFailure {
		t.Error("no events with tolerance 1 should not be a failure yet")
	}
}

func TestEvaluator_ShortCircuitOnFailure(t *testing.T) {
	e := New("books", threePillars, 0)
	e.HandleEvent("pillar-b", OutcomeFailure, "gone")

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("evaluator should resolve once tolerance is exceeded")
	}
	if !e.Result().IsFailure {
		t.Fatal("expected failure")
	}
}

func TestEvaluator_SuccessTarget(t *testing.T) {
	e := New("books", threePillars, len(threePillars)-1, WithSuccessTarget(1))
	e.HandleEvent("pillar-a", OutcomeFailure, "miss")

	select {
	case <-e.Done():
		t.Fatal("one failure should not resolve a get with two pillars left")
	default:
	}

	e.HandleEvent("pillar-c", OutcomeSuccess, "")
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("first success should resolve a get")
	}
	if e.Result().IsFailure {
		t.Fatal("get with one success should not fail")
	}
}

func TestEvaluator_ConcurrentEvents(t *testing.T) {
	pillars := make([]string, 32)
	for i := range pillars {
		pillars[i] = fmt.Sprintf("p%02d", i)
	}
	e := New("books", pillars, 4)

	var wg sync.WaitGroup
	for i, p := range pillars {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			outcome := OutcomeSuccess
			if i%8 == 0 {
				outcome = OutcomeFailure
			}
			e.HandleEvent(p, outcome, "x")
			e.HandleEvent(p, outcome, "duplicate")
		}(i, p)
	}

	res := e.Wait(context.Background())
	wg.Wait()
	res = e.Result()

	if len(res.Failed) != 4 || len(res.Succeeded) != 28 {
		t.Fatalf("got %d failed / %d succeeded, want 4 / 28", len(res.Failed), len(res.Succeeded))
	}
	if res.IsFailure {
		t.Fatal("4 failures with tolerance 4 should succeed")
	}
}

func TestEvaluator_WaitCancelled(t *testing.T) {
	e := New("books", threePillars, 1)
	e.HandleEvent("pillar-a", OutcomeSuccess, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Wait(ctx)
	if !res.IsFailure {
		t.Fatal("cancelled wait with two outstanding pillars should fail")
	}
}

func TestEvaluator_NoPillars(t *testing.T) {
	e := New("empty", nil, 0)
	select {
	case <-e.Done():
	default:
		t.Fatal("evaluator without pillars should resolve immediately")
	}
	if !e.Result().IsFailure {
		t.Fatal("no pillars with tolerance 0 should be a failure")
	}
}
