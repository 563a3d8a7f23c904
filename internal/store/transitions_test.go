package store

import (
	"testing"

	"techdispatch/dispatch-service/internal/models"
)

var lifecycleOrder = []string{
	models.StatusPending,
	models.StatusAccepted,
	models.StatusInProgress,
	models.StatusCompleted,
}

func rank(status string) int {
	for i, s := range lifecycleOrder {
		if s == status {
			return i
		}
	}
	return -1
}

func TestTransitionGuards(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionAccept, "pending", true},
		{ActionAccept, "accepted", true},
		{ActionAccept, "in_progress", false},
		{ActionAccept, "completed", false},
		{ActionStart, "pending", false},
		{ActionStart, "accepted", true},
		{ActionStart, "in_progress", true},
		{ActionStart, "completed", false},
		{ActionComplete, "pending", false},
		{ActionComplete, "accepted", false},
		{ActionComplete, "in_progress", true},
		{ActionComplete, "completed", false},
		{"unknown", "pending", false},
	}

	for _, tt := range cases {
		sources := TransitionSources(tt.action)
		if tt.action == "unknown" {
			if len(sources) != 0 {
				t.Fatalf("unknown action has sources %v", sources)
			}
			continue
		}
		if got := StatusAllowed(sources, tt.from); got != tt.valid {
			t.Fatalf("%s from %q allowed=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestStatusAllowedEmptyGuard(t *testing.T) {
	if !StatusAllowed(nil, models.StatusCompleted) {
		t.Fatalf("empty guard should allow any status")
	}
}

func TestTransitionsNeverRegress(t *testing.T) {
	for action, sources := range transitionMap {
		target := rank(TransitionTarget(action))
		if target < 0 {
			t.Fatalf("action %q has no target", action)
		}
		for _, from := range sources {
			r := rank(from)
			if r > target {
				t.Fatalf("action %q regresses %s -> %s", action, from, TransitionTarget(action))
			}
			if target-r > 1 {
				t.Fatalf("action %q skips a state from %s", action, from)
			}
		}
	}
}

func TestTransitionSourcesIsCopy(t *testing.T) {
	sources := TransitionSources(ActionAccept)
	sources[0] = "mutated"
	if !StatusAllowed(TransitionSources(ActionAccept), models.StatusPending) {
		t.Fatalf("transition table was mutated through TransitionSources")
	}
}
