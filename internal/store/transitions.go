package store

import "techdispatch/dispatch-service/internal/models"

const (
	ActionAccept   = "accept"
	ActionStart    = "start"
	ActionComplete = "complete"
)

var transitionMap = map[string][]string{
	ActionAccept:   {models.StatusPending, models.StatusAccepted},
	ActionStart:    {models.StatusAccepted, models.StatusInProgress},
	ActionComplete: {models.StatusInProgress},
}

var transitionTarget = map[string]string{
	ActionAccept:   models.StatusAccepted,
	ActionStart:    models.StatusInProgress,
	ActionComplete: models.StatusCompleted,
}

// StatusAllowed reports whether a task in status may be updated by a guard
// listing fromStatuses. An empty guard allows any status.
func StatusAllowed(fromStatuses []string, status string) bool {
	if len(fromStatuses) == 0 {
		return true
	}
	for _, allowed := range fromStatuses {
		if allowed == status {
			return true
		}
	}
	return false
}

// TransitionSources returns a copy of the states action may be applied from.
func TransitionSources(action string) []string {
	allowed := transitionMap[action]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

func TransitionTarget(action string) string {
	return transitionTarget[action]
}
