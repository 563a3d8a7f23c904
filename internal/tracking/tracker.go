// Package tracking records technician GPS breadcrumbs.
package tracking

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Publisher interface {
	PublishLocation(location models.Location)
}

type Tracker struct {
	locations       store.LocationStore
	tasks           store.TaskStore
	publisher       Publisher
	strictOwnership bool
	log             *logrus.Entry
	now             func() time.Time
}

func NewTracker(locations store.LocationStore, tasks store.TaskStore, publisher Publisher, strictOwnership bool, log *logrus.Entry) *Tracker {
	return &Tracker{
		locations:       locations,
		tasks:           tasks,
		publisher:       publisher,
		strictOwnership: strictOwnership,
		log:             log,
		now:             time.Now,
	}
}

// Record appends a sample for the calling technician. The task is only looked
// up when strict ownership is enabled.
func (t *Tracker) Record(ctx context.Context, caller models.User, taskID string, latitude, longitude float64) (models.Location, error) {
	if !caller.IsTechnician() {
		return models.Location{}, fmt.Errorf("%w: technician role required", store.ErrAccessDenied)
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return models.Location{}, fmt.Errorf("%w: task_id is required", store.ErrInvalidInput)
	}
	if !validCoordinate(latitude, 90) || !validCoordinate(longitude, 180) {
		return models.Location{}, fmt.Errorf("%w: coordinates out of range", store.ErrInvalidInput)
	}
	if t.strictOwnership {
		task, err := t.tasks.FindTaskByID(ctx, taskID)
		if err != nil {
			return models.Location{}, err
		}
		if task.AssignedTo != caller.ID {
			return models.Location{}, fmt.Errorf("%w: task is not assigned to you", store.ErrAccessDenied)
		}
	}

	location := models.Location{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    caller.ID,
		Latitude:  latitude,
		Longitude: longitude,
		Timestamp: t.now().UTC(),
	}
	if err := t.locations.InsertLocation(ctx, location); err != nil {
		return models.Location{}, err
	}
	if t.publisher != nil {
		t.publisher.PublishLocation(location)
	}
	return location, nil
}

func (t *Tracker) ListForTask(ctx context.Context, taskID string) ([]models.Location, error) {
	locations, err := t.locations.ListLocations(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if locations == nil {
		locations = []models.Location{}
	}
	return locations, nil
}

// LatestForUser is admin-only; ok is false when the user has no samples.
func (t *Tracker) LatestForUser(ctx context.Context, caller models.User, userID string) (models.Location, bool, error) {
	if !caller.IsAdmin() {
		return models.Location{}, false, fmt.Errorf("%w: admin role required", store.ErrAccessDenied)
	}
	return t.locations.LatestLocation(ctx, userID)
}

func validCoordinate(value, limit float64) bool {
	return !math.IsNaN(value) && value >= -limit && value <= limit
}
