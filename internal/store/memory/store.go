// Package memory is an in-process implementation of store.Store used by tests
// and by DB_DRIVER=memory for local development. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"
)

type Store struct {
	mu            sync.RWMutex
	users         map[string]models.User
	tasks         map[string]models.Task
	locations     []models.Location
	notifications []models.Notification
	seq           map[string]int64
	next          int64
}

func NewStore() *Store {
	return &Store{
		users: make(map[string]models.User),
		tasks: make(map[string]models.Task),
		seq:   make(map[string]int64),
	}
}

func (s *Store) InsertUser(ctx context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrEmailTaken
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return models.User{}, store.ErrUserNotFound
	}
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return models.User{}, store.ErrUserNotFound
}

func (s *Store) ListUsersByRole(ctx context.Context, role string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []models.User
	for _, user := range s.users {
		if user.Role == role {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name == users[j].Name {
			return users[i].ID < users[j].ID
		}
		return users[i].Name < users[j].Name
	})
	return users, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	s.users[id] = user
	return nil
}

func (s *Store) UpdateMessagingID(ctx context.Context, id, messagingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	user.MessagingID = messagingID
	s.users[id] = user
	return nil
}

func (s *Store) InsertTask(ctx context.Context, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.seq[task.ID] = s.next
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) FindTaskByID(ctx context.Context, id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *Store) UpdateTaskFields(ctx context.Context, id string, fromStatuses []string, update store.TaskUpdate) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, store.ErrTaskNotFound
	}
	if !store.StatusAllowed(fromStatuses, task.Status) {
		return models.Task{}, store.ErrInvalidState
	}
	if update.Status != "" {
		task.Status = update.Status
	}
	if update.AcceptedAt != nil {
		at := *update.AcceptedAt
		task.AcceptedAt = &at
	}
	if update.StartedAt != nil {
		at := *update.StartedAt
		task.StartedAt = &at
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		if update.RecordDuration && task.StartedAt != nil && task.StartedAt.After(at) {
			at = *task.StartedAt
		}
		task.CompletedAt = &at
	}
	if update.ReportText != nil {
		task.ReportText = *update.ReportText
	}
	if update.ReportImages != nil {
		task.ReportImages = append([]string{}, update.ReportImages...)
	}
	if update.Success != nil {
		task.Success = *update.Success
	}
	if update.RecordDuration {
		task.DurationMinutes = nil
		if task.StartedAt != nil && task.CompletedAt != nil {
			minutes := models.DurationMinutes(*task.StartedAt, *task.CompletedAt)
			task.DurationMinutes = &minutes
		}
	}
	s.tasks[id] = task
	return cloneTask(task), nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.seq, id)

	locations := s.locations[:0]
	for _, location := range s.locations {
		if location.TaskID != id {
			locations = append(locations, location)
		}
	}
	s.locations = locations

	notifications := s.notifications[:0]
	for _, notification := range s.notifications {
		if notification.TaskID != id {
			notifications = append(notifications, notification)
		}
	}
	s.notifications = notifications
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if matchTask(task, filter) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return s.seq[tasks[i].ID] > s.seq[tasks[j].ID]
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *Store) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, task := range s.tasks {
		if matchTask(task, filter) {
			count++
		}
	}
	return count, nil
}

func (s *Store) InsertLocation(ctx context.Context, location models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, location)
	return nil
}

func (s *Store) ListLocations(ctx context.Context, taskID string) ([]models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var locations []models.Location
	for i := len(s.locations) - 1; i >= 0; i-- {
		if s.locations[i].TaskID == taskID {
			locations = append(locations, s.locations[i])
		}
	}
	sort.SliceStable(locations, func(i, j int) bool {
		return locations[i].Timestamp.After(locations[j].Timestamp)
	})
	return locations, nil
}

func (s *Store) LatestLocation(ctx context.Context, userID string) (models.Location, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest models.Location
	found := false
	for i := len(s.locations) - 1; i >= 0; i-- {
		location := s.locations[i]
		if location.UserID != userID {
			continue
		}
		if !found || location.Timestamp.After(latest.Timestamp) {
			latest = location
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var notifications []models.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			notifications = append(notifications, s.notifications[i])
		}
	}
	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if limit > 0 && len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID && s.notifications[i].UserID == userID {
			s.notifications[i].Read = true
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, notification := range s.notifications {
		if notification.UserID == userID && !notification.Read {
			count++
		}
	}
	return count, nil
}

func matchTask(task models.Task, filter store.TaskFilter) bool {
	if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
		return false
	}
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	return true
}

func cloneTask(task models.Task) models.Task {
	task.ReportImages = append([]string{}, task.ReportImages...)
	if task.AcceptedAt != nil {
		at := *task.AcceptedAt
		task.AcceptedAt = &at
	}
	if task.StartedAt != nil {
		at := *task.StartedAt
		task.StartedAt = &at
	}
	if task.CompletedAt != nil {
		at := *task.CompletedAt
		task.CompletedAt = &at
	}
	if task.DurationMinutes != nil {
		minutes := *task.DurationMinutes
		task.DurationMinutes = &minutes
	}
	return task
}
