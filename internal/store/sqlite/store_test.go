package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "data", "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	user := models.User{ID: "u1", Name: "Sara", Email: " Sara@Example.com", PasswordHash: "h", Role: models.RoleTechnician, CreatedAt: base}
	if err := st.InsertUser(ctx, user); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := st.InsertUser(ctx, models.User{ID: "u2", Name: "Dup", Email: "sara@example.com", PasswordHash: "h", Role: models.RoleAdmin, CreatedAt: base}); !errors.Is(err, store.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	found, err := st.FindUserByEmail(ctx, "SARA@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if found.ID != "u1" || !found.CreatedAt.Equal(base) {
		t.Fatalf("unexpected user: %+v", found)
	}

	if err := st.UpdateMessagingID(ctx, "u1", "777"); err != nil {
		t.Fatalf("update messaging id: %v", err)
	}
	if err := st.UpdatePassword(ctx, "missing", "x"); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	techs, err := st.ListUsersByRole(ctx, models.RoleTechnician)
	if err != nil || len(techs) != 1 || techs[0].MessagingID != "777" {
		t.Fatalf("unexpected technicians: %+v err=%v", techs, err)
	}
}

func TestTaskTransitions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.InsertTask(ctx, models.Task{ID: "t1", CustomerName: "c", Status: models.StatusPending, AssignedTo: "u1", CreatedBy: "a", CreatedAt: base}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	task, err := st.FindTaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if task.ReportImages == nil || len(task.ReportImages) != 0 || task.AcceptedAt != nil {
		t.Fatalf("unexpected fresh task: %+v", task)
	}

	if _, err := st.UpdateTaskFields(ctx, "t1", []string{models.StatusInProgress}, store.TaskUpdate{Status: models.StatusCompleted}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := st.UpdateTaskFields(ctx, "nope", nil, store.TaskUpdate{Status: models.StatusAccepted}); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	started := base.Add(time.Hour)
	if _, err := st.UpdateTaskFields(ctx, "t1", []string{models.StatusPending}, store.TaskUpdate{Status: models.StatusInProgress, StartedAt: &started}); err != nil {
		t.Fatalf("start: %v", err)
	}

	completed := started.Add(47*time.Minute + 30*time.Second)
	report := "fixed"
	success := true
	task, err = st.UpdateTaskFields(ctx, "t1", []string{models.StatusInProgress}, store.TaskUpdate{
		Status:         models.StatusCompleted,
		CompletedAt:    &completed,
		ReportText:     &report,
		ReportImages:   []string{"one.jpg"},
		Success:        &success,
		RecordDuration: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != models.StatusCompleted || !task.Success || task.ReportText != "fixed" {
		t.Fatalf("unexpected completed task: %+v", task)
	}
	if len(task.ReportImages) != 1 || task.ReportImages[0] != "one.jpg" {
		t.Fatalf("unexpected images: %v", task.ReportImages)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(started) || task.CompletedAt == nil || !task.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected timestamps: %+v", task)
	}
	if task.DurationMinutes == nil || *task.DurationMinutes != 47 {
		t.Fatalf("unexpected duration: %v", task.DurationMinutes)
	}
}

func TestRecordDurationRaisesCompletionToLaterStart(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.InsertTask(ctx, models.Task{ID: "t1", Status: models.StatusPending, AssignedTo: "u1", CreatedBy: "a", CreatedAt: base}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	started := base.Add(2 * time.Hour)
	if _, err := st.UpdateTaskFields(ctx, "t1", nil, store.TaskUpdate{Status: models.StatusInProgress, StartedAt: &started}); err != nil {
		t.Fatalf("start: %v", err)
	}

	stale := started.Add(-time.Hour)
	done, err := st.UpdateTaskFields(ctx, "t1", []string{models.StatusInProgress}, store.TaskUpdate{
		Status:         models.StatusCompleted,
		CompletedAt:    &stale,
		RecordDuration: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(started) {
		t.Fatalf("expected completed_at raised to %s, got %v", started, done.CompletedAt)
	}
	if done.DurationMinutes == nil || *done.DurationMinutes != 0 {
		t.Fatalf("expected zero duration, got %v", done.DurationMinutes)
	}
}

func TestListAndDeleteCascade(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for i, id := range []string{"old", "mid", "new"} {
		assignee := "u1"
		if id == "new" {
			assignee = "u2"
		}
		task := models.Task{ID: id, Status: models.StatusPending, AssignedTo: assignee, CreatedBy: "a", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	tasks, err := st.ListTasks(ctx, store.TaskFilter{})
	if err != nil || len(tasks) != 3 || tasks[0].ID != "new" || tasks[2].ID != "old" {
		t.Fatalf("unexpected order: %+v err=%v", tasks, err)
	}
	mine, err := st.ListTasks(ctx, store.TaskFilter{AssignedTo: "u1"})
	if err != nil || len(mine) != 2 || mine[0].ID != "mid" {
		t.Fatalf("unexpected filtered tasks: %+v err=%v", mine, err)
	}
	if count, _ := st.CountTasks(ctx, store.TaskFilter{AssignedTo: "u2", Status: models.StatusPending}); count != 1 {
		t.Fatalf("expected 1 task, got %d", count)
	}

	_ = st.InsertLocation(ctx, models.Location{ID: "l1", TaskID: "old", UserID: "u1", Latitude: 1, Longitude: 2, Timestamp: base})
	_ = st.InsertLocation(ctx, models.Location{ID: "l2", TaskID: "mid", UserID: "u1", Latitude: 3, Longitude: 4, Timestamp: base.Add(time.Second)})
	_ = st.InsertNotification(ctx, models.Notification{ID: "n1", UserID: "u1", TaskID: "old", Message: "m", Type: models.NotificationTaskAssigned, CreatedAt: base})

	latest, ok, err := st.LatestLocation(ctx, "u1")
	if err != nil || !ok || latest.ID != "l2" {
		t.Fatalf("unexpected latest: %+v ok=%v err=%v", latest, ok, err)
	}

	if err := st.DeleteTask(ctx, "old"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if locations, _ := st.ListLocations(ctx, "old"); len(locations) != 0 {
		t.Fatalf("expected locations to be removed, got %d", len(locations))
	}
	if notifications, _ := st.ListNotifications(ctx, "u1", 0); len(notifications) != 0 {
		t.Fatalf("expected notifications to be removed, got %d", len(notifications))
	}
	if err := st.DeleteTask(ctx, "old"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestNotificationsReadState(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_ = st.InsertNotification(ctx, models.Notification{ID: "n1", UserID: "u1", TaskID: "t1", Message: "a", Type: models.NotificationTaskAssigned, CreatedAt: base})
	_ = st.InsertNotification(ctx, models.Notification{ID: "n2", UserID: "u1", TaskID: "t1", Message: "b", Type: models.NotificationTaskAccepted, CreatedAt: base.Add(time.Second)})

	list, err := st.ListNotifications(ctx, "u1", 1)
	if err != nil || len(list) != 1 || list[0].ID != "n2" {
		t.Fatalf("unexpected list: %+v err=%v", list, err)
	}
	if matched, _ := st.MarkNotificationRead(ctx, "u2", "n1"); matched {
		t.Fatalf("expected no match for another user")
	}
	if matched, _ := st.MarkNotificationRead(ctx, "u1", "n1"); !matched {
		t.Fatalf("expected owner match")
	}
	if count, _ := st.CountUnread(ctx, "u1"); count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}
}
