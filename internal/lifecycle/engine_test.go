package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/notify"
	"techdispatch/dispatch-service/internal/store"
	"techdispatch/dispatch-service/internal/store/memory"

	"github.com/sirupsen/logrus"
)

var (
	admin = models.User{ID: "admin-1", Name: "Dispatch Desk", Email: "admin@example.com", Role: models.RoleAdmin, MessagingID: "admin-chat"}
	tech  = models.User{ID: "tech-1", Name: "Sara", Email: "sara@example.com", Role: models.RoleTechnician, MessagingID: "sara-chat"}
	other = models.User{ID: "tech-2", Name: "Omar", Email: "omar@example.com", Role: models.RoleTechnician}
)

type push struct {
	recipient, message, deepLink string
}

type recordingPusher struct {
	mu     sync.Mutex
	pushes []push
}

func (p *recordingPusher) Push(ctx context.Context, recipient, message, deepLink string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{recipient, message, deepLink})
}

type fakeRecorder struct {
	notifyFn func(ctx context.Context, userID, taskID, message, notificationType string) (models.Notification, error)
}

func (f fakeRecorder) Notify(ctx context.Context, userID, taskID, message, notificationType string) (models.Notification, error) {
	if f.notifyFn == nil {
		return models.Notification{}, nil
	}
	return f.notifyFn(ctx, userID, taskID, message, notificationType)
}

type clock struct {
	current time.Time
}

func (c *clock) now() time.Time { return c.current }

type fixture struct {
	engine *Engine
	store  *memory.Store
	pusher *recordingPusher
	clock  *clock
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.NewStore()
	for _, user := range []models.User{admin, tech, other} {
		if err := st.InsertUser(ctx, user); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	pusher := &recordingPusher{}
	clk := &clock{current: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	notifications := notify.NewService(st, st, nil, testLogger())
	engine := NewEngine(st, st, notifications, pusher, opts, testLogger())
	engine.now = clk.now
	return fixture{engine: engine, store: st, pusher: pusher, clock: clk}
}

func (f fixture) createAssigned(t *testing.T) models.Task {
	t.Helper()
	task, err := f.engine.Create(context.Background(), admin, CreateInput{
		CustomerName:     "Acme Bakery",
		CustomerPhone:    "0555000111",
		CustomerAddress:  "12 Olive St",
		IssueDescription: "Oven not heating",
		AssignedTo:       tech.ID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func (f fixture) notificationsFor(t *testing.T, userID string) []models.Notification {
	t.Helper()
	list, err := f.store.ListNotifications(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return list
}

func TestCreateAssignedEmitsOneNotification(t *testing.T) {
	f := newFixture(t, Options{PublicURL: "https://dispatch.example.com/"})
	task := f.createAssigned(t)

	if task.Status != models.StatusPending || task.AssignedToName != tech.Name || task.CreatedBy != admin.ID {
		t.Fatalf("unexpected task: %+v", task)
	}
	list := f.notificationsFor(t, tech.ID)
	if len(list) != 1 || list[0].Type != models.NotificationTaskAssigned || list[0].TaskID != task.ID || list[0].Read {
		t.Fatalf("expected one task_assigned notification, got %+v", list)
	}
	if len(f.pusher.pushes) != 1 {
		t.Fatalf("expected one external push, got %d", len(f.pusher.pushes))
	}
	got := f.pusher.pushes[0]
	if got.recipient != "sara-chat" || got.deepLink != "https://dispatch.example.com/tasks/"+task.ID {
		t.Fatalf("unexpected push: %+v", got)
	}
}

func TestCreateWithoutAssigneeEmitsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, assignee := range []string{"", "ghost", admin.ID} {
		task, err := f.engine.Create(ctx, admin, CreateInput{
			CustomerName: "C", CustomerPhone: "1", CustomerAddress: "A", IssueDescription: "I", AssignedTo: assignee,
		})
		if err != nil {
			t.Fatalf("create with assignee %q: %v", assignee, err)
		}
		if task.AssignedTo != "" {
			t.Fatalf("expected unresolved assignee to be dropped, got %q", task.AssignedTo)
		}
	}
	for _, user := range []models.User{admin, tech, other} {
		if list := f.notificationsFor(t, user.ID); len(list) != 0 {
			t.Fatalf("expected no notifications for %s, got %d", user.ID, len(list))
		}
	}
	if len(f.pusher.pushes) != 0 {
		t.Fatalf("expected no pushes, got %d", len(f.pusher.pushes))
	}
}

func TestCreateRequiresAdminAndFields(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.engine.Create(ctx, tech, CreateInput{CustomerName: "C", CustomerPhone: "1", CustomerAddress: "A", IssueDescription: "I"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.engine.Create(ctx, admin, CreateInput{CustomerName: "  ", CustomerPhone: "1", CustomerAddress: "A", IssueDescription: "I"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if tasks, _ := f.store.ListTasks(ctx, store.TaskFilter{}); len(tasks) != 0 {
		t.Fatalf("expected no task written, got %d", len(tasks))
	}
}

func TestCreateSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.notifications = fakeRecorder{notifyFn: func(ctx context.Context, userID, taskID, message, notificationType string) (models.Notification, error) {
		return models.Notification{}, errors.New("store down")
	}}

	task := f.createAssigned(t)
	if _, err := f.store.FindTaskByID(context.Background(), task.ID); err != nil {
		t.Fatalf("expected task to persist, got %v", err)
	}
	if len(f.pusher.pushes) != 1 {
		t.Fatalf("expected push to still be attempted, got %d", len(f.pusher.pushes))
	}
}

func TestAcceptAuthorization(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createAssigned(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		caller  models.User
		taskID  string
		wantErr error
	}{
		{name: "admin", caller: admin, taskID: task.ID, wantErr: ErrForbidden},
		{name: "other technician", caller: other, taskID: task.ID, wantErr: ErrForbidden},
		{name: "unknown task", caller: tech, taskID: "missing", wantErr: store.ErrTaskNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.engine.Accept(ctx, tc.caller, tc.taskID); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	stored, _ := f.store.FindTaskByID(ctx, task.ID)
	if stored.Status != models.StatusPending || stored.AcceptedAt != nil {
		t.Fatalf("expected rejected accepts to leave task untouched, got %+v", stored)
	}
}

func TestAcceptNotifiesCreatorAndAllowsReaccept(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createAssigned(t)
	ctx := context.Background()

	f.clock.current = f.clock.current.Add(5 * time.Minute)
	accepted, err := f.engine.Accept(ctx, tech, task.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	first := *accepted.AcceptedAt

	f.clock.current = f.clock.current.Add(time.Minute)
	accepted, err = f.engine.Accept(ctx, tech, task.ID)
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if !accepted.AcceptedAt.After(first) || accepted.Status != models.StatusAccepted {
		t.Fatalf("expected re-accept to move accepted_at forward, got %+v", accepted)
	}

	list := f.notificationsFor(t, admin.ID)
	if len(list) != 2 || list[0].Type != models.NotificationTaskAccepted {
		t.Fatalf("expected two task_accepted notifications for the creator, got %+v", list)
	}
	if !strings.Contains(list[0].Message, tech.Name) {
		t.Fatalf("expected message to name the technician, got %q", list[0].Message)
	}
}

func TestStrictAcceptRejectsReaccept(t *testing.T) {
	f := newFixture(t, Options{StrictAccept: true})
	task := f.createAssigned(t)
	ctx := context.Background()

	if _, err := f.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.engine.Accept(ctx, tech, task.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCompleteComputesDuration(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createAssigned(t)
	ctx := context.Background()

	if _, err := f.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.clock.current = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	if _, err := f.engine.Start(ctx, tech, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.current = time.Date(2026, 5, 4, 10, 47, 30, 0, time.UTC)
	done, err := f.engine.Complete(ctx, tech, task.ID, CompleteInput{ReportText: "Replaced element", Images: []string{"a.jpg", "b.jpg"}, Success: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if done.Status != models.StatusCompleted || done.DurationMinutes == nil || *done.DurationMinutes != 47 {
		t.Fatalf("expected 47 minutes, got %+v", done)
	}
	if done.ReportText != "Replaced element" || len(done.ReportImages) != 2 || !done.Success {
		t.Fatalf("unexpected report fields: %+v", done)
	}
	if !(done.AcceptedAt.Before(*done.StartedAt) && done.StartedAt.Before(*done.CompletedAt)) {
		t.Fatalf("expected ordered timestamps: %+v", done)
	}

	list := f.notificationsFor(t, admin.ID)
	if len(list) == 0 || list[0].Type != models.NotificationTaskCompleted {
		t.Fatalf("expected task_completed notification, got %+v", list)
	}
	if !strings.Contains(list[0].Message, "successfully") || !strings.Contains(list[0].Message, "47 minutes") {
		t.Fatalf("unexpected completion message %q", list[0].Message)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createAssigned(t)
	ctx := context.Background()

	_, err := f.engine.Complete(ctx, tech, task.ID, CompleteInput{Success: false})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	stored, _ := f.store.FindTaskByID(ctx, task.ID)
	if stored.CompletedAt != nil || stored.Status != models.StatusPending {
		t.Fatalf("expected task untouched, got %+v", stored)
	}
}

func TestStartRejectsSkippingAndRegression(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.createAssigned(t)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, tech, task.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected start from pending to fail, got %v", err)
	}
	if _, err := f.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.engine.Start(ctx, tech, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.Accept(ctx, tech, task.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected accept after start to fail, got %v", err)
	}
	if _, err := f.engine.Complete(ctx, tech, task.ID, CompleteInput{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.engine.Start(ctx, tech, task.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected start after completion to fail, got %v", err)
	}
}

func TestOwnershipGapAndStrictMode(t *testing.T) {
	ctx := context.Background()

	loose := newFixture(t, Options{})
	task := loose.createAssigned(t)
	if _, err := loose.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := loose.engine.Start(ctx, other, task.ID); err != nil {
		t.Fatalf("expected any technician to start by default, got %v", err)
	}
	if _, err := loose.engine.Start(ctx, admin, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected admin start to be forbidden, got %v", err)
	}

	strict := newFixture(t, Options{StrictOwnership: true})
	task = strict.createAssigned(t)
	if _, err := strict.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := strict.engine.Start(ctx, other, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := strict.engine.Start(ctx, tech, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := strict.engine.Complete(ctx, other, task.ID, CompleteInput{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCompleteWithoutStartLeavesDurationUnset(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createAssigned(t)

	// A row already in progress without started_at, as left by older data.
	if _, err := f.store.UpdateTaskFields(ctx, task.ID, nil, store.TaskUpdate{Status: models.StatusInProgress}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	done, err := f.engine.Complete(ctx, other, task.ID, CompleteInput{Success: false})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.DurationMinutes != nil {
		t.Fatalf("expected no duration, got %d", *done.DurationMinutes)
	}
	list := f.notificationsFor(t, admin.ID)
	if len(list) != 1 || strings.Contains(list[0].Message, "minutes") || !strings.Contains(list[0].Message, "unsuccessfully") {
		t.Fatalf("unexpected completion notification %+v", list)
	}
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createAssigned(t)
	_ = f.store.InsertLocation(ctx, models.Location{ID: "loc", TaskID: task.ID, UserID: tech.ID, Timestamp: f.clock.current})

	if err := f.engine.Delete(ctx, tech, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.engine.Delete(ctx, admin, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if locations, _ := f.store.ListLocations(ctx, task.ID); len(locations) != 0 {
		t.Fatalf("expected locations removed, got %d", len(locations))
	}
	if list := f.notificationsFor(t, tech.ID); len(list) != 0 {
		t.Fatalf("expected notifications removed, got %d", len(list))
	}
	if err := f.engine.Delete(ctx, admin, task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListAndGetVisibility(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	mine := f.createAssigned(t)
	f.clock.current = f.clock.current.Add(time.Minute)
	theirs, err := f.engine.Create(ctx, admin, CreateInput{CustomerName: "B", CustomerPhone: "2", CustomerAddress: "B St", IssueDescription: "Leak", AssignedTo: other.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.current = f.clock.current.Add(time.Minute)
	unassigned, err := f.engine.Create(ctx, admin, CreateInput{CustomerName: "C", CustomerPhone: "3", CustomerAddress: "C St", IssueDescription: "Noise"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := f.engine.List(ctx, admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != unassigned.ID || all[1].ID != theirs.ID || all[2].ID != mine.ID {
		t.Fatalf("expected newest first for admin, got %+v", all)
	}

	own, err := f.engine.List(ctx, tech)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range own {
		if task.AssignedTo != tech.ID {
			t.Fatalf("technician saw foreign task %+v", task)
		}
	}
	if len(own) != 1 {
		t.Fatalf("expected one task, got %d", len(own))
	}

	got, err := f.engine.Get(ctx, tech, theirs.ID)
	if err != nil || got.ID != theirs.ID {
		t.Fatalf("expected any caller to read a task by id, got %+v err=%v", got, err)
	}
	if _, err := f.engine.Get(ctx, tech, "missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createAssigned(t)
	if _, err := f.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.engine.Create(ctx, admin, CreateInput{CustomerName: "B", CustomerPhone: "2", CustomerAddress: "B St", IssueDescription: "Leak", AssignedTo: other.ID}); err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, err := f.engine.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	adminStats := raw.(AdminStats)
	if adminStats.TotalTasks != 2 || adminStats.PendingTasks != 1 || adminStats.AcceptedTasks != 1 || adminStats.TotalTechnicians != 2 {
		t.Fatalf("unexpected admin stats: %+v", adminStats)
	}

	raw, err = f.engine.Stats(ctx, tech)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	techStats := raw.(TechnicianStats)
	if techStats.MyTasks != 1 || techStats.MyAccepted != 1 || techStats.MyPending != 0 {
		t.Fatalf("unexpected technician stats: %+v", techStats)
	}
}

func TestConcurrentStartsBothSucceed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createAssigned(t)
	if _, err := f.engine.Accept(ctx, tech, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, caller := range []models.User{tech, other} {
		wg.Add(1)
		go func(caller models.User) {
			defer wg.Done()
			_, err := f.engine.Start(ctx, caller, task.ID)
			errs <- err
		}(caller)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expected last-writer-wins start, got %v", err)
		}
	}
}

// restartingStore runs onFind once, between Complete's read and its write.
type restartingStore struct {
	*memory.Store
	onFind func()
}

func (s *restartingStore) FindTaskByID(ctx context.Context, id string) (models.Task, error) {
	task, err := s.Store.FindTaskByID(ctx, id)
	if hook := s.onFind; hook != nil {
		s.onFind = nil
		hook()
	}
	return task, err
}

func TestCompleteDurationUsesStartStampedDuringCompletion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	task := f.createAssigned(t)

	f.clock.current = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	if _, err := f.engine.Start(ctx, tech, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	restart := time.Date(2026, 5, 4, 11, 0, 5, 0, time.UTC)
	racing := &restartingStore{Store: f.store}
	racing.onFind = func() {
		if _, err := f.store.UpdateTaskFields(ctx, task.ID, store.TransitionSources(store.ActionStart), store.TaskUpdate{
			Status:    models.StatusInProgress,
			StartedAt: &restart,
		}); err != nil {
			t.Errorf("concurrent start: %v", err)
		}
	}
	engine := NewEngine(racing, f.store, notify.NewService(f.store, f.store, nil, testLogger()), f.pusher, Options{}, testLogger())
	engine.now = func() time.Time { return time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC) }

	done, err := engine.Complete(ctx, tech, task.ID, CompleteInput{Success: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.StartedAt == nil || !done.StartedAt.Equal(restart) || done.CompletedAt == nil {
		t.Fatalf("unexpected timestamps: %+v", done)
	}
	if done.CompletedAt.Before(*done.StartedAt) {
		t.Fatalf("completed_at %s precedes started_at %s", done.CompletedAt, done.StartedAt)
	}
	want := models.DurationMinutes(*done.StartedAt, *done.CompletedAt)
	if done.DurationMinutes == nil || *done.DurationMinutes != want {
		t.Fatalf("expected duration %d, got %v", want, done.DurationMinutes)
	}
}
