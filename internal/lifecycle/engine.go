// Package lifecycle enforces the task state machine and its authorization
// rules, and fans each transition out to the notification service and the
// external notifier.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/notify"
	"techdispatch/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrForbidden  = store.ErrAccessDenied
	ErrValidation = store.ErrInvalidInput
)

// NotificationRecorder persists in-app notifications.
type NotificationRecorder interface {
	Notify(ctx context.Context, userID, taskID, message, notificationType string) (models.Notification, error)
}

// Pusher delivers a message to an external messaging identity. It must not fail.
type Pusher interface {
	Push(ctx context.Context, recipient, message, deepLink string)
}

type Options struct {
	// StrictOwnership applies Accept's ownership rule to Start and Complete.
	StrictOwnership bool
	// StrictAccept only accepts pending tasks.
	StrictAccept bool
	// PublicURL is the base for task deep links; empty disables them.
	PublicURL string
}

type Engine struct {
	tasks         store.TaskStore
	users         store.UserStore
	notifications NotificationRecorder
	pusher        Pusher
	opts          Options
	log           *logrus.Entry
	tracer        trace.Tracer
	now           func() time.Time
}

type CreateInput struct {
	CustomerName     string
	CustomerPhone    string
	CustomerAddress  string
	IssueDescription string
	AssignedTo       string
}

type CompleteInput struct {
	ReportText string
	Images     []string
	Success    bool
}

type AdminStats struct {
	TotalTasks       int `json:"total_tasks"`
	PendingTasks     int `json:"pending_tasks"`
	AcceptedTasks    int `json:"accepted_tasks"`
	InProgressTasks  int `json:"in_progress_tasks"`
	CompletedTasks   int `json:"completed_tasks"`
	TotalTechnicians int `json:"total_technicians"`
}

type TechnicianStats struct {
	MyTasks      int `json:"my_tasks"`
	MyPending    int `json:"my_pending"`
	MyAccepted   int `json:"my_accepted"`
	MyInProgress int `json:"my_in_progress"`
	MyCompleted  int `json:"my_completed"`
}

func NewEngine(tasks store.TaskStore, users store.UserStore, notifications NotificationRecorder, pusher Pusher, opts Options, log *logrus.Entry) *Engine {
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Engine{
		tasks:         tasks,
		users:         users,
		notifications: notifications,
		pusher:        pusher,
		opts:          opts,
		log:           log,
		tracer:        otel.Tracer("dispatch/lifecycle"),
		now:           time.Now,
	}
}

func (e *Engine) Create(ctx context.Context, caller models.User, input CreateInput) (task models.Task, err error) {
	ctx, span := e.startSpan(ctx, "create", caller)
	defer func() { endSpan(span, err) }()

	if !caller.IsAdmin() {
		return models.Task{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	input = trimCreateInput(input)
	if input.CustomerName == "" || input.CustomerPhone == "" || input.CustomerAddress == "" || input.IssueDescription == "" {
		return models.Task{}, fmt.Errorf("%w: customer_name, customer_phone, customer_address, and issue_description are required", ErrValidation)
	}

	task = models.Task{
		ID:               uuid.NewString(),
		CustomerName:     input.CustomerName,
		CustomerPhone:    input.CustomerPhone,
		CustomerAddress:  input.CustomerAddress,
		IssueDescription: input.IssueDescription,
		Status:           models.StatusPending,
		CreatedBy:        caller.ID,
		CreatedAt:        e.now().UTC(),
		ReportImages:     []string{},
	}

	var assignee *models.User
	if input.AssignedTo != "" {
		tech, err := e.users.FindUserByID(ctx, input.AssignedTo)
		switch {
		case err == nil && tech.IsTechnician():
			task.AssignedTo = tech.ID
			task.AssignedToName = tech.Name
			assignee = &tech
		case err == nil || errors.Is(err, store.ErrUserNotFound):
			e.log.WithField("operation", "create").
				WithField("assigned_to", input.AssignedTo).
				Warn("assignee is not a technician, task left unassigned")
		default:
			return models.Task{}, err
		}
	}

	if err := e.tasks.InsertTask(ctx, task); err != nil {
		return models.Task{}, err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	e.log.WithField("operation", "create").WithField("task_id", task.ID).Info("task created")

	if assignee != nil {
		message := notify.Render(models.NotificationTaskAssigned, notify.MessageData{CustomerName: task.CustomerName})
		e.fanOut(ctx, *assignee, task.ID, models.NotificationTaskAssigned, message)
	}
	return task, nil
}

func (e *Engine) Accept(ctx context.Context, caller models.User, taskID string) (task models.Task, err error) {
	ctx, span := e.startSpan(ctx, "accept", caller)
	defer func() { endSpan(span, err) }()

	if !caller.IsTechnician() {
		return models.Task{}, fmt.Errorf("%w: technician role required", ErrForbidden)
	}
	current, err := e.tasks.FindTaskByID(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if current.AssignedTo != caller.ID {
		return models.Task{}, fmt.Errorf("%w: task is not assigned to you", ErrForbidden)
	}

	from := store.TransitionSources(store.ActionAccept)
	if e.opts.StrictAccept {
		from = []string{models.StatusPending}
	}
	acceptedAt := e.now().UTC()
	task, err = e.tasks.UpdateTaskFields(ctx, taskID, from, store.TaskUpdate{
		Status:     store.TransitionTarget(store.ActionAccept),
		AcceptedAt: &acceptedAt,
	})
	if err != nil {
		return models.Task{}, err
	}
	e.log.WithField("operation", "accept").WithField("task_id", taskID).WithField("user_id", caller.ID).Info("task accepted")

	message := notify.Render(models.NotificationTaskAccepted, notify.MessageData{
		CustomerName:   task.CustomerName,
		TechnicianName: caller.Name,
	})
	e.notifyCreator(ctx, task, models.NotificationTaskAccepted, message)
	return task, nil
}

func (e *Engine) Start(ctx context.Context, caller models.User, taskID string) (task models.Task, err error) {
	ctx, span := e.startSpan(ctx, "start", caller)
	defer func() { endSpan(span, err) }()

	if !caller.IsTechnician() {
		return models.Task{}, fmt.Errorf("%w: technician role required", ErrForbidden)
	}
	current, err := e.tasks.FindTaskByID(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if e.opts.StrictOwnership && current.AssignedTo != caller.ID {
		return models.Task{}, fmt.Errorf("%w: task is not assigned to you", ErrForbidden)
	}

	startedAt := e.now().UTC()
	task, err = e.tasks.UpdateTaskFields(ctx, taskID, store.TransitionSources(store.ActionStart), store.TaskUpdate{
		Status:    store.TransitionTarget(store.ActionStart),
		StartedAt: &startedAt,
	})
	if err != nil {
		return models.Task{}, err
	}
	e.log.WithField("operation", "start").WithField("task_id", taskID).WithField("user_id", caller.ID).Info("task started")
	return task, nil
}

func (e *Engine) Complete(ctx context.Context, caller models.User, taskID string, input CompleteInput) (task models.Task, err error) {
	ctx, span := e.startSpan(ctx, "complete", caller)
	defer func() { endSpan(span, err) }()

	if !caller.IsTechnician() {
		return models.Task{}, fmt.Errorf("%w: technician role required", ErrForbidden)
	}
	current, err := e.tasks.FindTaskByID(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if e.opts.StrictOwnership && current.AssignedTo != caller.ID {
		return models.Task{}, fmt.Errorf("%w: task is not assigned to you", ErrForbidden)
	}

	completedAt := e.now().UTC()
	images := input.Images
	if images == nil {
		images = []string{}
	}
	update := store.TaskUpdate{
		Status:         store.TransitionTarget(store.ActionComplete),
		CompletedAt:    &completedAt,
		ReportText:     &input.ReportText,
		ReportImages:   images,
		Success:        &input.Success,
		RecordDuration: true,
	}

	task, err = e.tasks.UpdateTaskFields(ctx, taskID, store.TransitionSources(store.ActionComplete), update)
	if err != nil {
		return models.Task{}, err
	}
	e.log.WithField("operation", "complete").
		WithField("task_id", taskID).
		WithField("user_id", caller.ID).
		WithField("success", input.Success).
		Info("task completed")

	data := notify.MessageData{
		CustomerName:   task.CustomerName,
		TechnicianName: caller.Name,
		Success:        task.Success,
	}
	if task.DurationMinutes != nil {
		data.DurationMinutes = *task.DurationMinutes
	}
	e.notifyCreator(ctx, task, models.NotificationTaskCompleted, notify.Render(models.NotificationTaskCompleted, data))
	return task, nil
}

// Delete removes the task along with its locations and notifications.
func (e *Engine) Delete(ctx context.Context, caller models.User, taskID string) (err error) {
	ctx, span := e.startSpan(ctx, "delete", caller)
	defer func() { endSpan(span, err) }()

	if !caller.IsAdmin() {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if err := e.tasks.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	e.log.WithField("operation", "delete").WithField("task_id", taskID).Info("task deleted")
	return nil
}

func (e *Engine) List(ctx context.Context, caller models.User) ([]models.Task, error) {
	filter := store.TaskFilter{}
	if !caller.IsAdmin() {
		filter.AssignedTo = caller.ID
	}
	tasks, err := e.tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, nil
}

// Get returns any task to any authenticated caller.
func (e *Engine) Get(ctx context.Context, caller models.User, taskID string) (models.Task, error) {
	return e.tasks.FindTaskByID(ctx, taskID)
}

// Stats returns AdminStats for admins and TechnicianStats for technicians.
func (e *Engine) Stats(ctx context.Context, caller models.User) (interface{}, error) {
	if caller.IsAdmin() {
		var stats AdminStats
		var err error
		if stats.TotalTasks, err = e.tasks.CountTasks(ctx, store.TaskFilter{}); err != nil {
			return nil, err
		}
		for status, dst := range map[string]*int{
			models.StatusPending:    &stats.PendingTasks,
			models.StatusAccepted:   &stats.AcceptedTasks,
			models.StatusInProgress: &stats.InProgressTasks,
			models.StatusCompleted:  &stats.CompletedTasks,
		} {
			if *dst, err = e.tasks.CountTasks(ctx, store.TaskFilter{Status: status}); err != nil {
				return nil, err
			}
		}
		techs, err := e.users.ListUsersByRole(ctx, models.RoleTechnician)
		if err != nil {
			return nil, err
		}
		stats.TotalTechnicians = len(techs)
		return stats, nil
	}

	var stats TechnicianStats
	var err error
	if stats.MyTasks, err = e.tasks.CountTasks(ctx, store.TaskFilter{AssignedTo: caller.ID}); err != nil {
		return nil, err
	}
	for status, dst := range map[string]*int{
		models.StatusPending:    &stats.MyPending,
		models.StatusAccepted:   &stats.MyAccepted,
		models.StatusInProgress: &stats.MyInProgress,
		models.StatusCompleted:  &stats.MyCompleted,
	} {
		if *dst, err = e.tasks.CountTasks(ctx, store.TaskFilter{AssignedTo: caller.ID, Status: status}); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (e *Engine) notifyCreator(ctx context.Context, task models.Task, notificationType, message string) {
	creator, err := e.users.FindUserByID(ctx, task.CreatedBy)
	if err != nil {
		e.log.WithField("operation", notificationType).
			WithField("task_id", task.ID).
			WithError(err).
			Warn("task creator not found, notification skipped")
		return
	}
	e.fanOut(ctx, creator, task.ID, notificationType, message)
}

// fanOut records the notification, then attempts the external push. Neither
// step can fail the transition that triggered it.
func (e *Engine) fanOut(ctx context.Context, recipient models.User, taskID, notificationType, message string) {
	if _, err := e.notifications.Notify(ctx, recipient.ID, taskID, message, notificationType); err != nil {
		e.log.WithField("operation", notificationType).
			WithField("task_id", taskID).
			WithField("user_id", recipient.ID).
			WithError(err).
			Error("notification not recorded")
	}
	if recipient.MessagingID == "" || e.pusher == nil {
		return
	}
	e.pusher.Push(ctx, recipient.MessagingID, message, e.deepLink(taskID))
}

func (e *Engine) deepLink(taskID string) string {
	if e.opts.PublicURL == "" {
		return ""
	}
	return e.opts.PublicURL + "/tasks/" + taskID
}

func (e *Engine) startSpan(ctx context.Context, operation string, caller models.User) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "lifecycle."+operation, trace.WithAttributes(
		attribute.String("caller.id", caller.ID),
		attribute.String("caller.role", caller.Role),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func trimCreateInput(input CreateInput) CreateInput {
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	input.CustomerPhone = strings.TrimSpace(input.CustomerPhone)
	input.CustomerAddress = strings.TrimSpace(input.CustomerAddress)
	input.IssueDescription = strings.TrimSpace(input.IssueDescription)
	input.AssignedTo = strings.TrimSpace(input.AssignedTo)
	return input
}
