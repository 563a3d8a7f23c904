package httpapi

import (
	"context"
	"expvar"
	"net/http"

	"techdispatch/dispatch-service/internal/auth"
	"techdispatch/dispatch-service/internal/lifecycle"
	"techdispatch/dispatch-service/internal/models"

	"github.com/sirupsen/logrus"
)

type AuthService interface {
	Register(ctx context.Context, input auth.RegisterInput) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
	ChangePassword(ctx context.Context, caller models.User, oldPassword, newPassword string) error
	SetMessagingID(ctx context.Context, caller models.User, messagingID string) (models.User, error)
	ProvisionTechnician(ctx context.Context, caller models.User, input auth.RegisterInput) (models.User, error)
	ListTechnicians(ctx context.Context, caller models.User) ([]models.User, error)
}

type TaskService interface {
	Create(ctx context.Context, caller models.User, input lifecycle.CreateInput) (models.Task, error)
	Accept(ctx context.Context, caller models.User, taskID string) (models.Task, error)
	Start(ctx context.Context, caller models.User, taskID string) (models.Task, error)
	Complete(ctx context.Context, caller models.User, taskID string, input lifecycle.CompleteInput) (models.Task, error)
	Delete(ctx context.Context, caller models.User, taskID string) error
	List(ctx context.Context, caller models.User) ([]models.Task, error)
	Get(ctx context.Context, caller models.User, taskID string) (models.Task, error)
	Stats(ctx context.Context, caller models.User) (interface{}, error)
}

type NotificationService interface {
	ListForUser(ctx context.Context, userID string) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type LocationService interface {
	Record(ctx context.Context, caller models.User, taskID string, latitude, longitude float64) (models.Location, error)
	ListForTask(ctx context.Context, taskID string) ([]models.Location, error)
	LatestForUser(ctx context.Context, caller models.User, userID string) (models.Location, bool, error)
}

type Handler struct {
	auth          AuthService
	tasks         TaskService
	notifications NotificationService
	locations     LocationService
	realtime      http.Handler
	log           *logrus.Entry
}

// Services groups the collaborators the transport layer dispatches to.
// Realtime may be nil, in which case the SockJS endpoint is not mounted.
type Services struct {
	Auth          AuthService
	Tasks         TaskService
	Notifications NotificationService
	Locations     LocationService
	Realtime      http.Handler
}

func NewHandler(services Services, log *logrus.Entry) *Handler {
	return &Handler{
		auth:          services.Auth,
		tasks:         services.Tasks,
		notifications: services.Notifications,
		locations:     services.Locations,
		realtime:      services.Realtime,
		log:           log,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", expvar.Handler())

	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("GET /api/auth/me", h.handleMe)
	mux.HandleFunc("POST /api/auth/change-password", h.handleChangePassword)
	mux.HandleFunc("PUT /api/users/me/messaging", h.handleSetMessaging)
	mux.HandleFunc("GET /api/technicians", h.handleListTechnicians)
	mux.HandleFunc("POST /api/technicians", h.handleCreateTechnician)

	mux.HandleFunc("POST /api/tasks", h.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", h.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/accept", h.handleAcceptTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/start", h.handleStartTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.handleCompleteTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.handleDeleteTask)

	mux.HandleFunc("POST /api/locations", h.handleRecordLocation)
	mux.HandleFunc("GET /api/locations/{task_id}", h.handleListLocations)
	mux.HandleFunc("GET /api/locations/technician/{user_id}/latest", h.handleLatestLocation)

	mux.HandleFunc("GET /api/notifications", h.handleListNotifications)
	mux.HandleFunc("GET /api/notifications/unread/count", h.handleUnreadCount)
	mux.HandleFunc("PATCH /api/notifications/{id}/read", h.handleMarkRead)

	mux.HandleFunc("GET /api/stats", h.handleStats)

	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.auth.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, caller)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.ChangePassword(r.Context(), caller, req.OldPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "password updated"})
}

type messagingRequest struct {
	MessagingID string `json:"external_messaging_id"`
}

func (h *Handler) handleSetMessaging(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req messagingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.auth.SetMessagingID(r.Context(), caller, req.MessagingID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) handleListTechnicians(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	users, err := h.auth.ListTechnicians(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createTechnicianRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	MessagingID string `json:"external_messaging_id"`
}

func (h *Handler) handleCreateTechnician(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTechnicianRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.auth.ProvisionTechnician(r.Context(), caller, auth.RegisterInput{
		Name:        req.Name,
		Email:       req.Email,
		Password:    req.Password,
		MessagingID: req.MessagingID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type createTaskRequest struct {
	CustomerName     string `json:"customer_name"`
	CustomerPhone    string `json:"customer_phone"`
	CustomerAddress  string `json:"customer_address"`
	IssueDescription string `json:"issue_description"`
	AssignedTo       string `json:"assigned_to"`
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.tasks.Create(r.Context(), caller, lifecycle.CreateInput{
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		CustomerAddress:  req.CustomerAddress,
		IssueDescription: req.IssueDescription,
		AssignedTo:       req.AssignedTo,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.List(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Get(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Accept(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleStartTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.Start(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeTaskRequest struct {
	// TaskID is echoed by clients that post the whole form; the path wins.
	TaskID     string   `json:"task_id"`
	ReportText string   `json:"report_text"`
	Images     []string `json:"images"`
	Success    bool     `json:"success"`
}

func (h *Handler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req completeTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	taskID := r.PathValue("id")
	if req.TaskID != "" && req.TaskID != taskID {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "task_id does not match the task in the path")
		return
	}
	task, err := h.tasks.Complete(r.Context(), caller, taskID, lifecycle.CompleteInput{
		ReportText: req.ReportText,
		Images:     req.Images,
		Success:    req.Success,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.tasks.Delete(r.Context(), caller, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "task deleted"})
}

type recordLocationRequest struct {
	TaskID    string   `json:"task_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (h *Handler) handleRecordLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req recordLocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "latitude and longitude are required")
		return
	}
	location, err := h.locations.Record(r.Context(), caller, req.TaskID, *req.Latitude, *req.Longitude)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, location)
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	locations, err := h.locations.ListForTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locations)
}

func (h *Handler) handleLatestLocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	location, found, err := h.locations.LatestForUser(r.Context(), caller, r.PathValue("user_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, (*models.Location)(nil))
		return
	}
	writeJSON(w, http.StatusOK, location)
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	notifications, err := h.notifications.ListForUser(r.Context(), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	count, err := h.notifications.UnreadCount(r.Context(), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadCountResponse{Count: count})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.notifications.MarkRead(r.Context(), caller.ID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "notification marked as read"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	stats, err := h.tasks.Stats(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// caller is only absent when the route was wired without AuthMiddleware.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "authentication required")
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": requestIDFromRequest(r),
		}).Error("request failed")
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}
