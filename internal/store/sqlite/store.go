// Package sqlite implements store.Store on a single-file SQLite database for
// small deployments that do not run Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const taskColumns = `id, customer_name, customer_phone, customer_address, issue_description, status,
	assigned_to, assigned_to_name, created_by, created_at, accepted_at, started_at, completed_at,
	report_text, report_images, success, duration_minutes`

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transitions serialized.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('admin', 'technician')),
			messaging_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			customer_name TEXT NOT NULL,
			customer_phone TEXT NOT NULL,
			customer_address TEXT NOT NULL,
			issue_description TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'in_progress', 'completed')),
			assigned_to TEXT,
			assigned_to_name TEXT,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			accepted_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			report_text TEXT,
			report_images TEXT NOT NULL DEFAULT '[]',
			success INTEGER NOT NULL DEFAULT 0,
			duration_minutes INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks (assigned_to, created_at)`,
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_task ON locations (task_id, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_user ON locations (user_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			message TEXT NOT NULL,
			type TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *Store) InsertUser(ctx context.Context, user models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, messaging_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Name, normalizeEmail(user.Email), user.PasswordHash, user.Role, nullIfEmpty(user.MessagingID), formatTime(user.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE id = ?
	`, id)
	return scanUser(row)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE email = ?
	`, normalizeEmail(email))
	return scanUser(row)
}

func (s *Store) ListUsersByRole(ctx context.Context, role string) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE role = ?
		ORDER BY name ASC, id ASC
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	return userAffected(res, err)
}

func (s *Store) UpdateMessagingID(ctx context.Context, id, messagingID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET messaging_id = ? WHERE id = ?`, nullIfEmpty(messagingID), id)
	return userAffected(res, err)
}

func (s *Store) InsertTask(ctx context.Context, task models.Task) error {
	images, err := encodeImages(task.ReportImages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, customer_name, customer_phone, customer_address, issue_description, status,
			assigned_to, assigned_to_name, created_by, created_at, report_images, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.CustomerName, task.CustomerPhone, task.CustomerAddress, task.IssueDescription, task.Status,
		nullIfEmpty(task.AssignedTo), nullIfEmpty(task.AssignedToName), task.CreatedBy, formatTime(task.CreatedAt), images, task.Success)
	return err
}

func (s *Store) FindTaskByID(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) UpdateTaskFields(ctx context.Context, id string, fromStatuses []string, update store.TaskUpdate) (task models.Task, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	var startedRaw sql.NullString
	if err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM tasks WHERE id = ?`, id).Scan(&current, &startedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrTaskNotFound
		}
		return models.Task{}, err
	}
	if !store.StatusAllowed(fromStatuses, current) {
		err = store.ErrInvalidState
		return models.Task{}, err
	}

	startedAt := update.StartedAt
	if startedAt == nil && startedRaw.Valid {
		var parsed time.Time
		if parsed, err = parseTime(startedRaw.String); err != nil {
			return models.Task{}, err
		}
		startedAt = &parsed
	}
	sets, args, err := updateAssignments(update, startedAt)
	if err != nil {
		return models.Task{}, err
	}

	if len(sets) > 0 {
		args = append(args, id, current)
		query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
		var res sql.Result
		if res, err = tx.ExecContext(ctx, query, args...); err != nil {
			return models.Task{}, err
		}
		var affected int64
		if affected, err = res.RowsAffected(); err != nil {
			return models.Task{}, err
		}
		if affected == 0 {
			err = store.ErrInvalidState
			return models.Task{}, err
		}
	}

	if task, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)); err != nil {
		return models.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = store.ErrTaskNotFound
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM locations WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM notifications WHERE task_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (? = '' OR assigned_to = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC, rowid DESC
	`, filter.AssignedTo, filter.AssignedTo, filter.Status, filter.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tasks
		WHERE (? = '' OR assigned_to = ?) AND (? = '' OR status = ?)
	`, filter.AssignedTo, filter.AssignedTo, filter.Status, filter.Status).Scan(&count)
	return count, err
}

func (s *Store) InsertLocation(ctx context.Context, location models.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, task_id, user_id, latitude, longitude, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, location.ID, location.TaskID, location.UserID, location.Latitude, location.Longitude, formatTime(location.Timestamp))
	return err
}

func (s *Store) ListLocations(ctx context.Context, taskID string) ([]models.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, latitude, longitude, recorded_at
		FROM locations
		WHERE task_id = ?
		ORDER BY recorded_at DESC, rowid DESC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := []models.Location{}
	for rows.Next() {
		location, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return locations, rows.Err()
}

func (s *Store) LatestLocation(ctx context.Context, userID string) (models.Location, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, latitude, longitude, recorded_at
		FROM locations
		WHERE user_id = ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT 1
	`, userID)
	location, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Location{}, false, nil
		}
		return models.Location{}, false, err
	}
	return location, true, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification models.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, task_id, message, type, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, notification.ID, notification.UserID, notification.TaskID, notification.Message, notification.Type,
		notification.Read, formatTime(notification.CreatedAt))
	return err
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = store.NotificationListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, task_id, message, type, read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Message, &n.Type, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, notificationID, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (models.User, error) {
	var user models.User
	var messagingID sql.NullString
	var createdAt string
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &messagingID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, store.ErrUserNotFound
		}
		return models.User{}, err
	}
	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.User{}, err
	}
	user.MessagingID = messagingID.String
	return user, nil
}

func scanTask(row scanner) (models.Task, error) {
	var task models.Task
	var assignedTo, assignedToName, reportText sql.NullString
	var acceptedAt, startedAt, completedAt sql.NullString
	var createdAt, images string
	var duration sql.NullInt64
	err := row.Scan(
		&task.ID, &task.CustomerName, &task.CustomerPhone, &task.CustomerAddress, &task.IssueDescription, &task.Status,
		&assignedTo, &assignedToName, &task.CreatedBy, &createdAt, &acceptedAt, &startedAt, &completedAt,
		&reportText, &images, &task.Success, &duration,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, store.ErrTaskNotFound
		}
		return models.Task{}, err
	}
	task.AssignedTo = assignedTo.String
	task.AssignedToName = assignedToName.String
	task.ReportText = reportText.String
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Task{}, err
	}
	for _, field := range []struct {
		raw sql.NullString
		dst **time.Time
	}{{acceptedAt, &task.AcceptedAt}, {startedAt, &task.StartedAt}, {completedAt, &task.CompletedAt}} {
		if !field.raw.Valid {
			continue
		}
		at, err := parseTime(field.raw.String)
		if err != nil {
			return models.Task{}, err
		}
		*field.dst = &at
	}
	if err := json.Unmarshal([]byte(images), &task.ReportImages); err != nil {
		return models.Task{}, fmt.Errorf("decode report images: %w", err)
	}
	if duration.Valid {
		minutes := int(duration.Int64)
		task.DurationMinutes = &minutes
	}
	return task, nil
}

func scanLocation(row scanner) (models.Location, error) {
	var location models.Location
	var recordedAt string
	if err := row.Scan(&location.ID, &location.TaskID, &location.UserID, &location.Latitude, &location.Longitude, &recordedAt); err != nil {
		return models.Location{}, err
	}
	var err error
	location.Timestamp, err = parseTime(recordedAt)
	return location, err
}

// updateAssignments builds the SET list for update. startedAt is the task's
// start time as seen inside the transaction and only matters for RecordDuration.
func updateAssignments(update store.TaskUpdate, startedAt *time.Time) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if update.Status != "" {
		add("status", update.Status)
	}
	if update.AcceptedAt != nil {
		add("accepted_at", formatTime(*update.AcceptedAt))
	}
	if update.StartedAt != nil {
		add("started_at", formatTime(*update.StartedAt))
	}
	completedAt := update.CompletedAt
	if completedAt != nil && update.RecordDuration && startedAt != nil && startedAt.After(*completedAt) {
		completedAt = startedAt
	}
	if completedAt != nil {
		add("completed_at", formatTime(*completedAt))
	}
	if update.ReportText != nil {
		add("report_text", *update.ReportText)
	}
	if update.ReportImages != nil {
		images, err := encodeImages(update.ReportImages)
		if err != nil {
			return nil, nil, err
		}
		add("report_images", images)
	}
	if update.Success != nil {
		add("success", *update.Success)
	}
	if update.RecordDuration {
		if startedAt != nil && completedAt != nil {
			add("duration_minutes", models.DurationMinutes(*startedAt, *completedAt))
		} else {
			add("duration_minutes", nil)
		}
	}
	return sets, args, nil
}

func userAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

func encodeImages(images []string) (string, error) {
	if images == nil {
		images = []string{}
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
