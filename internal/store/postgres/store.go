package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"
	"techdispatch/dispatch-service/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const taskColumns = `id, customer_name, customer_phone, customer_address, issue_description, status,
	assigned_to, assigned_to_name, created_by, created_at, accepted_at, started_at, completed_at,
	report_text, report_images, success, duration_minutes`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}
	for _, m := range all {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) InsertUser(ctx context.Context, user models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, messaging_id, created_at)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, nullIfEmpty(user.MessagingID), user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE email = lower($1)
	`, strings.TrimSpace(email))
	return scanUser(row)
}

func (s *Store) ListUsersByRole(ctx context.Context, role string) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, password_hash, role, messaging_id, created_at
		FROM users
		WHERE role = $1
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

func (s *Store) UpdateMessagingID(ctx context.Context, id, messagingID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET messaging_id = $2 WHERE id = $1`, id, nullIfEmpty(messagingID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

func (s *Store) InsertTask(ctx context.Context, task models.Task) error {
	images := task.ReportImages
	if images == nil {
		images = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, customer_name, customer_phone, customer_address, issue_description, status,
			assigned_to, assigned_to_name, created_by, created_at, report_images, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, task.ID, task.CustomerName, task.CustomerPhone, task.CustomerAddress, task.IssueDescription, task.Status,
		nullIfEmpty(task.AssignedTo), nullIfEmpty(task.AssignedToName), task.CreatedBy, task.CreatedAt, images, task.Success)
	return err
}

func (s *Store) FindTaskByID(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) UpdateTaskFields(ctx context.Context, id string, fromStatuses []string, update store.TaskUpdate) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = COALESCE(NULLIF($2::text, ''), status),
			accepted_at = COALESCE($3, accepted_at),
			started_at = COALESCE($4, started_at),
			completed_at = CASE
				WHEN $5::timestamptz IS NULL THEN completed_at
				WHEN $9::bool THEN GREATEST($5::timestamptz, COALESCE($4::timestamptz, started_at, $5::timestamptz))
				ELSE $5::timestamptz
			END,
			report_text = COALESCE($6, report_text),
			report_images = COALESCE($7, report_images),
			success = COALESCE($8, success),
			duration_minutes = CASE
				WHEN NOT $9::bool THEN duration_minutes
				WHEN COALESCE($4::timestamptz, started_at) IS NULL OR $5::timestamptz IS NULL THEN NULL
				ELSE FLOOR(EXTRACT(EPOCH FROM (
					GREATEST($5::timestamptz, COALESCE($4::timestamptz, started_at)) - COALESCE($4::timestamptz, started_at)
				)) / 60)::int
			END
		WHERE id = $1 AND ($10::text[] IS NULL OR status = ANY($10::text[]))
		RETURNING `+taskColumns,
		id, update.Status, update.AcceptedAt, update.StartedAt, update.CompletedAt, update.ReportText,
		update.ReportImages, update.Success, update.RecordDuration, fromStatusesArg(fromStatuses))
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, store.ErrTaskNotFound) {
		return models.Task{}, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.Task{}, err
	}
	if !exists {
		return models.Task{}, store.ErrTaskNotFound
	}
	return models.Task{}, store.ErrInvalidState
}

func (s *Store) DeleteTask(ctx context.Context, id string) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrTaskNotFound
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM locations WHERE task_id = $1`, id); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM notifications WHERE task_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR assigned_to = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
	`, filter.AssignedTo, filter.Status)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tasks
		WHERE ($1 = '' OR assigned_to = $1) AND ($2 = '' OR status = $2)
	`, filter.AssignedTo, filter.Status).Scan(&count)
	return count, err
}

func (s *Store) InsertLocation(ctx context.Context, location models.Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (id, task_id, user_id, latitude, longitude, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, location.ID, location.TaskID, location.UserID, location.Latitude, location.Longitude, location.Timestamp)
	return err
}

func (s *Store) ListLocations(ctx context.Context, taskID string) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, user_id, latitude, longitude, recorded_at
		FROM locations
		WHERE task_id = $1
		ORDER BY recorded_at DESC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := []models.Location{}
	for rows.Next() {
		var location models.Location
		if err := rows.Scan(&location.ID, &location.TaskID, &location.UserID, &location.Latitude, &location.Longitude, &location.Timestamp); err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (s *Store) LatestLocation(ctx context.Context, userID string) (models.Location, bool, error) {
	var location models.Location
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, user_id, latitude, longitude, recorded_at
		FROM locations
		WHERE user_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, userID)
	if err := row.Scan(&location.ID, &location.TaskID, &location.UserID, &location.Latitude, &location.Longitude, &location.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Location{}, false, nil
		}
		return models.Location{}, false, err
	}
	return location, true, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification models.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, task_id, message, type, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, notification.ID, notification.UserID, notification.TaskID, notification.Message, notification.Type, notification.Read, notification.CreatedAt)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = store.NotificationListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, task_id, message, type, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Message, &n.Type, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET read = TRUE
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id = $1 AND read = FALSE
	`, userID).Scan(&count)
	return count, err
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	var messagingID sql.NullString
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &messagingID, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, store.ErrUserNotFound
		}
		return models.User{}, err
	}
	user.MessagingID = messagingID.String
	return user, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var assignedTo, assignedToName, reportText sql.NullString
	err := row.Scan(
		&task.ID, &task.CustomerName, &task.CustomerPhone, &task.CustomerAddress, &task.IssueDescription, &task.Status,
		&assignedTo, &assignedToName, &task.CreatedBy, &task.CreatedAt, &task.AcceptedAt, &task.StartedAt, &task.CompletedAt,
		&reportText, &task.ReportImages, &task.Success, &task.DurationMinutes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, store.ErrTaskNotFound
		}
		return models.Task{}, err
	}
	task.AssignedTo = assignedTo.String
	task.AssignedToName = assignedToName.String
	task.ReportText = reportText.String
	return task, nil
}

func fromStatusesArg(statuses []string) interface{} {
	if len(statuses) == 0 {
		return nil
	}
	return statuses
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
