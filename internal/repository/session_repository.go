// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"console-service/internal/database"
	"console-service/internal/model"
)

// sessionRepository implements SessionRepository interface
type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new session record
func (r *sessionRepository) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (
			session_id, device_name, com_port, baud_rate, vendor_type,
			device_model, os_version, start_time, end_time, status,
			vendor_specific_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.DeviceName, session.Port, session.BaudRate,
		session.Vendor, session.DeviceModel, session.OSVersion,
		session.StartTime, session.DisconnectedAt, session.Status,
		session.VendorData,
	)

	if err != nil {
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("session_id", session.ID.String()))
		return fmt.Errorf("%w: create session: %v", model.ErrPersistenceFailure, err)
	}

	r.logger.Info("Session created", zap.String("session_id", session.ID.String()))
	return nil
}

// GetByID retrieves a session by its UUID
func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	query := `
		SELECT session_id, device_name, com_port, baud_rate, vendor_type,
			   device_model, os_version, start_time, end_time, status,
			   vendor_specific_data
		FROM sessions WHERE session_id = $1
	`

	session := &model.Session{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.DeviceName, &session.Port, &session.BaudRate,
		&session.Vendor, &session.DeviceModel, &session.OSVersion,
		&session.StartTime, &session.DisconnectedAt, &session.Status,
		&session.VendorData,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
		}
		r.logger.Error("Failed to get session", zap.Error(err), zap.String("session_id", id.String()))
		return nil, fmt.Errorf("%w: get session: %v", model.ErrPersistenceFailure, err)
	}

	return session, nil
}

// Update updates an existing session record
func (r *sessionRepository) Update(ctx context.Context, session *model.Session) error {
	query := `
		UPDATE sessions SET
			device_name = $2, com_port = $3, baud_rate = $4, vendor_type = $5,
			device_model = $6, os_version = $7, end_time = $8, status = $9,
			vendor_specific_data = $10, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ID, session.DeviceName, session.Port, session.BaudRate,
		session.Vendor, session.DeviceModel, session.OSVersion,
		session.DisconnectedAt, session.Status, session.VendorData,
	)

	if err != nil {
		r.logger.Error("Failed to update session", zap.Error(err), zap.String("session_id", session.ID.String()))
		return fmt.Errorf("%w: update session: %v", model.ErrPersistenceFailure, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", model.ErrPersistenceFailure, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, session.ID)
	}

	r.logger.Debug("Session updated", zap.String("session_id", session.ID.String()))
	return nil
}

// UpdateStatus updates session status
func (r *sessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error {
	query := `
		UPDATE sessions SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		r.logger.Error("Failed to update session status", zap.Error(err), zap.String("session_id", id.String()))
		return fmt.Errorf("%w: update status: %v", model.ErrPersistenceFailure, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", model.ErrPersistenceFailure, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	return nil
}

// Delete removes a session record
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = $1", id)
	if err != nil {
		r.logger.Error("Failed to delete session", zap.Error(err), zap.String("session_id", id.String()))
		return fmt.Errorf("%w: delete session: %v", model.ErrPersistenceFailure, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", model.ErrPersistenceFailure, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	r.logger.Info("Session deleted", zap.String("session_id", id.String()))
	return nil
}

// List retrieves sessions matching the filter, with the total count
func (r *sessionRepository) List(ctx context.Context, filter *SessionFilter) ([]*model.Session, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argIdx := 1

	if filter.Vendor != nil {
		conditions = append(conditions, fmt.Sprintf("vendor_type = $%d", argIdx))
		args = append(args, *filter.Vendor)
		argIdx++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.Port != nil {
		conditions = append(conditions, fmt.Sprintf("com_port = $%d", argIdx))
		args = append(args, *filter.Port)
		argIdx++
	}
	if filter.SearchTerm != nil {
		conditions = append(conditions, fmt.Sprintf("device_name ILIKE $%d", argIdx))
		args = append(args, "%"+*filter.SearchTerm+"%")
		argIdx++
	}
	if filter.StartDate != nil {
		conditions = append(conditions, fmt.Sprintf("start_time >= $%d", argIdx))
		args = append(args, *filter.StartDate)
		argIdx++
	}
	if filter.EndDate != nil {
		conditions = append(conditions, fmt.Sprintf("start_time <= $%d", argIdx))
		args = append(args, *filter.EndDate)
		argIdx++
	}

	whereClause := strings.Join(conditions, " AND ")

	// Count total matches
	var total int
	countQuery := "SELECT COUNT(*) FROM sessions WHERE " + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count sessions: %v", model.ErrPersistenceFailure, err)
	}

	// Sorting: whitelist columns so filter input can never inject SQL
	sortBy := "start_time"
	switch filter.SortBy {
	case "device_name", "com_port", "vendor_type", "status", "start_time", "end_time":
		sortBy = filter.SortBy
	}
	sortOrder := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	query := fmt.Sprintf(`
		SELECT session_id, device_name, com_port, baud_rate, vendor_type,
			   device_model, os_version, start_time, end_time, status,
			   vendor_specific_data
		FROM sessions WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d
	`, whereClause, sortBy, sortOrder, argIdx, argIdx+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list sessions", zap.Error(err))
		return nil, 0, fmt.Errorf("%w: list sessions: %v", model.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListByStatus retrieves all sessions with the given status
func (r *sessionRepository) ListByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error) {
	query := `
		SELECT session_id, device_name, com_port, baud_rate, vendor_type,
			   device_model, os_version, start_time, end_time, status,
			   vendor_specific_data
		FROM sessions WHERE status = $1
		ORDER BY start_time DESC
	`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions by status: %v", model.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListByPort retrieves all sessions bound to a port
func (r *sessionRepository) ListByPort(ctx context.Context, port string) ([]*model.Session, error) {
	query := `
		SELECT session_id, device_name, com_port, baud_rate, vendor_type,
			   device_model, os_version, start_time, end_time, status,
			   vendor_specific_data
		FROM sessions WHERE com_port = $1
		ORDER BY start_time DESC
	`

	rows, err := r.db.QueryContext(ctx, query, port)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions by port: %v", model.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// GetSessionStats returns aggregate counts over all sessions
func (r *sessionRepository) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{
		ByVendor: make(map[model.VendorType]int),
		ByStatus: make(map[model.SessionStatus]int),
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT vendor_type, status, COUNT(*)
		FROM sessions
		GROUP BY vendor_type, status
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: session stats: %v", model.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var vendor model.VendorType
		var status model.SessionStatus
		var count int
		if err := rows.Scan(&vendor, &status, &count); err != nil {
			return nil, fmt.Errorf("%w: scan stats row: %v", model.ErrPersistenceFailure, err)
		}
		stats.TotalSessions += count
		stats.ByVendor[vendor] += count
		stats.ByStatus[status] += count
		if status == model.SessionStatusConnected {
			stats.ActiveSessions += count
		}
		if status == model.SessionStatusError {
			stats.ErrorSessions += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: stats rows: %v", model.ErrPersistenceFailure, err)
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM command_history").Scan(&stats.TotalCommands); err != nil {
		return nil, fmt.Errorf("%w: count commands: %v", model.ErrPersistenceFailure, err)
	}

	return stats, nil
}

// DeleteOldSessions removes sessions that started before the cutoff
func (r *sessionRepository) DeleteOldSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE start_time < $1 AND status != $2",
		olderThan, model.SessionStatusConnected,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: delete old sessions: %v", model.ErrPersistenceFailure, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", model.ErrPersistenceFailure, err)
	}
	if deleted > 0 {
		r.logger.Info("Old sessions removed", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func scanSessions(rows *sql.Rows) ([]*model.Session, error) {
	var sessions []*model.Session
	for rows.Next() {
		session := &model.Session{}
		err := rows.Scan(
			&session.ID, &session.DeviceName, &session.Port, &session.BaudRate,
			&session.Vendor, &session.DeviceModel, &session.OSVersion,
			&session.StartTime, &session.DisconnectedAt, &session.Status,
			&session.VendorData,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", model.ErrPersistenceFailure, err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: session rows: %v", model.ErrPersistenceFailure, err)
	}
	return sessions, nil
}
