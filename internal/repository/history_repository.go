// internal/repository/history_repository.go
package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"console-service/internal/database"
	"console-service/internal/model"
)

// commandHistoryRepository implements CommandHistoryRepository interface
type commandHistoryRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewCommandHistoryRepository creates a new command history repository
func NewCommandHistoryRepository(db *database.DB, logger *zap.Logger) CommandHistoryRepository {
	return &commandHistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Append stores one executed command for a session
func (r *commandHistoryRepository) Append(ctx context.Context, sessionID uuid.UUID, vendor model.VendorType, record *model.CommandRecord) error {
	query := `
		INSERT INTO command_history (
			session_id, vendor_type, command_text, output_text, success, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		sessionID, vendor, record.Command, record.Output, record.Success, record.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to append command history",
			zap.Error(err), zap.String("session_id", sessionID.String()))
		return fmt.Errorf("%w: append command: %v", model.ErrPersistenceFailure, err)
	}
	return nil
}

// ListBySession returns the most recent commands for a session, oldest first
func (r *commandHistoryRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]*model.CommandRecord, error) {
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT command_text, output_text, success, timestamp
		FROM (
			SELECT command_text, output_text, success, timestamp
			FROM command_history
			WHERE session_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list command history: %v", model.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var records []*model.CommandRecord
	for rows.Next() {
		record := &model.CommandRecord{}
		if err := rows.Scan(&record.Command, &record.Output, &record.Success, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan command record: %v", model.ErrPersistenceFailure, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: command rows: %v", model.ErrPersistenceFailure, err)
	}
	return records, nil
}

// CountBySession returns the number of recorded commands for a session
func (r *commandHistoryRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM command_history WHERE session_id = $1", sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count command history: %v", model.ErrPersistenceFailure, err)
	}
	return count, nil
}

// DeleteBySession removes all command history for a session
func (r *commandHistoryRepository) DeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM command_history WHERE session_id = $1", sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: delete command history: %v", model.ErrPersistenceFailure, err)
	}
	return nil
}
