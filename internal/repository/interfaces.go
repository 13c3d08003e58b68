// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"console-service/internal/model"

	"github.com/google/uuid"
)

// SessionRepository defines session data access operations
type SessionRepository interface {
	// CRUD operations
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Update(ctx context.Context, session *model.Session) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Listing and filtering
	List(ctx context.Context, filter *SessionFilter) ([]*model.Session, int, error)
	ListByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error)
	ListByPort(ctx context.Context, port string) ([]*model.Session, error)

	// Analytics
	GetSessionStats(ctx context.Context) (*SessionStats, error)

	// Cleanup
	DeleteOldSessions(ctx context.Context, olderThan time.Time) (int64, error)
}

// CommandHistoryRepository defines command history data access operations
type CommandHistoryRepository interface {
	Append(ctx context.Context, sessionID uuid.UUID, vendor model.VendorType, record *model.CommandRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]*model.CommandRecord, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error)
	DeleteBySession(ctx context.Context, sessionID uuid.UUID) error
}

// SessionFilter represents session listing filters
type SessionFilter struct {
	Vendor     *model.VendorType    `json:"vendor_type,omitempty"`
	Status     *model.SessionStatus `json:"status,omitempty"`
	Port       *string              `json:"port,omitempty"`
	SearchTerm *string              `json:"search_term,omitempty"`
	StartDate  *time.Time           `json:"start_date,omitempty"`
	EndDate    *time.Time           `json:"end_date,omitempty"`
	Page       int                  `json:"page"`
	PerPage    int                  `json:"per_page"`
	SortBy     string               `json:"sort_by"`
	SortOrder  string               `json:"sort_order"`
}

// SessionStats represents aggregate session statistics
type SessionStats struct {
	TotalSessions  int                         `json:"total_sessions"`
	ActiveSessions int                         `json:"active_sessions"`
	ErrorSessions  int                         `json:"error_sessions"`
	TotalCommands  int                         `json:"total_commands"`
	ByVendor       map[model.VendorType]int    `json:"by_vendor"`
	ByStatus       map[model.SessionStatus]int `json:"by_status"`
}
