// internal/service/session_service_test.go
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"console-service/internal/config"
	"console-service/internal/model"
	"console-service/internal/repository"
	"console-service/internal/transport"
	"console-service/internal/vendor"
)

// fakeSessionRepo is an in-memory SessionRepository
type fakeSessionRepo struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*model.Session
	createErr error
	updateErr error
	purged    int64
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[uuid.UUID]*model.Session)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return session, nil
}

func (r *fakeSessionRepo) Update(ctx context.Context, session *model.Session) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *fakeSessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.Status = status
	}
	return nil
}

func (r *fakeSessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) List(ctx context.Context, filter *repository.SessionFilter) ([]*model.Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out, len(out), nil
}

func (r *fakeSessionRepo) ListByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error) {
	return nil, nil
}

func (r *fakeSessionRepo) ListByPort(ctx context.Context, port string) ([]*model.Session, error) {
	return nil, nil
}

func (r *fakeSessionRepo) GetSessionStats(ctx context.Context) (*repository.SessionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &repository.SessionStats{TotalSessions: len(r.sessions)}, nil
}

func (r *fakeSessionRepo) DeleteOldSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.purged, nil
}

func (r *fakeSessionRepo) stored(id uuid.UUID) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// fakeHistoryRepo is an in-memory CommandHistoryRepository
type fakeHistoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID][]*model.CommandRecord
}

func newFakeHistoryRepo() *fakeHistoryRepo {
	return &fakeHistoryRepo{records: make(map[uuid.UUID][]*model.CommandRecord)}
}

func (r *fakeHistoryRepo) Append(ctx context.Context, sessionID uuid.UUID, v model.VendorType, record *model.CommandRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sessionID] = append(r.records[sessionID], record)
	return nil
}

func (r *fakeHistoryRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]*model.CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[sessionID], nil
}

func (r *fakeHistoryRepo) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[sessionID]), nil
}

func (r *fakeHistoryRepo) DeleteBySession(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
	return nil
}

// eventRecorder captures published session events
type eventRecorder struct {
	mu     sync.Mutex
	events []*model.SessionEvent
}

func (e *eventRecorder) Publish(event *model.SessionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) byType(t model.EventType) []*model.SessionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.SessionEvent
	for _, ev := range e.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type serviceFixture struct {
	service     *SessionService
	manager     *transport.Manager
	sessionRepo *fakeSessionRepo
	historyRepo *fakeHistoryRepo
	events      *eventRecorder
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	return newServiceFixtureWithPort(t, nil)
}

// newServiceFixtureWithPort wires a serial port factory into the transport so
// full session flows can run against a scripted device.
func newServiceFixtureWithPort(t *testing.T, open func(port string, mode *serial.Mode) (serial.Port, error)) *serviceFixture {
	t.Helper()

	cfg := &config.Config{
		Serial: config.SerialConfig{
			BaudRate:     9600,
			DataBits:     8,
			Parity:       "N",
			StopBits:     1,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Session: config.SessionConfig{
			CommandTimeout: time.Second,
			LoginTimeout:   time.Second,
			MaxAge:         24 * time.Hour,
		},
	}

	sessionRepo := newFakeSessionRepo()
	historyRepo := newFakeHistoryRepo()
	events := &eventRecorder{}

	manager := transport.NewManager(transport.ManagerConfig{
		MonitorInterval: time.Hour,
		OpenPort:        open,
	}, zap.NewNop())
	t.Cleanup(manager.Stop)

	svc := NewSessionService(
		manager,
		vendor.NewRegistry(zap.NewNop()),
		sessionRepo,
		historyRepo,
		events,
		cfg,
		zap.NewNop(),
	)

	return &serviceFixture{
		service:     svc,
		manager:     manager,
		sessionRepo: sessionRepo,
		historyRepo: historyRepo,
		events:      events,
	}
}

func TestCreateSession(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:     "COM3",
		Vendor:   model.VendorCisco,
		Username: "admin",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if session.ID == uuid.Nil {
		t.Error("session ID not assigned")
	}
	if session.Status != model.SessionStatusCreated {
		t.Errorf("status = %s, want %s", session.Status, model.SessionStatusCreated)
	}
	if session.BaudRate != 9600 {
		t.Errorf("baud rate default not applied: %d", session.BaudRate)
	}
	if session.DeviceName != "cisco-COM3" {
		t.Errorf("device name default not applied: %q", session.DeviceName)
	}

	if f.sessionRepo.stored(session.ID) == nil {
		t.Error("session not persisted")
	}
	if got := f.events.byType(model.EventSessionCreated); len(got) != 1 {
		t.Errorf("expected one created event, got %d", len(got))
	}
}

func TestCreateSessionInvalidVendor(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorType("netgear"),
	})
	if err == nil {
		t.Fatal("expected error for unsupported vendor")
	}
}

func TestCreateSessionInvalidBaudRate(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:     "COM3",
		Vendor:   model.VendorCisco,
		BaudRate: 1234,
	})
	if err == nil {
		t.Fatal("expected error for invalid baud rate")
	}
}

func TestCreateSessionPersistenceFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.sessionRepo.createErr = errors.New("database gone")

	_, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(f.service.ListSessions()) != 0 {
		t.Fatal("failed session left in memory")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.GetSession(uuid.New())
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConnectSessionNotFound(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.ConnectSession(context.Background(), uuid.New())
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExecuteCommandNotConnected(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result := f.service.ExecuteCommand(context.Background(), session.ID, "show version")
	if result.Success {
		t.Fatal("command on unconnected session must fail")
	}
	if !strings.Contains(result.Error, "not connected") {
		t.Fatalf("unexpected error text: %q", result.Error)
	}

	// Failed dispatch never reaches the device, so no history is written
	if records, _ := f.historyRepo.ListBySession(context.Background(), session.ID, 10); len(records) != 0 {
		t.Fatalf("unexpected history records: %d", len(records))
	}
	if got := f.events.byType(model.EventSessionError); len(got) != 1 {
		t.Fatalf("expected one error event, got %d", len(got))
	}
}

func TestExecuteCommandUnknownSession(t *testing.T) {
	f := newServiceFixture(t)

	result := f.service.ExecuteCommand(context.Background(), uuid.New(), "show version")
	if result.Success {
		t.Fatal("expected failed result")
	}
	if result.Error == "" {
		t.Fatal("error text missing")
	}
}

func TestExecuteOperationUnknownOperation(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = f.service.ExecuteOperation(context.Background(), session.ID, "format_flash", nil)
	if !errors.Is(err, model.ErrVendorUnsupportedOperation) {
		t.Fatalf("expected ErrVendorUnsupportedOperation, got %v", err)
	}
}

func TestExecuteOperationStopsOnFirstFailure(t *testing.T) {
	f := newServiceFixture(t)

	// Not connected, so the first catalogue command fails and the
	// remaining steps of the sequence are skipped
	session, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	results, err := f.service.ExecuteOperation(context.Background(), session.ID, "save_config", nil)
	if err != nil {
		t.Fatalf("ExecuteOperation: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected execution to stop after first failure, got %d results", len(results))
	}
	if results[0].Success {
		t.Fatal("expected failed result")
	}
}

func TestListSessionsAndCounts(t *testing.T) {
	f := newServiceFixture(t)

	for _, port := range []string{"COM3", "COM4"} {
		if _, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
			Port:   port,
			Vendor: model.VendorH3C,
		}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	if got := len(f.service.ListSessions()); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
	if got := f.service.ActiveSessionCount(); got != 0 {
		t.Fatalf("no session is connected, got %d active", got)
	}
	if got := f.service.TotalCommandCount(); got != 0 {
		t.Fatalf("expected 0 commands, got %d", got)
	}
}

func TestDisconnectSessionToleratesMissingPort(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.CreateSession(context.Background(), &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// No transport was ever opened; disconnect still finalizes the session
	if err := f.service.DisconnectSession(context.Background(), session.ID); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}

	got, err := f.service.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.SessionStatusDisconnected {
		t.Fatalf("status = %s, want %s", got.Status, model.SessionStatusDisconnected)
	}
	if got.DisconnectedAt == nil {
		t.Fatal("disconnect timestamp not set")
	}
	if events := f.events.byType(model.EventSessionDisconnected); len(events) != 1 {
		t.Fatalf("expected one disconnected event, got %d", len(events))
	}
}

func TestPurgeOldSessions(t *testing.T) {
	f := newServiceFixture(t)
	f.sessionRepo.purged = 7

	deleted, err := f.service.PurgeOldSessions(context.Background())
	if err != nil {
		t.Fatalf("PurgeOldSessions: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 purged, got %d", deleted)
	}
}
