// internal/service/session_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"console-service/internal/config"
	"console-service/internal/model"
	"console-service/internal/repository"
	"console-service/internal/transport"
	"console-service/internal/utils"
	"console-service/internal/vendor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher receives session lifecycle events for fanout to subscribers
type EventPublisher interface {
	Publish(event *model.SessionEvent)
}

// CreateSessionRequest carries the parameters for a new session
type CreateSessionRequest struct {
	DeviceName string           `json:"device_name"`
	Port       string           `json:"port" binding:"required"`
	Vendor     model.VendorType `json:"vendor_type" binding:"required"`
	BaudRate   int              `json:"baud_rate"`
	Username   string           `json:"username"`
	Password   string           `json:"password"`
}

// SessionService orchestrates session lifecycle, login automation and
// command execution. Transport concerns are delegated to the connection
// manager and dialect concerns to the vendor registry. The in-memory
// session map is the source of truth while a session is live; persistence
// is best effort and never blocks a state change.
type SessionService struct {
	config      *config.Config
	transport   *transport.Manager
	registry    *vendor.Registry
	sessionRepo repository.SessionRepository
	historyRepo repository.CommandHistoryRepository
	events      EventPublisher
	logger      *utils.ServiceLogger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.Session

	// enterMu serializes SendEnter so rapid nudges never interleave writes
	enterMu sync.Mutex
}

// NewSessionService creates a new session service instance
func NewSessionService(
	transportMgr *transport.Manager,
	registry *vendor.Registry,
	sessionRepo repository.SessionRepository,
	historyRepo repository.CommandHistoryRepository,
	events EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *SessionService {
	s := &SessionService{
		config:      cfg,
		transport:   transportMgr,
		registry:    registry,
		sessionRepo: sessionRepo,
		historyRepo: historyRepo,
		events:      events,
		logger:      utils.NewServiceLogger(logger, "session-service"),
		sessions:    make(map[uuid.UUID]*model.Session),
	}

	transportMgr.AddListener(s.onConnectionChange)
	return s
}

// CreateSession allocates a new session in the Created state and persists it
func (s *SessionService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*model.Session, error) {
	if !req.Vendor.IsValid() {
		return nil, fmt.Errorf("unsupported vendor %q", req.Vendor)
	}

	baudRate := req.BaudRate
	if baudRate == 0 {
		baudRate = s.config.Serial.BaudRate
	}
	// Validate line parameters up front so a bad baud rate fails at
	// creation, not at connect time
	if _, err := s.connectionConfig(baudRate); err != nil {
		return nil, err
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = fmt.Sprintf("%s-%s", req.Vendor, req.Port)
	}

	session := &model.Session{
		ID:         uuid.New(),
		DeviceName: deviceName,
		Port:       req.Port,
		BaudRate:   baudRate,
		Vendor:     req.Vendor,
		Username:   req.Username,
		Password:   req.Password,
		Status:     model.SessionStatusCreated,
		StartTime:  time.Now().UTC(),
		VendorData: model.JSONObject{},
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		s.mu.Lock()
		delete(s.sessions, session.ID)
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Info("Session created",
		zap.String("session_id", session.ID.String()),
		zap.String("port", session.Port),
		zap.String("vendor", string(session.Vendor)),
	)
	s.publishStatus(session, model.EventSessionCreated, "", "INFO")

	return session, nil
}

// ConnectSession opens the transport for a session and runs login automation
// when credentials were supplied. A connect failure moves the session to the
// Error state; the session itself stays retrievable.
func (s *SessionService) ConnectSession(ctx context.Context, id uuid.UUID) error {
	session, err := s.getSession(id)
	if err != nil {
		return err
	}

	connCfg, err := s.connectionConfig(session.BaudRate)
	if err != nil {
		return err
	}

	sessionLogger := utils.NewSessionLogger(s.logger.Logger, id.String(), session.Port, string(session.Vendor))

	conn, err := s.transport.Connect(ctx, session.Port, session.Vendor, connCfg)
	if err != nil {
		sessionLogger.LogConnection("connect", false, err)
		prev := session.Status
		session.Status = model.SessionStatusError
		session.ErrorMessage = err.Error()
		s.persist(ctx, session)
		s.publishTransition(session, model.EventSessionError, prev, err.Error())
		return err
	}

	if session.Username != "" {
		// Best effort: a quiet console or an already logged-in CLI just
		// times the steps out
		s.performLogin(ctx, session, conn)
	}

	prev := session.Status
	session.Status = model.SessionStatusConnected
	now := time.Now().UTC()
	session.ConnectedAt = &now
	session.ErrorMessage = ""
	s.persist(ctx, session)

	sessionLogger.LogConnection("connect", true, nil)
	sessionLogger.LogStatusChange(string(prev), string(session.Status))
	s.publishTransition(session, model.EventSessionConnected, prev, "")
	return nil
}

// DisconnectSession tears down the transport and marks the session
// Disconnected. A port that is already gone is tolerated.
func (s *SessionService) DisconnectSession(ctx context.Context, id uuid.UUID) error {
	session, err := s.getSession(id)
	if err != nil {
		return err
	}

	if err := s.transport.Disconnect(session.Port); err != nil {
		s.logger.Warn("Transport disconnect failed",
			zap.String("session_id", id.String()),
			zap.Error(err),
		)
	}

	prev := session.Status
	session.Status = model.SessionStatusDisconnected
	now := time.Now().UTC()
	session.DisconnectedAt = &now
	s.persist(ctx, session)

	sessionLogger := utils.NewSessionLogger(s.logger.Logger, id.String(), session.Port, string(session.Vendor))
	sessionLogger.LogConnection("disconnect", true, nil)
	sessionLogger.LogStatusChange(string(prev), string(session.Status))
	s.publishTransition(session, model.EventSessionDisconnected, prev, "")
	return nil
}

// ExecuteCommand runs a command on the session's device. Internal failures
// come back as a failed CommandResult, never as an error return; only an
// unknown session is reported as such through the result's Error field.
func (s *SessionService) ExecuteCommand(ctx context.Context, id uuid.UUID, command string) *model.CommandResult {
	start := time.Now()

	session, err := s.getSession(id)
	if err != nil {
		return s.failedResult(id, command, start, err)
	}
	if !session.IsConnected() {
		return s.failedResult(id, command, start, fmt.Errorf("%w: %s", model.ErrSessionNotConnected, id))
	}

	adapter, err := s.registry.CreateAdapter(session.Vendor)
	if err != nil {
		return s.failedResult(id, command, start, err)
	}
	normalized := adapter.Normalize(command)

	output, completed, err := s.transport.SendCommand(ctx, session.Port, normalized, s.config.Session.CommandTimeout)
	if err != nil {
		return s.failedResult(id, command, start, err)
	}

	result := &model.CommandResult{
		Command:       normalized,
		Output:        output,
		Success:       completed,
		ExecutionTime: time.Since(start),
		Timestamp:     time.Now().UTC(),
	}

	s.recordCommand(ctx, session, result)

	sessionLogger := utils.NewSessionLogger(s.logger.Logger, id.String(), session.Port, string(session.Vendor))
	sessionLogger.LogCommand(normalized, result.ExecutionTime, result.Success, nil)

	s.publishCommand(session, result)
	return result
}

// SendEnter writes a bare line terminator to nudge the CLI into showing its
// prompt. Calls are serialized so rapid triggers cannot interleave writes.
func (s *SessionService) SendEnter(ctx context.Context, id uuid.UUID) *model.CommandResult {
	s.enterMu.Lock()
	defer s.enterMu.Unlock()
	return s.ExecuteCommand(ctx, id, "")
}

// ExecuteOperation resolves a catalogue operation to the session vendor's
// command sequence, expands the parameters and runs each command in order.
// Execution stops at the first failed command.
func (s *SessionService) ExecuteOperation(ctx context.Context, id uuid.UUID, operation string, params map[string]string) ([]*model.CommandResult, error) {
	session, err := s.getSession(id)
	if err != nil {
		return nil, err
	}

	commands, err := vendor.CommandsForOperation(operation, session.Vendor)
	if err != nil {
		return nil, err
	}

	results := make([]*model.CommandResult, 0, len(commands))
	for _, template := range commands {
		command := vendor.ExpandParameters(template, params)
		result := s.ExecuteCommand(ctx, id, command)
		results = append(results, result)
		if !result.Success {
			break
		}
	}
	return results, nil
}

// FetchDeviceInfo probes the device with the vendor's inventory command,
// parses the output into a normalized record and stores it on the session.
// The raw captured text is returned alongside the parsed record.
func (s *SessionService) FetchDeviceInfo(ctx context.Context, id uuid.UUID) (*model.DeviceInfo, string, error) {
	session, err := s.getSession(id)
	if err != nil {
		return nil, "", err
	}
	if !session.IsConnected() {
		return nil, "", fmt.Errorf("%w: %s", model.ErrSessionNotConnected, id)
	}

	adapter, err := s.registry.CreateAdapter(session.Vendor)
	if err != nil {
		return nil, "", err
	}

	commands, err := vendor.CommandsForOperation(adapter.Profile().InventoryOperation, session.Vendor)
	if err != nil {
		return nil, "", err
	}

	var raw strings.Builder
	for _, command := range commands {
		output, _, err := s.transport.SendCommand(ctx, session.Port, command, s.config.Session.CommandTimeout)
		if err != nil {
			return nil, raw.String(), err
		}
		if raw.Len() > 0 {
			raw.WriteByte('\n')
		}
		raw.WriteString(output)
	}

	info := adapter.ParseInventory(raw.String())
	session.DeviceModel = info.DeviceModel
	session.OSVersion = info.OSVersion
	if session.VendorData == nil {
		session.VendorData = model.JSONObject{}
	}
	if info.SerialNumber != "" {
		session.VendorData["serial_number"] = info.SerialNumber
	}
	if info.Hostname != "" {
		session.VendorData["hostname"] = info.Hostname
	}
	if info.Uptime != "" {
		session.VendorData["uptime"] = info.Uptime
	}
	for k, v := range info.VendorSpecific {
		session.VendorData[k] = v
	}
	s.persist(ctx, session)

	return &info, raw.String(), nil
}

// GetSession returns a live session by ID
func (s *SessionService) GetSession(id uuid.UUID) (*model.Session, error) {
	return s.getSession(id)
}

// ListSessions returns all in-memory sessions
func (s *SessionService) ListSessions() []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// ListStoredSessions queries persisted sessions with filtering
func (s *SessionService) ListStoredSessions(ctx context.Context, filter *repository.SessionFilter) ([]*model.Session, int, error) {
	return s.sessionRepo.List(ctx, filter)
}

// GetCommandHistory returns the persisted command history for a session
func (s *SessionService) GetCommandHistory(ctx context.Context, id uuid.UUID, limit int) ([]*model.CommandRecord, error) {
	if _, err := s.getSession(id); err != nil {
		// Fall back to storage so finished sessions stay queryable
		if _, repoErr := s.sessionRepo.GetByID(ctx, id); repoErr != nil {
			return nil, repoErr
		}
	}
	return s.historyRepo.ListBySession(ctx, id, limit)
}

// ActiveSessionCount returns the number of connected sessions
func (s *SessionService) ActiveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, session := range s.sessions {
		if session.IsConnected() {
			count++
		}
	}
	return count
}

// TotalCommandCount returns commands executed across all live sessions
func (s *SessionService) TotalCommandCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, session := range s.sessions {
		total += len(session.Commands)
	}
	return total
}

// GetStats returns aggregate statistics from storage
func (s *SessionService) GetStats(ctx context.Context) (*repository.SessionStats, error) {
	return s.sessionRepo.GetSessionStats(ctx)
}

// SaveAll persists every live session; used at shutdown
func (s *SessionService) SaveAll(ctx context.Context) {
	for _, session := range s.ListSessions() {
		if err := s.sessionRepo.Update(ctx, session); err != nil {
			s.logger.Error("Failed to save session",
				zap.String("session_id", session.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Cleanup disconnects every live session and persists final state
func (s *SessionService) Cleanup(ctx context.Context) {
	s.logger.Info("Cleaning up sessions")
	for _, session := range s.ListSessions() {
		if session.IsConnected() {
			if err := s.DisconnectSession(ctx, session.ID); err != nil {
				s.logger.Error("Cleanup disconnect failed",
					zap.String("session_id", session.ID.String()),
					zap.Error(err),
				)
			}
		}
	}
	s.SaveAll(ctx)
}

// PurgeOldSessions removes stored sessions older than the retention window
func (s *SessionService) PurgeOldSessions(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.Session.MaxAge)
	return s.sessionRepo.DeleteOldSessions(ctx, cutoff)
}

// performLogin drives the credential exchange: provoke a prompt, answer the
// username and password prompts when they appear, settle with a final
// newline. Every step that times out is skipped with a warning; login
// automation never fails a connect.
func (s *SessionService) performLogin(ctx context.Context, session *model.Session, conn *transport.Connection) {
	profile := conn.Profile()
	if profile == nil {
		return
	}
	timeout := s.config.Session.LoginTimeout

	sessionLogger := utils.NewSessionLogger(s.logger.Logger, session.ID.String(), session.Port, string(session.Vendor))
	sessionLogger.Info("Starting login automation")

	if err := conn.Write(ctx, ""); err != nil {
		sessionLogger.Warn("Login nudge failed", zap.Error(err))
		return
	}

	if matched := conn.ExpectSubstring(ctx, profile.UsernamePrompts, timeout); matched != "" {
		if err := conn.Write(ctx, session.Username); err != nil {
			sessionLogger.Warn("Username write failed", zap.Error(err))
			return
		}
	} else {
		sessionLogger.Warn("No username prompt seen, skipping")
	}

	if matched := conn.ExpectSubstring(ctx, profile.PasswordPrompts, timeout); matched != "" {
		if err := conn.Write(ctx, session.Password); err != nil {
			sessionLogger.Warn("Password write failed", zap.Error(err))
			return
		}
	} else {
		sessionLogger.Warn("No password prompt seen, skipping")
	}

	if err := conn.Write(ctx, ""); err != nil {
		sessionLogger.Warn("Login settle failed", zap.Error(err))
		return
	}
	sessionLogger.Info("Login automation completed")
}

func (s *SessionService) getSession(id uuid.UUID) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return session, nil
}

func (s *SessionService) connectionConfig(baudRate int) (*model.ConnectionConfig, error) {
	return model.NewConnectionConfig(
		baudRate,
		s.config.Serial.DataBits,
		s.config.Serial.Parity,
		s.config.Serial.StopBits,
		s.config.Serial.ReadTimeout,
		s.config.Serial.WriteTimeout,
	)
}

// persist writes the session best effort; a storage failure is logged and
// never rolls back the in-memory state change
func (s *SessionService) persist(ctx context.Context, session *model.Session) {
	if err := s.sessionRepo.Update(ctx, session); err != nil {
		s.logger.Error("Failed to persist session",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *SessionService) recordCommand(ctx context.Context, session *model.Session, result *model.CommandResult) {
	session.AddCommand(result.Command, result.Output, result.Success)
	s.persist(ctx, session)

	record := &model.CommandRecord{
		Command:   result.Command,
		Output:    result.Output,
		Success:   result.Success,
		Timestamp: result.Timestamp,
	}
	if err := s.historyRepo.Append(ctx, session.ID, session.Vendor, record); err != nil {
		s.logger.Error("Failed to persist command record",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *SessionService) failedResult(id uuid.UUID, command string, start time.Time, err error) *model.CommandResult {
	s.logger.Error("Command execution failed",
		zap.String("session_id", id.String()),
		zap.String("command", command),
		zap.Error(err),
	)

	result := &model.CommandResult{
		Command:       command,
		Success:       false,
		Error:         err.Error(),
		ExecutionTime: time.Since(start),
		Timestamp:     time.Now().UTC(),
	}

	if s.events != nil {
		event := model.NewSessionEvent(model.EventSessionError, id, "", "session-service", "ERROR")
		event.Data = model.JSONObject{"error": err.Error(), "command": command}
		s.events.Publish(event)
	}
	return result
}

func (s *SessionService) publishStatus(session *model.Session, eventType model.EventType, message, severity string) {
	if s.events == nil {
		return
	}
	event := model.NewSessionEvent(eventType, session.ID, session.Port, "session-service", severity)
	event.Data = model.JSONObject{
		"device_name": session.DeviceName,
		"vendor_type": session.Vendor,
		"status":      session.Status,
	}
	if message != "" {
		event.Data["message"] = message
	}
	s.events.Publish(event)
}

func (s *SessionService) publishTransition(session *model.Session, eventType model.EventType, previous model.SessionStatus, errorMessage string) {
	if s.events == nil {
		return
	}
	severity := "INFO"
	if eventType == model.EventSessionError {
		severity = "ERROR"
	}
	event := model.NewSessionEvent(eventType, session.ID, session.Port, "session-service", severity)
	event.Data = model.JSONObject{
		"previous_status": previous,
		"new_status":      session.Status,
		"device_name":     session.DeviceName,
		"vendor_type":     session.Vendor,
	}
	if errorMessage != "" {
		event.Data["error_message"] = errorMessage
	}
	s.events.Publish(event)
}

func (s *SessionService) publishCommand(session *model.Session, result *model.CommandResult) {
	if s.events == nil {
		return
	}
	event := model.NewSessionEvent(model.EventCommandExecuted, session.ID, session.Port, "session-service", "INFO")
	event.Data = model.JSONObject{
		"command":      result.Command,
		"success":      result.Success,
		"duration_ms":  result.ExecutionTime.Milliseconds(),
		"output_bytes": len(result.Output),
		"vendor_type":  session.Vendor,
	}
	s.events.Publish(event)
}

// onConnectionChange converts transport-level state changes into events.
// Sessions are looked up by port; a port can serve at most one live session.
func (s *SessionService) onConnectionChange(port string, connected bool) {
	eventType := model.EventConnectionLost
	severity := "WARNING"
	if connected {
		eventType = model.EventConnectionRestored
		severity = "INFO"
	}

	var sessionID uuid.UUID
	s.mu.RLock()
	for _, session := range s.sessions {
		if session.Port == port && session.IsConnected() {
			sessionID = session.ID
			break
		}
	}
	s.mu.RUnlock()

	if s.events != nil {
		event := model.NewSessionEvent(eventType, sessionID, port, "transport", severity)
		event.Data = model.JSONObject{"connected": connected}
		s.events.Publish(event)
	}
}
