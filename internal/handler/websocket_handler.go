// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"console-service/internal/model"
	"console-service/internal/service"
	"console-service/internal/utils"
)

// WebSocketHandler streams terminal output and session events to clients
// and accepts interactive commands over the same connection
type WebSocketHandler struct {
	upgrader       websocket.Upgrader
	connections    *ConnectionManager
	sessionService *service.SessionService
	logger         *utils.ServiceLogger
	eventBus       *EventBus
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	sessionService *service.SessionService,
	eventBus *EventBus,
	logger *zap.Logger,
) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// In production, implement proper origin checking
			return true
		},
	}

	handler := &WebSocketHandler{
		upgrader:       upgrader,
		connections:    NewConnectionManager(),
		sessionService: sessionService,
		logger:         utils.NewServiceLogger(logger, "websocket-handler"),
		eventBus:       eventBus,
	}

	go handler.pumpEvents()

	return handler
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	// Interactive terminal for one session
	router.GET("/sessions/:session_id", h.HandleSessionConnection)

	// Firehose of session lifecycle events
	router.GET("/events", h.HandleEventConnection)
}

// HandleSessionConnection attaches a client to one session's terminal
func (h *WebSocketHandler) HandleSessionConnection(c *gin.Context) {
	sessionIDParam := c.Param("session_id")
	sessionID, err := uuid.Parse(sessionIDParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}

	session, err := h.sessionService.GetSession(sessionID)
	if err != nil {
		c.JSON(utils.StatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "session",
		SessionID:   &sessionIDParam,
		Port:        session.Port,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Session WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionIDParam),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.sendInitialSessionStatus(client, session)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// HandleEventConnection attaches a client to the session event stream
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        "events",
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// pumpEvents relays bus events to connected clients
func (h *WebSocketHandler) pumpEvents() {
	for event := range h.eventBus.SubscribeAll() {
		h.BroadcastSessionEvent(event)
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Error("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "command":
		h.handleSessionCommand(client, message)
	case "send_enter":
		h.handleSendEnter(client)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
	}
}

// handleSessionCommand executes a command on the client's session
func (h *WebSocketHandler) handleSessionCommand(client *Client, message *WebSocketMessage) {
	if client.SessionID == nil {
		h.sendError(client, "command only available on session connections")
		return
	}

	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "invalid command data")
		return
	}

	command, ok := data["command"].(string)
	if !ok {
		h.sendError(client, "command is required")
		return
	}

	sessionID, err := uuid.Parse(*client.SessionID)
	if err != nil {
		h.sendError(client, fmt.Sprintf("invalid session id: %v", err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result := h.sessionService.ExecuteCommand(ctx, sessionID, command)
		h.sendMessage(client, &WebSocketMessage{
			Type:      "command_response",
			Data:      result,
			Timestamp: time.Now(),
		})
	}()
}

// handleSendEnter nudges the CLI into showing a prompt
func (h *WebSocketHandler) handleSendEnter(client *Client) {
	if client.SessionID == nil {
		h.sendError(client, "send_enter only available on session connections")
		return
	}

	sessionID, err := uuid.Parse(*client.SessionID)
	if err != nil {
		h.sendError(client, fmt.Sprintf("invalid session id: %v", err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result := h.sessionService.SendEnter(ctx, sessionID)
		h.sendMessage(client, &WebSocketMessage{
			Type:      "command_response",
			Data:      result,
			Timestamp: time.Now(),
		})
	}()
}

// sendInitialSessionStatus sends the session snapshot right after attach
func (h *WebSocketHandler) sendInitialSessionStatus(client *Client, session *model.Session) {
	message := &WebSocketMessage{
		Type:      "initial_status",
		Data:      session,
		Timestamp: time.Now(),
	}

	h.sendMessage(client, message)
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	message := &WebSocketMessage{
		Type: "error",
		Data: map[string]interface{}{
			"error": errorMsg,
		},
		Timestamp: time.Now(),
	}
	h.sendMessage(client, message)
}

// BroadcastSessionEvent relays one session event to interested clients
func (h *WebSocketHandler) BroadcastSessionEvent(event *model.SessionEvent) {
	message := &WebSocketMessage{
		Type:      "session_event",
		Data:      event,
		Timestamp: time.Now(),
	}

	if event.SessionID != uuid.Nil {
		h.broadcastToClients(h.connections.GetSessionClients(event.SessionID.String()), message)
	} else if event.Port != "" {
		h.broadcastToClients(h.connections.GetPortClients(event.Port), message)
	}
	h.broadcastToClients(h.connections.GetEventClients(), message)
}

// BroadcastTerminalData streams raw device output to session clients on a
// port. Called from the transport data listener.
func (h *WebSocketHandler) BroadcastTerminalData(port string, data []byte) {
	message := &WebSocketMessage{
		Type: "terminal_data",
		Data: map[string]interface{}{
			"port": port,
			"data": string(data),
		},
		Timestamp: time.Now(),
	}

	h.broadcastToClients(h.connections.GetPortClients(port), message)
}

// broadcastToClients broadcasts message to specified clients
func (h *WebSocketHandler) broadcastToClients(clients []*Client, message *WebSocketMessage) {
	if len(clients) == 0 {
		return
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.Send <- messageBytes:
		default:
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ClientStats {
	return h.connections.GetStats()
}
