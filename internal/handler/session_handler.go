// internal/handler/session_handler.go
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"console-service/internal/model"
	"console-service/internal/repository"
	"console-service/internal/service"
	"console-service/internal/transport"
	"console-service/internal/utils"
	"console-service/internal/vendor"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionHandler handles session-related HTTP requests
type SessionHandler struct {
	sessionService *service.SessionService
	transport      *transport.Manager
	logger         *utils.ServiceLogger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessionService *service.SessionService, transportMgr *transport.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		transport:      transportMgr,
		logger:         utils.NewServiceLogger(logger, "session-handler"),
	}
}

// RegisterRoutes registers session-related routes
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/stored", h.ListStoredSessions)
		sessions.GET("/stats", h.GetStats)

		sessionRoutes := sessions.Group("/:id")
		{
			sessionRoutes.GET("", h.GetSession)
			sessionRoutes.POST("/connect", h.ConnectSession)
			sessionRoutes.POST("/disconnect", h.DisconnectSession)
			sessionRoutes.POST("/execute", h.ExecuteCommand)
			sessionRoutes.POST("/send-enter", h.SendEnter)
			sessionRoutes.POST("/operations/:operation", h.ExecuteOperation)
			sessionRoutes.GET("/device-info", h.GetDeviceInfo)
			sessionRoutes.GET("/history", h.GetHistory)
		}
	}

	ports := router.Group("/ports")
	{
		ports.GET("", h.ListPorts)
		ports.GET("/stats", h.GetPortStats)
	}

	vendors := router.Group("/vendors")
	{
		vendors.GET("", h.ListVendors)
		vendors.GET("/operations", h.ListOperations)
		vendors.GET("/:vendor/translate", h.TranslateCommand)
	}
}

// CreateSession creates a new console session
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fieldErrors := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fieldErrors[strings.ToLower(fe.Field())] = fe.Tag()
			}
			utils.ValidationErrorResponse(c, fieldErrors)
			return
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		utils.ErrorResponseFromErr(c, "Failed to create session", err)
		return
	}

	h.logger.Info("Session created", zap.String("session_id", session.ID.String()))
	utils.SuccessResponse(c, http.StatusCreated, "Session created successfully", session)
}

// ListSessions lists all live sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.sessionService.ListSessions()
	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved successfully", gin.H{
		"sessions": sessions,
		"count":    len(sessions),
		"active":   h.sessionService.ActiveSessionCount(),
	})
}

// ListStoredSessions lists persisted sessions with filtering and pagination
func (h *SessionHandler) ListStoredSessions(c *gin.Context) {
	filter := &repository.SessionFilter{
		Page:      1,
		PerPage:   20,
		SortBy:    "start_time",
		SortOrder: "desc",
	}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 && pp <= 100 {
			filter.PerPage = pp
		}
	}

	if vendorParam := c.Query("vendor_type"); vendorParam != "" {
		v := model.VendorType(vendorParam)
		filter.Vendor = &v
	}
	if status := c.Query("status"); status != "" {
		s := model.SessionStatus(status)
		filter.Status = &s
	}
	if port := c.Query("port"); port != "" {
		filter.Port = &port
	}
	if search := c.Query("search"); search != "" {
		filter.SearchTerm = &search
	}
	if sortBy := c.Query("sort_by"); sortBy != "" {
		filter.SortBy = sortBy
	}
	if sortOrder := c.Query("sort_order"); sortOrder != "" {
		filter.SortOrder = sortOrder
	}

	sessions, total, err := h.sessionService.ListStoredSessions(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list stored sessions", zap.Error(err))
		utils.ErrorResponseFromErr(c, "Failed to list sessions", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved successfully", gin.H{
		"sessions": sessions,
		"pagination": gin.H{
			"page":     filter.Page,
			"per_page": filter.PerPage,
			"total":    total,
		},
	})
}

// GetSession returns one live session
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	session, err := h.sessionService.GetSession(id)
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to get session", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session retrieved successfully", session)
}

// ConnectSession opens the serial transport for a session
func (h *SessionHandler) ConnectSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	if err := h.sessionService.ConnectSession(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to connect session",
			zap.String("session_id", id.String()),
			zap.Error(err),
		)
		utils.ErrorResponseFromErr(c, "Failed to connect session", err)
		return
	}

	session, _ := h.sessionService.GetSession(id)
	utils.SuccessResponse(c, http.StatusOK, "Session connected successfully", session)
}

// DisconnectSession closes the serial transport for a session
func (h *SessionHandler) DisconnectSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	if err := h.sessionService.DisconnectSession(c.Request.Context(), id); err != nil {
		utils.ErrorResponseFromErr(c, "Failed to disconnect session", err)
		return
	}

	session, _ := h.sessionService.GetSession(id)
	utils.SuccessResponse(c, http.StatusOK, "Session disconnected successfully", session)
}

// ExecuteCommandRequest carries a raw CLI command
type ExecuteCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// ExecuteCommand runs a command on the session's device
func (h *SessionHandler) ExecuteCommand(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req ExecuteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result := h.sessionService.ExecuteCommand(c.Request.Context(), id, req.Command)
	if result.Error != "" {
		utils.SuccessResponse(c, http.StatusOK, "Command failed", result)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command executed successfully", result)
}

// SendEnter writes a bare line terminator to the device
func (h *SessionHandler) SendEnter(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	result := h.sessionService.SendEnter(c.Request.Context(), id)
	utils.SuccessResponse(c, http.StatusOK, "Enter sent", result)
}

// ExecuteOperation runs a catalogue operation with optional parameters
func (h *SessionHandler) ExecuteOperation(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	operation := c.Param("operation")

	var params map[string]string
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	results, err := h.sessionService.ExecuteOperation(c.Request.Context(), id, operation, params)
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to execute operation", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operation executed", gin.H{
		"operation": operation,
		"results":   results,
	})
}

// GetDeviceInfo probes and returns the device identity
func (h *SessionHandler) GetDeviceInfo(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	info, raw, err := h.sessionService.FetchDeviceInfo(c.Request.Context(), id)
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to fetch device info", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device info retrieved successfully", gin.H{
		"device_info": info,
		"raw_output":  raw,
	})
}

// GetHistory returns the persisted command history for a session
func (h *SessionHandler) GetHistory(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	limit := 100
	if limitParam := c.Query("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	records, err := h.sessionService.GetCommandHistory(c.Request.Context(), id, limit)
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to get command history", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "History retrieved successfully", gin.H{
		"session_id": id,
		"commands":   records,
		"count":      len(records),
	})
}

// GetStats returns aggregate session statistics
func (h *SessionHandler) GetStats(c *gin.Context) {
	stats, err := h.sessionService.GetStats(c.Request.Context())
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to get statistics", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Statistics retrieved successfully", stats)
}

// ListPorts enumerates physical serial ports on the host
func (h *SessionHandler) ListPorts(c *gin.Context) {
	ports, err := h.transport.ListPorts()
	if err != nil {
		h.logger.Error("Failed to enumerate ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to enumerate serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved successfully", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// GetPortStats returns transport counters for all open connections
func (h *SessionHandler) GetPortStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Port statistics retrieved successfully", h.transport.AllStats())
}

// ListVendors returns the supported vendor dialects
func (h *SessionHandler) ListVendors(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Vendors retrieved successfully", gin.H{
		"vendors": vendor.SupportedVendors(),
	})
}

// ListOperations returns the command catalogue operations
func (h *SessionHandler) ListOperations(c *gin.Context) {
	operations := vendor.AllOperations()
	catalogue := make(map[string][]model.VendorType, len(operations))
	for _, op := range operations {
		catalogue[op] = vendor.VendorsForOperation(op)
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved successfully", gin.H{
		"operations": catalogue,
	})
}

// TranslateCommand maps a free-form command onto a vendor's dialect
func (h *SessionHandler) TranslateCommand(c *gin.Context) {
	vendorType := model.VendorType(c.Param("vendor"))
	if !vendorType.IsValid() {
		utils.ErrorResponse(c, http.StatusBadRequest, "Unsupported vendor", nil)
		return
	}

	command := c.Query("command")
	if command == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "command query parameter is required", nil)
		return
	}

	source := model.VendorCisco
	if sourceParam := c.Query("source"); sourceParam != "" {
		source = model.VendorType(sourceParam)
		if !source.IsValid() {
			utils.ErrorResponse(c, http.StatusBadRequest, "Unsupported source vendor", nil)
			return
		}
	}

	translated, err := vendor.TranslateCommand(command, source, vendorType)
	if err != nil {
		utils.ErrorResponseFromErr(c, "Failed to translate command", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command translated successfully", gin.H{
		"source":      source,
		"vendor_type": vendorType,
		"input":       command,
		"operation":   vendor.OperationForCommand(command, source),
		"commands":    translated,
	})
}

func (h *SessionHandler) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
		return uuid.Nil, false
	}
	return id, true
}
