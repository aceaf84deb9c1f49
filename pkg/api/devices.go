package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/network"
	"github.com/ZentaChain/devlink/pkg/storage"
)

// SendRequest is the body of POST /api/v1/devices/:id/send
type SendRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendResponse reports the transmission ID the text was queued under
type SendResponse struct {
	Success        bool   `json:"success"`
	DeviceID       string `json:"device_id"`
	TransmissionID uint16 `json:"transmission_id"`
}

// DevicesResponse lists live connections
type DevicesResponse struct {
	Count   int                  `json:"count"`
	Devices []network.DeviceInfo `json:"devices"`
}

// HistoryResponse lists persisted devices
type HistoryResponse struct {
	Count   int                     `json:"count"`
	Devices []*storage.DeviceRecord `json:"devices"`
}

// LogsResponse lists log entries newest first
type LogsResponse struct {
	Count   int                 `json:"count"`
	Entries []*storage.LogEntry `json:"entries"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Devices int    `json:"devices"`
	Uptime  string `json:"uptime"`
}

// handleListDevices handles GET /api/v1/devices
func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.devices.Devices()
	c.JSON(http.StatusOK, DevicesResponse{Count: len(devices), Devices: devices})
}

// handleGetDevice handles GET /api/v1/devices/:id
func (s *Server) handleGetDevice(c *gin.Context) {
	info, ok := s.devices.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown device", Message: c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleSend handles POST /api/v1/devices/:id/send
func (s *Server) handleSend(c *gin.Context) {
	id := c.Param("id")

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "text is required"})
		return
	}

	tid, err := s.devices.Send(id, req.Text)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, network.ErrUnknownDevice):
			status = http.StatusNotFound
		case errors.Is(err, network.ErrNotReady), errors.Is(err, network.ErrTerminated):
			status = http.StatusConflict
		default:
			s.logger.Error("Failed to send to device", zap.String("conn_id", id), zap.Error(err))
		}
		c.JSON(status, ErrorResponse{Error: "Send failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, SendResponse{Success: true, DeviceID: id, TransmissionID: tid})
}

// handleDisconnect handles DELETE /api/v1/devices/:id
func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.devices.Disconnect(c.Param("id")); err != nil {
		if errors.Is(err, network.ErrUnknownDevice) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown device", Message: c.Param("id")})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Disconnect failed", Message: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleHistory handles GET /api/v1/history?online=true
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Storage disabled"})
		return
	}

	onlineOnly, _ := strconv.ParseBool(c.DefaultQuery("online", "false"))
	devices, err := s.history.ListDevices(onlineOnly)
	if err != nil {
		s.logger.Error("Failed to list device history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Storage error"})
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Count: len(devices), Devices: devices})
}

// handleLogs handles GET /api/v1/logs?limit=N
func (s *Server) handleLogs(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Storage disabled"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: "limit must be a non-negative number"})
			return
		}
		limit = n
	}

	entries, err := s.history.RecentLogs(limit)
	if err != nil {
		s.logger.Error("Failed to read logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Storage error"})
		return
	}
	c.JSON(http.StatusOK, LogsResponse{Count: len(entries), Entries: entries})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Devices: len(s.devices.Devices()),
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	})
}
