package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/script-presence/models"
	"chorus/script-presence/services"
	"chorus/script-presence/utils"
)

const defaultScriptID = "default"

type PresenceHandler struct {
	service      *services.PresenceService
	logger       *utils.Logger
	storeTimeout time.Duration
	exposeErrors bool
}

func NewPresenceHandler(service *services.PresenceService, logger *utils.Logger, storeTimeout time.Duration, exposeErrors bool) *PresenceHandler {
	return &PresenceHandler{
		service:      service,
		logger:       logger,
		storeTimeout: storeTimeout,
		exposeErrors: exposeErrors,
	}
}

// Register handles POST /api/register
func (h *PresenceHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadBody(c, err)
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.service.Register(ctx, req.ScriptID, req.UserID, req.UserInfo, c.ClientIP())
	if err != nil {
		h.respondError(c, "register", err)
		return
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: res})
}

// Heartbeat handles POST /api/heartbeat
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadBody(c, err)
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.service.Heartbeat(ctx, req.ScriptID, req.UserID)
	if err != nil {
		h.respondError(c, "heartbeat", err)
		return
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: res})
}

// Unregister handles POST /api/unregister
func (h *PresenceHandler) Unregister(c *gin.Context) {
	var req models.UnregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBadBody(c, err)
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.service.Unregister(ctx, req.ScriptID, req.UserID, req.SessionID)
	if err != nil {
		h.respondError(c, "unregister", err)
		return
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: res})
}

// GetStatus handles GET /api/status?scriptId=&detailed=
func (h *PresenceHandler) GetStatus(c *gin.Context) {
	scriptID := c.DefaultQuery("scriptId", defaultScriptID)
	detailed := c.Query("detailed") == "true" || c.Query("detailed") == "1"

	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.service.GetStatus(ctx, scriptID, detailed)
	if err != nil {
		h.respondError(c, "status", err)
		return
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: res})
}

// AllStatus handles GET /api/all-status
func (h *PresenceHandler) AllStatus(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.service.GetFleetSummary(ctx)
	if err != nil {
		h.respondError(c, "fleet summary", err)
		return
	}

	c.JSON(http.StatusOK, models.Response{Success: true, Data: res})
}

func (h *PresenceHandler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.storeTimeout)
}

func (h *PresenceHandler) respondBadBody(c *gin.Context, err error) {
	resp := models.Response{
		Success: false,
		Error:   "Invalid request body",
		Code:    services.CodeValidation,
	}
	if h.exposeErrors {
		resp.Message = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

func (h *PresenceHandler) respondError(c *gin.Context, op string, err error) {
	var perr *services.Error
	if !errors.As(err, &perr) {
		perr = &services.Error{
			Code:    services.ErrInfrastructure.Code,
			Message: services.ErrInfrastructure.Message,
			Action:  services.ErrInfrastructure.Action,
			Err:     err,
		}
	}

	status := statusForCode(perr.Code)

	resp := models.Response{
		Success: false,
		Error:   perr.Message,
		Code:    perr.Code,
		Action:  perr.Action,
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Presence "+op+" failed", "error", err, "path", c.Request.URL.Path)
		if h.exposeErrors && perr.Err != nil {
			resp.Message = perr.Err.Error()
		}
	} else {
		h.logger.Debug("Presence "+op+" rejected", "code", perr.Code, "error", err)
	}

	c.JSON(status, resp)
}

func statusForCode(code string) int {
	switch code {
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeSessionExpired:
		return http.StatusNotFound
	case services.CodeSessionCorrupted:
		return http.StatusGone
	case services.CodeInvalidSession:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
