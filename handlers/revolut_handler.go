package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/LovationAdmin/household-budget/middleware"
	"github.com/LovationAdmin/household-budget/models"
	"github.com/LovationAdmin/household-budget/services"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/gin-gonic/gin"
)

const (
	defaultSyncLogLimit = 20
	maxSyncLogLimit     = 100
)

// RevolutConnector is the connection side of services.TokenManager.
type RevolutConnector interface {
	AuthorizationURL(householdID string) (string, error)
	ParseState(state string) (string, error)
	CompleteAuthorization(ctx context.Context, householdID, code, consentID string) (*models.RevolutConnection, error)
	Disconnect(ctx context.Context, householdID string) error
	Status(ctx context.Context, householdID string) (models.ConnectionStatus, error)
}

// RevolutSyncer is implemented by services.SyncService.
type RevolutSyncer interface {
	Sync(ctx context.Context, householdID string, syncType models.SyncType) (*services.SyncResult, error)
}

type RevolutHandler struct {
	Connector RevolutConnector
	Syncer    RevolutSyncer
	Logs      services.SyncLogStore
}

func NewRevolutHandler(connector RevolutConnector, syncer RevolutSyncer, logs services.SyncLogStore) *RevolutHandler {
	return &RevolutHandler{Connector: connector, Syncer: syncer, Logs: logs}
}

// ============================================================================
// 1. AUTHORIZE - consent page URL
// ============================================================================

func (h *RevolutHandler) Authorize(c *gin.Context) {
	householdID := c.Param("id")

	authURL, err := h.Connector.AuthorizationURL(householdID)
	if err != nil {
		writeRevolutError(c, err)
		return
	}

	utils.LogBankingAction("authorization started", householdID, "user "+utils.MaskID(middleware.GetUserID(c)))
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// ============================================================================
// 2. CALLBACK - code exchange
// ============================================================================

func (h *RevolutHandler) Callback(c *gin.Context) {
	householdID := c.Param("id")

	var req models.RevolutCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": "code and state are required",
		})
		return
	}

	stateHousehold, err := h.Connector.ParseState(req.State)
	if err != nil {
		writeRevolutError(c, err)
		return
	}
	if stateHousehold != householdID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "State does not match household", "code": "invalid_state"})
		return
	}

	if _, err := h.Connector.CompleteAuthorization(c.Request.Context(), householdID, req.Code, req.ConsentID); err != nil {
		writeRevolutError(c, err)
		return
	}

	status, err := h.Connector.Status(c.Request.Context(), householdID)
	if err != nil {
		writeRevolutError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ============================================================================
// 3. CONNECTION - status / disconnect
// ============================================================================

func (h *RevolutHandler) GetConnection(c *gin.Context) {
	status, err := h.Connector.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeRevolutError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *RevolutHandler) DeleteConnection(c *gin.Context) {
	householdID := c.Param("id")

	if err := h.Connector.Disconnect(c.Request.Context(), householdID); err != nil {
		writeRevolutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connection removed"})
}

// ============================================================================
// 4. SYNC NOW
// ============================================================================

func (h *RevolutHandler) Sync(c *gin.Context) {
	householdID := c.Param("id")

	var req models.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	syncType, ok := models.ParseSyncType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid sync type",
			"details": "type must be one of all, accounts, balances, transactions",
		})
		return
	}

	result, err := h.Syncer.Sync(c.Request.Context(), householdID, syncType)
	if err != nil && result == nil {
		writeRevolutError(c, err)
		return
	}
	if err != nil {
		status, body := revolutErrorResponse(c, err)
		body["result"] = result
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ============================================================================
// 5. SYNC LOGS
// ============================================================================

func (h *RevolutHandler) GetSyncLogs(c *gin.Context) {
	limit := defaultSyncLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSyncLogLimit)
	}

	logs, err := h.Logs.ListSyncLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeRevolutError(c, err)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	c.JSON(http.StatusOK, gin.H{"sync_logs": logs})
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

func writeRevolutError(c *gin.Context, err error) {
	status, body := revolutErrorResponse(c, err)
	c.JSON(status, body)
}

func revolutErrorResponse(c *gin.Context, err error) (int, gin.H) {
	var rerr *services.RevolutError
	errors.As(err, &rerr)
	code := ""
	message := err.Error()
	if rerr != nil {
		code = rerr.Code
		if rerr.Message != "" {
			message = rerr.Message
		}
	}

	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, gin.H{"error": message, "code": orCode(code, "validation")}
	case errors.Is(err, services.ErrNoActiveConnection):
		return http.StatusNotFound, gin.H{"error": "No active Revolut connection", "code": "no_connection"}
	case errors.Is(err, services.ErrConsentExpired):
		return http.StatusConflict, gin.H{"error": "Bank consent expired, reconnect your account", "code": "consent_expired"}
	case errors.Is(err, services.ErrRateLimited):
		if wait, ok := services.RetryAfter(err); ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		return http.StatusTooManyRequests, gin.H{"error": "Bank rate limit reached, try again later", "code": "rate_limited"}
	case errors.Is(err, services.ErrNetwork):
		return http.StatusBadGateway, gin.H{"error": "Bank unreachable", "code": "network"}
	case errors.Is(err, services.ErrAuth):
		return http.StatusBadGateway, gin.H{"error": message, "code": orCode(code, "auth")}
	}

	utils.SafeError("[Revolut] request failed: %v", err)
	return http.StatusInternalServerError, gin.H{"error": "Internal server error"}
}

func orCode(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}
