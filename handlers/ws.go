package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/LovationAdmin/household-budget/services"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/gin-gonic/gin"
	"github.com/olahol/melody"
)

const householdKey = "household_id"

type WSHandler struct {
	M *melody.Melody
}

func NewWSHandler() *WSHandler {
	m := melody.New()

	// Configurer la taille max des messages
	m.Config.MaxMessageSize = 1024 * 1024

	// Keep-alive for hosted proxies that drop idle connections.
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(s *melody.Session) {
		householdID, _ := s.Get(householdKey)
		utils.SafeDebug("[WS] client connected to household %v", householdID)
	})

	m.HandleDisconnect(func(s *melody.Session) {
		householdID, _ := s.Get(householdKey)
		utils.SafeDebug("[WS] client disconnected from household %v", householdID)
	})

	m.HandleError(func(s *melody.Session, err error) {
		utils.SafeWarn("[WS] error: %v", err)
	})

	return &WSHandler{M: m}
}

// HandleWS gère la connexion WebSocket et associe la session au foyer
func (h *WSHandler) HandleWS(c *gin.Context) {
	keys := map[string]interface{}{householdKey: c.Param("id")}
	if err := h.M.HandleRequestWithKeys(c.Writer, c.Request, keys); err != nil {
		utils.SafeWarn("[WS] failed to upgrade websocket: %v", err)
	}
}

type syncMessage struct {
	Type   string               `json:"type"`
	Result *services.SyncResult `json:"result"`
}

// SyncFinished envoie le résultat de synchronisation à tous les clients du foyer
func (h *WSHandler) SyncFinished(_ context.Context, householdID string, result *services.SyncResult) {
	msg, err := json.Marshal(syncMessage{Type: services.SyncEventFinished, Result: result})
	if err != nil {
		utils.SafeWarn("[WS] marshal sync message: %v", err)
		return
	}
	h.broadcast(householdID, msg)
}

func (h *WSHandler) broadcast(householdID string, msg []byte) {
	err := h.M.BroadcastFilter(msg, func(q *melody.Session) bool {
		id, exists := q.Get(householdKey)
		return exists && id == householdID
	})
	if err != nil {
		utils.SafeWarn("[WS] broadcast to household %s: %v", utils.MaskID(householdID), err)
	}
}
