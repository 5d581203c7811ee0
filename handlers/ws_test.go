package handlers_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LovationAdmin/household-budget/handlers"
	"github.com/LovationAdmin/household-budget/models"
	"github.com/LovationAdmin/household-budget/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/olahol/melody"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSHandlerBroadcastsToHousehold(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ws := handlers.NewWSHandler()
	defer ws.M.Close()

	connected := make(chan struct{}, 2)
	ws.M.HandleConnect(func(*melody.Session) { connected <- struct{}{} })

	r := gin.New()
	r.GET("/ws/households/:id", ws.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/households/"
	member, _, err := websocket.DefaultDialer.Dial(base+"hh-1", nil)
	require.NoError(t, err)
	defer member.Close()
	other, _, err := websocket.DefaultDialer.Dial(base+"hh-2", nil)
	require.NoError(t, err)
	defer other.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(2 * time.Second):
			t.Fatal("websocket sessions did not connect")
		}
	}

	ws.SyncFinished(context.Background(), "hh-1", &services.SyncResult{
		LogID:  "log-1",
		Type:   models.SyncTypeAll,
		Status: models.SyncStatusSuccess,
	})

	require.NoError(t, member.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := member.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type   string               `json:"type"`
		Result *services.SyncResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, services.SyncEventFinished, msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "log-1", msg.Result.LogID)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other households receive nothing")
}
