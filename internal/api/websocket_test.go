package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
)

func dialHub(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHubBroadcastsTransitions(t *testing.T) {
	env := newTestEnv(t)
	startHub(t, env.hub)

	conn := dialHub(t, env)
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	o := env.createOrder(t, marketBuy)
	resp := env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/assign", `{"portfolio_id":"p1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type string            `json:"type"`
		Data domain.Transition `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, "order.transition", evt.Type)
	assert.Equal(t, o.ID, evt.Data.OrderID)
	assert.Equal(t, domain.OrderStatusPending, evt.Data.From)
	assert.Equal(t, domain.OrderStatusApproved, evt.Data.To)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	env := newTestEnv(t)
	startHub(t, env.hub)

	conn := dialHub(t, env)
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubNeverBlocksNotifier(t *testing.T) {
	h := NewHub(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			h.OrderTransitioned(domain.Transition{OrderID: "o1", To: domain.OrderStatusApproved})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OrderTransitioned blocked without a running hub")
	}
	assert.Len(t, h.broadcast, broadcastBuffer)
}
