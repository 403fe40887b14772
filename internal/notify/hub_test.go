package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcastrocs/steamidler/internal/domain"
)

// testHub sets up a Hub behind a test HTTP server that upgrades
// connections. Returns the hub and a dial function.
func testHub(t *testing.T, pingInterval time.Duration) (*Hub, func(userID uuid.UUID) *ws.Conn) {
	t.Helper()

	hub := NewHub(clockwork.NewRealClock(), pingInterval)
	t.Cleanup(func() { hub.Stop() })

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		userID := uuid.MustParse(r.URL.Query().Get("user"))
		hub.Register(userID, conn)

		go func() {
			defer hub.Unregister(userID, conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}))
	t.Cleanup(server.Close)

	dial := func(userID uuid.UUID) *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=" + userID.String()
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return hub, dial
}

func readEvent(t *testing.T, conn *ws.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestHub_SendDeliversToRegisteredUser(t *testing.T) {
	hub, dial := testHub(t, time.Minute)
	userID := uuid.New()
	conn := dial(userID)

	hub.Send(userID, "steamaccount/add", domain.NotifySuccess, map[string]string{"accountName": "alice"})

	event := readEvent(t, conn)
	assert.Equal(t, "steamaccount/add", event.Route)
	assert.Equal(t, domain.NotifySuccess, event.Kind)
}

func TestHub_SendWithoutConnectionIsNoop(t *testing.T) {
	hub, _ := testHub(t, time.Minute)

	// Must not block or error.
	hub.Send(uuid.New(), "connection/reconnecting", domain.NotifyInfo, nil)
}

func TestHub_NewConnectionReplacesPrior(t *testing.T) {
	hub, dial := testHub(t, time.Minute)
	userID := uuid.New()

	first := dial(userID)
	second := dial(userID)

	// The first connection gets terminated by the replacement.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	hub.Send(userID, "farming/start", domain.NotifyInfo, nil)
	event := readEvent(t, second)
	assert.Equal(t, "farming/start", event.Route)
}

func TestHub_ProbeEvictsUnresponsiveConnection(t *testing.T) {
	hub, dial := testHub(t, 50*time.Millisecond)
	userID := uuid.New()

	conn := dial(userID)
	// Never acknowledge pings; the hub only learns about pongs through
	// Hub.Pong, which this client never triggers.
	conn.SetPingHandler(func(string) error { return nil })

	// After two probe intervals without an acknowledgement the hub evicts
	// the connection, which surfaces as a read error on the client.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Sends after eviction are silent no-ops.
	hub.Send(userID, "connection/reconnecting", domain.NotifyInfo, nil)
}
