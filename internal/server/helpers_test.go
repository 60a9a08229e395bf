package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/maproom/internal/bus"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/roomcode"
	"github.com/npezzotti/maproom/internal/stats"
	"github.com/npezzotti/maproom/internal/testutil"
	"github.com/npezzotti/maproom/internal/types"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 2 * time.Second

func newTestStore(t *testing.T) *database.SQLStore {
	t.Helper()

	store, err := database.Open(database.DriverSQLite, ":memory:", roomcode.NewGenerator(""))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	return store
}

func testSnapshot(name string) types.MapSnapshot {
	return types.MapSnapshot{
		Name:   name,
		Color:  "#336699",
		Models: json.RawMessage(`[{"x":1,"y":1,"z":0}]`),
		Width:  8,
		Height: 8,
		Depth:  1,
	}
}

// createRoom stores a map and a session for it under code.
func createRoom(t *testing.T, store *database.SQLStore, code string) database.Session {
	t.Helper()
	ctx := context.Background()

	m, err := store.CreateMap(ctx, database.CreateMapParams{OwnerId: 1, MapSnapshot: testSnapshot("map-" + code)})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx,
		"INSERT INTO sessions (code, resource_id, owner_id, created_at) VALUES (?, ?, ?, ?)",
		code, m.Id, 1, time.Now().UTC())
	require.NoError(t, err)

	sess, err := store.FindByCode(ctx, code)
	require.NoError(t, err)
	return sess
}

func newTestGateway(t *testing.T, store database.MapRoomRepository, b bus.Bus) *Gateway {
	t.Helper()

	gw := NewGateway(testutil.TestLogger(t), store, b, roomcode.NewGenerator(""),
		stats.NewStatsUpdater(http.NewServeMux()), GatewayConfig{JoinRate: 100, JoinBurst: 100})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})
	return gw
}

// serveGateway exposes gw on a test server and returns its websocket URL.
func serveGateway(t *testing.T, gw *Gateway) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.Serve(conn, r.URL.Query().Get("code"))
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, code string) *websocket.Conn {
	t.Helper()

	if code != "" {
		url += "?code=" + code
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Id    int             `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e wireEvent) message(t *testing.T) string {
	t.Helper()
	var n Notice
	require.NoError(t, json.Unmarshal(e.Data, &n))
	return n.Message
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(eventTimeout))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected an event")

	var ev wireEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

// readEvents reads n events and returns their names in order.
func readEvents(t *testing.T, conn *websocket.Conn, n int) []wireEvent {
	t.Helper()

	events := make([]wireEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, readEvent(t, conn))
	}
	return events
}

func names(events []wireEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event)
	}
	return out
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "expected no event, got %s", raw)
}

// joinRoom dials code and consumes the connect, connected and snapshot
// events of a successful join.
func joinRoom(t *testing.T, url, code string) *websocket.Conn {
	t.Helper()

	conn := dial(t, url, code)
	require.Equal(t, []string{EventConnect, EventConnected, EventUpdate}, names(readEvents(t, conn, 3)))
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// failingBus wraps a local bus whose publishes can be made to fail.
type failingBus struct {
	*bus.Local
	mu   sync.Mutex
	fail bool
}

func (b *failingBus) failing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

func (b *failingBus) Publish(ctx context.Context, code string, ev bus.Event) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return bus.ErrUnavailable
	}
	return b.Local.Publish(ctx, code, ev)
}

func (b *failingBus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fail
}
