package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/maproom/internal/bus"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/roomcode"
	"github.com/npezzotti/maproom/internal/rooms"
	"github.com/npezzotti/maproom/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrMalformedCode = errors.New("malformed room code")
	ErrShuttingDown  = errors.New("gateway is shutting down")
)

const (
	metricConnections = "connections"
	metricRooms       = "rooms"
	metricBusDegraded = "bus_degraded"
)

type GatewayConfig struct {
	// JoinRate is the number of join attempts per second allowed on a
	// single connection.
	JoinRate  float64
	JoinBurst int
	// LookupTimeout bounds registry calls made while joining.
	LookupTimeout time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.JoinRate <= 0 {
		c.JoinRate = 1
	}
	if c.JoinBurst <= 0 {
		c.JoinBurst = 3
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	return c
}

// memberPayload identifies the connection behind memberJoined and
// memberLeft events.
type memberPayload struct {
	Conn string `json:"conn"`
}

// Gateway owns the live viewer connections of this process.
type Gateway struct {
	log   zerolog.Logger
	db    database.MapRoomRepository
	bus   bus.Bus
	codes *roomcode.Generator
	rooms *rooms.Table
	stats stats.StatsProvider
	cfg   GatewayConfig

	clientsLock  sync.RWMutex
	clients      map[string]*Client
	shuttingDown bool
	pumps        sync.WaitGroup
}

func NewGateway(logger zerolog.Logger, db database.MapRoomRepository, b bus.Bus, codes *roomcode.Generator,
	su stats.StatsProvider, cfg GatewayConfig) *Gateway {
	gw := &Gateway{
		log:     logger.With().Str("component", "gateway").Logger(),
		db:      db,
		bus:     b,
		codes:   codes,
		stats:   su,
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*Client),
	}
	gw.rooms = rooms.NewTable(b, gw.Dispatch, logger)

	su.RegisterMetric(metricConnections)
	su.RegisterFunc(metricRooms, func() float64 {
		return float64(gw.rooms.Rooms())
	})
	su.RegisterFunc(metricBusDegraded, func() float64 {
		if b.Degraded() {
			return 1
		}
		return 0
	})

	return gw
}

func (gw *Gateway) newJoinLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(gw.cfg.JoinRate), gw.cfg.JoinBurst)
}

// Serve starts the pumps for an upgraded connection. code is the room code
// from the handshake.
func (gw *Gateway) Serve(conn *websocket.Conn, code string) (*Client, error) {
	c := NewClient(conn, gw, gw.log, code)
	if err := gw.Register(c); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, msgServerShuttingDown),
			time.Now().Add(writeWait))
		conn.Close()
		return nil, err
	}

	gw.pumps.Add(2)
	go func() {
		defer gw.pumps.Done()
		c.Write()
	}()
	go func() {
		defer gw.pumps.Done()
		c.Read()
	}()

	return c, nil
}

func (gw *Gateway) Register(c *Client) error {
	gw.clientsLock.Lock()
	defer gw.clientsLock.Unlock()

	if gw.shuttingDown {
		return ErrShuttingDown
	}
	gw.clients[c.id] = c
	gw.stats.Incr(metricConnections)
	gw.log.Debug().Str("conn", c.id).Msg("connection registered")
	return nil
}

// Deregister removes c and drains it from every room before returning.
func (gw *Gateway) Deregister(c *Client) {
	gw.Leave(c, 0, false)
	// a join interrupted between the table and the state change leaves
	// membership behind
	if left := gw.rooms.Leave(c.id); len(left) > 0 {
		gw.log.Warn().Str("conn", c.id).Strs("rooms", left).Msg("drained stale room membership")
	}

	gw.clientsLock.Lock()
	_, ok := gw.clients[c.id]
	delete(gw.clients, c.id)
	gw.clientsLock.Unlock()

	if ok {
		gw.stats.Decr(metricConnections)
		gw.log.Debug().Str("conn", c.id).Msg("connection removed")
	}
}

func (gw *Gateway) client(id string) *Client {
	gw.clientsLock.RLock()
	defer gw.clientsLock.RUnlock()
	return gw.clients[id]
}

// Join moves c into the room named by raw. Every outcome sends exactly one
// error or roomNotFound event, or a successful join sequence:
// connect, connected and the current map as an update.
func (gw *Gateway) Join(c *Client, msgId int, raw string) {
	if !c.joins.Allow() {
		c.log.Warn().Msg("join rate exceeded")
		c.queueMessage(ErrGeneral(msgId))
		return
	}

	code, ok := gw.codes.Parse(raw)
	if !ok {
		c.log.Debug().Err(ErrMalformedCode).Str("code", raw).Msg("rejecting join")
		c.queueMessage(ErrMalformedRequest(msgId))
		return
	}

	prevState, prevRoom := c.State()
	if prevState == StateJoined && prevRoom == code {
		c.queueMessage(ConnectedNotice(msgId, code))
		return
	}

	// a joined viewer keeps its room until the new code resolves
	if prevState != StateJoined {
		c.setState(StateConnecting, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.LookupTimeout)
	defer cancel()

	sess, err := gw.db.FindByCode(ctx, code)
	if err != nil {
		c.setState(prevState, prevRoom)
		if errors.Is(err, database.ErrNotFound) {
			c.queueMessage(ErrRoomNotFound(msgId))
			return
		}
		c.log.Error().Err(err).Str("room", code).Msg("session lookup failed")
		c.queueMessage(ErrGeneral(msgId))
		return
	}

	if prevState == StateJoined {
		gw.leaveRoom(c, prevRoom)
	}

	if err := gw.rooms.Join(code, c.id); err != nil {
		c.log.Warn().Err(err).Str("room", code).Msg("joined without a bus subscription")
	}
	c.setState(StateJoined, code)
	c.log.Info().Str("room", code).Int("session", sess.Id).Msg("joined room")

	c.queueMessage(ConnectNotice())
	gw.Publish(ctx, code, bus.KindMemberJoined, memberPayload{Conn: c.id})
	c.queueMessage(ConnectedNotice(msgId, code))

	m, err := gw.db.GetMap(ctx, sess.ResourceId)
	if err != nil {
		c.log.Error().Err(err).Int("map", sess.ResourceId).Msg("failed to load snapshot")
		c.queueMessage(ErrGeneral(msgId))
		return
	}

	snapshot, err := json.Marshal(m.Snapshot())
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode snapshot")
		c.queueMessage(ErrGeneral(msgId))
		return
	}
	c.queueMessage(UpdateMessage(snapshot))
}

// Leave removes c from its room. Leaving while not joined is a no-op.
// An explicit leave is acknowledged with a disconnect event.
func (gw *Gateway) Leave(c *Client, msgId int, explicit bool) {
	state, code := c.State()
	if state != StateJoined {
		if state == StateConnecting {
			c.setState(StateDisconnected, "")
		}
		return
	}

	gw.leaveRoom(c, code)
	if explicit {
		c.queueMessage(DisconnectNotice(msgId, msgLeftRoom))
	}
}

func (gw *Gateway) leaveRoom(c *Client, code string) {
	c.leaveState(code)
	if !gw.rooms.LeaveRoom(code, c.id) {
		return
	}

	c.log.Info().Str("room", code).Msg("left room")

	ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.LookupTimeout)
	defer cancel()
	gw.Publish(ctx, code, bus.KindMemberLeft, memberPayload{Conn: c.id})
}

// Publish sends an event for code on the bus. When the bus is unavailable
// the event is delivered to local members only.
func (gw *Gateway) Publish(ctx context.Context, code string, kind bus.Kind, payload any) error {
	ev, err := bus.NewEvent(code, kind, payload)
	if err != nil {
		return err
	}
	ev.Origin = gw.bus.Origin()

	if err := gw.bus.Publish(ctx, code, ev); err != nil {
		gw.log.Warn().Err(err).Str("room", code).Str("kind", string(kind)).Msg("publish failed, delivering locally")
		gw.Dispatch(code, gw.rooms.MembersOf(code), ev)
		return err
	}
	return nil
}

// Dispatch delivers a room event to the given local members. It is the
// room table's sink and never blocks on a connection.
func (gw *Gateway) Dispatch(code string, members []string, ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			gw.log.Error().Interface("panic", r).Str("room", code).Str("event_id", ev.Id).Msg("recovered from panic dispatching event")
		}
	}()

	var (
		msg  *ServerMessage
		skip string
	)

	switch ev.Kind {
	case bus.KindSnapshot, bus.KindUpdate:
		msg = UpdateMessage(ev.Payload)
	case bus.KindMemberJoined, bus.KindMemberLeft:
		var p memberPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			gw.log.Warn().Err(err).Str("event_id", ev.Id).Msg("invalid member payload")
		}
		if ev.Kind == bus.KindMemberJoined {
			msg = ConnectNotice()
			// the joiner already got its connect event
			if ev.Origin == gw.bus.Origin() {
				skip = p.Conn
			}
		} else {
			msg = DisconnectNotice(0, msgAnotherLeft)
			skip = p.Conn
		}
	case bus.KindClosed:
		gw.closeLocal(code)
		return
	default:
		gw.log.Warn().Str("kind", string(ev.Kind)).Msg("ignoring unknown event kind")
		return
	}

	for _, id := range members {
		if id == skip {
			continue
		}
		c := gw.client(id)
		if c == nil || !c.inRoom(code) {
			continue
		}
		c.queueMessage(msg)
	}
}

// closeLocal removes every local member of code and notifies them.
func (gw *Gateway) closeLocal(code string) {
	members := gw.rooms.CloseRoom(code)
	for _, id := range members {
		c := gw.client(id)
		if c == nil {
			continue
		}
		if c.leaveState(code) {
			c.queueMessage(DisconnectNotice(0, msgSessionClosed))
		}
	}

	if len(members) > 0 {
		gw.log.Info().Str("room", code).Int("members", len(members)).Msg("room closed")
	}
}

func (gw *Gateway) Clients() int {
	gw.clientsLock.RLock()
	defer gw.clientsLock.RUnlock()
	return len(gw.clients)
}

// Shutdown notifies and stops every client, then releases all room
// subscriptions.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.clientsLock.Lock()
	gw.shuttingDown = true
	clients := make([]*Client, 0, len(gw.clients))
	for _, c := range gw.clients {
		clients = append(clients, c)
	}
	gw.clientsLock.Unlock()

	gw.log.Info().Int("clients", len(clients)).Msg("shutting down gateway")
	for _, c := range clients {
		c.queueMessage(DisconnectNotice(0, msgServerShuttingDown))
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		gw.pumps.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	gw.rooms.Close()
	return err
}
