package server

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateJoined
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

type Client struct {
	id      string
	conn    *websocket.Conn
	gw      *Gateway
	log     zerolog.Logger
	send    chan *ServerMessage
	stop    chan struct{}
	once    sync.Once
	joins   *rate.Limiter
	initial string

	mu    sync.Mutex
	state ClientState
	room  string
}

func newClientId() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewClient wraps conn. code is the room code from the handshake and is
// joined before any frame is read.
func NewClient(conn *websocket.Conn, gw *Gateway, l zerolog.Logger, code string) *Client {
	id := newClientId()
	return &Client{
		id:      id,
		conn:    conn,
		gw:      gw,
		log:     l.With().Str("conn", id).Logger(),
		send:    make(chan *ServerMessage, sendBufferSize),
		stop:    make(chan struct{}),
		joins:   gw.newJoinLimiter(),
		initial: code,
	}
}

func (c *Client) Id() string {
	return c.id
}

// State returns the connection state and the joined room, if any.
func (c *Client) State() (ClientState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.room
}

func (c *Client) setState(state ClientState, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.room = room
}

// leaveState moves the client to Disconnected if it is still in room.
func (c *Client) leaveState(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateJoined || c.room != room {
		return false
	}
	c.state = StateDisconnected
	c.room = ""
	return true
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateJoined && c.room == room
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is already queued.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeServerMessage(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	c.safely(0, func() { c.gw.Join(c, 0, c.initial) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrMalformedRequest(0))
			continue
		}
		msg.Timestamp = Now()

		c.safely(msg.Id, func() { c.handleMessage(&msg) })
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Action {
	case ActionJoin:
		c.gw.Join(c, msg.Id, msg.Code)
	case ActionLeave:
		c.gw.Leave(c, msg.Id, true)
	default:
		c.queueMessage(ErrMalformedRequest(msg.Id))
	}
}

// safely confines a panic in fn to this connection.
func (c *Client) safely(id int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered from panic handling message")
			c.queueMessage(ErrGeneral(id))
		}
	}()
	fn()
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.gw.Deregister(c)
	c.stopClient()
}
