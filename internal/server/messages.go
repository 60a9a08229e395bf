package server

import (
	"time"

	"github.com/goccy/go-json"
)

// Wire event names. Both snapshots and updates reach viewers as "update".
const (
	EventError        = "error"
	EventRoomNotFound = "roomNotFound"
	EventConnect      = "connect"
	EventConnected    = "connected"
	EventDisconnect   = "disconnect"
	EventUpdate       = "update"
)

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

const (
	msgMalformedRequest   = "Malformed request"
	msgRoomNotFound       = "No session exists for this room code"
	msgGeneralError       = "General error, try again"
	msgAnotherConnected   = "Another user connected"
	msgAnotherLeft        = "Another user disconnected"
	msgConnected          = "Connected to room"
	msgLeftRoom           = "Left room"
	msgSessionClosed      = "Session closed"
	msgServerShuttingDown = "Server shutting down"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame sent by a viewer, e.g.
// {"action":"join","code":"abcde"} or {"action":"leave"}.
type ClientMessage struct {
	BaseMessage
	Action string `json:"action"`
	Code   string `json:"code,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Notice struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func newMessage(id int, event string, data any) *ServerMessage {
	raw, _ := json.Marshal(data)
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: event,
		Data:  raw,
	}
}

func ErrMalformedRequest(id int) *ServerMessage {
	return newMessage(id, EventError, Notice{Message: msgMalformedRequest})
}

func ErrGeneral(id int) *ServerMessage {
	return newMessage(id, EventError, Notice{Message: msgGeneralError})
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newMessage(id, EventRoomNotFound, Notice{Message: msgRoomNotFound})
}

func ConnectNotice() *ServerMessage {
	return newMessage(0, EventConnect, Notice{Message: msgAnotherConnected})
}

func ConnectedNotice(id int, code string) *ServerMessage {
	return newMessage(id, EventConnected, Notice{Message: msgConnected, Code: code})
}

func DisconnectNotice(id int, message string) *ServerMessage {
	return newMessage(id, EventDisconnect, Notice{Message: message})
}

// UpdateMessage forwards a map snapshot without re-encoding it.
func UpdateMessage(payload json.RawMessage) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: EventUpdate,
		Data:  payload,
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
