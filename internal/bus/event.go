package bus

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Kind string

const (
	KindSnapshot     Kind = "snapshot"
	KindUpdate       Kind = "update"
	KindMemberJoined Kind = "memberJoined"
	KindMemberLeft   Kind = "memberLeft"
	KindClosed       Kind = "closed"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSnapshot, KindUpdate, KindMemberJoined, KindMemberLeft, KindClosed:
		return true
	}
	return false
}

// Event is the single envelope published for a room. Payload is the full
// map snapshot for snapshot and update events and empty otherwise.
type Event struct {
	Id        string          `json:"id"`
	Origin    string          `json:"origin,omitempty"`
	RoomCode  string          `json:"room_code"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEvent(code string, kind Kind, payload any) (Event, error) {
	ev := Event{
		Id:        uuid.NewString(),
		RoomCode:  code,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}

	return ev, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	if ev.RoomCode == "" || !ev.Kind.Valid() {
		return Event{}, fmt.Errorf("decode event: invalid envelope (room %q, kind %q)", ev.RoomCode, ev.Kind)
	}

	return ev, nil
}
