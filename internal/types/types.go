package types

import (
	"time"

	"github.com/goccy/go-json"
)

type Session struct {
	Id        int       `json:"id"`
	Code      string    `json:"code"`
	MapId     int       `json:"map_id"`
	OwnerId   int       `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MapSnapshot is the full state of a shared map. Viewers always receive
// the whole snapshot, never a diff.
type MapSnapshot struct {
	Name   string          `json:"name"`
	Color  string          `json:"color"`
	Models json.RawMessage `json:"models"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	Depth  int             `json:"depth"`
}

type Map struct {
	Id      int `json:"id"`
	OwnerId int `json:"owner_id"`
	MapSnapshot
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
