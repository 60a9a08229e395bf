package database

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/npezzotti/maproom/internal/types"
)

type Session struct {
	Id         int
	Code       string
	ResourceId int
	OwnerId    int
	CreatedAt  time.Time
}

type Map struct {
	Id        int
	OwnerId   int
	Name      string
	Color     string
	Models    json.RawMessage
	Width     int
	Height    int
	Depth     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot returns the full materialized state broadcast to viewers.
func (m Map) Snapshot() types.MapSnapshot {
	models := m.Models
	if len(models) == 0 {
		models = json.RawMessage("[]")
	}

	return types.MapSnapshot{
		Name:   m.Name,
		Color:  m.Color,
		Models: models,
		Width:  m.Width,
		Height: m.Height,
		Depth:  m.Depth,
	}
}

type CreateMapParams struct {
	OwnerId int
	types.MapSnapshot
}

type UpdateMapParams struct {
	MapId int
	types.MapSnapshot
}
