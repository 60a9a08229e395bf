package database

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// SessionRegistry maps room codes to the map being shared in a session.
// Codes are unique among live sessions; the store's unique constraint is
// the source of truth.
type SessionRegistry interface {
	CreateSession(ctx context.Context, resourceId, ownerId int) (Session, error)
	FindByCode(ctx context.Context, code string) (Session, error)
	FindByID(ctx context.Context, id int) (Session, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	UpdateResource(ctx context.Context, sessionId, resourceId int) (Session, error)
	DeleteSession(ctx context.Context, sessionId int) error
	SessionsForResource(ctx context.Context, resourceId int) ([]Session, error)
}

// MapStore holds the shared resources broadcast to sessions.
type MapStore interface {
	CreateMap(ctx context.Context, params CreateMapParams) (Map, error)
	GetMap(ctx context.Context, id int) (Map, error)
	UpdateMap(ctx context.Context, params UpdateMapParams) (Map, error)
}

type MapRoomRepository interface {
	SessionRegistry
	MapStore
	Ping(ctx context.Context) error
}
