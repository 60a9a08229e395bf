package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMapRoomRepository struct {
	mock.Mock
}

func (m *MockMapRoomRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMapRoomRepository) CreateSession(ctx context.Context, resourceId, ownerId int) (Session, error) {
	args := m.Called(ctx, resourceId, ownerId)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockMapRoomRepository) FindByCode(ctx context.Context, code string) (Session, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockMapRoomRepository) FindByID(ctx context.Context, id int) (Session, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockMapRoomRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}
func (m *MockMapRoomRepository) UpdateResource(ctx context.Context, sessionId, resourceId int) (Session, error) {
	args := m.Called(ctx, sessionId, resourceId)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockMapRoomRepository) DeleteSession(ctx context.Context, sessionId int) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}
func (m *MockMapRoomRepository) SessionsForResource(ctx context.Context, resourceId int) ([]Session, error) {
	args := m.Called(ctx, resourceId)
	if sessions, ok := args.Get(0).([]Session); ok {
		return sessions, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMapRoomRepository) CreateMap(ctx context.Context, params CreateMapParams) (Map, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Map), args.Error(1)
}
func (m *MockMapRoomRepository) GetMap(ctx context.Context, id int) (Map, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Map), args.Error(1)
}
func (m *MockMapRoomRepository) UpdateMap(ctx context.Context, params UpdateMapParams) (Map, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Map), args.Error(1)
}
