package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) LoadRoom(ctx context.Context, roomId string) (types.RoomState, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.RoomState), args.Error(1)
}
func (m *MockRepository) CreateRoom(ctx context.Context, room types.RoomState) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}
func (m *MockRepository) SaveRoom(ctx context.Context, room types.RoomState) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockRepository) UpsertParticipation(ctx context.Context, p types.Participation) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}
func (m *MockRepository) ListParticipants(ctx context.Context, roomId string) ([]types.Participation, error) {
	args := m.Called(ctx, roomId)
	if ps, ok := args.Get(0).([]types.Participation); ok {
		return ps, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) ListUserRooms(ctx context.Context, userId string) ([]types.UserRoom, error) {
	args := m.Called(ctx, userId)
	if rooms, ok := args.Get(0).([]types.UserRoom); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) DeleteIdleRooms(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	args := m.Called(ctx, cutoff, keep)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}
