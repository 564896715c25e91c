package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-syncroom/internal/types"
)

// ErrRoomIdTaken is returned by CreateRoom when the room code is already in use.
var ErrRoomIdTaken = errors.New("room id taken")

// Repository is the durable store behind the room engine. Every method is
// idempotent and safe to retry. Lookups of absent rows return an error
// wrapping types.ErrNotFound.
type Repository interface {
	Ping() error
	LoadRoom(ctx context.Context, roomId string) (types.RoomState, error)
	// CreateRoom inserts the room together with the active participation of
	// its host.
	CreateRoom(ctx context.Context, room types.RoomState) error
	SaveRoom(ctx context.Context, room types.RoomState) error
	DeleteRoom(ctx context.Context, roomId string) error
	UpsertParticipation(ctx context.Context, p types.Participation) error
	ListParticipants(ctx context.Context, roomId string) ([]types.Participation, error)
	ListUserRooms(ctx context.Context, userId string) ([]types.UserRoom, error)
	// DeleteIdleRooms removes rooms whose last activity is before cutoff,
	// except the ones listed in keep.
	DeleteIdleRooms(ctx context.Context, cutoff time.Time, keep []string) (int64, error)
	AreFriends(ctx context.Context, userA, userB string) (bool, error)
}

// FriendPair orders two user ids the way the friendships table stores them.
func FriendPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
