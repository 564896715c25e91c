package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-syncroom/internal/types"
)

// MemoryRepository is an in-process Repository used by tests and local
// runs without postgres.
type MemoryRepository struct {
	mu           sync.Mutex
	rooms        map[string]types.RoomState
	participants map[string]map[string]types.Participation
	friends      map[[2]string]struct{}
	// SaveErr, when set, is returned by SaveRoom and UpsertParticipation.
	SaveErr error
	saves   int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:        make(map[string]types.RoomState),
		participants: make(map[string]map[string]types.Participation),
		friends:      make(map[[2]string]struct{}),
	}
}

func (m *MemoryRepository) Ping() error {
	return nil
}

func (m *MemoryRepository) LoadRoom(_ context.Context, roomId string) (types.RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomId]
	if !ok {
		return types.RoomState{}, fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
	}
	return room.Clone(), nil
}

func (m *MemoryRepository) CreateRoom(_ context.Context, room types.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.RoomId]; ok {
		return ErrRoomIdTaken
	}

	m.rooms[room.RoomId] = room.Clone()
	m.participants[room.RoomId] = map[string]types.Participation{
		room.HostId: {
			RoomId:     room.RoomId,
			UserId:     room.HostId,
			JoinedAt:   room.CreatedAt,
			LastSeenAt: room.CreatedAt,
			IsActive:   true,
		},
	}
	return nil
}

func (m *MemoryRepository) SaveRoom(_ context.Context, room types.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	if cur, ok := m.rooms[room.RoomId]; ok && room.Playback.OlderThan(cur.Playback) {
		return nil
	}

	m.saves++
	m.rooms[room.RoomId] = room.Clone()
	return nil
}

func (m *MemoryRepository) DeleteRoom(_ context.Context, roomId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, roomId)
	delete(m.participants, roomId)
	return nil
}

func (m *MemoryRepository) UpsertParticipation(_ context.Context, p types.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	if _, ok := m.rooms[p.RoomId]; !ok {
		return fmt.Errorf("room %q: %w", p.RoomId, types.ErrNotFound)
	}

	byUser := m.participants[p.RoomId]
	if byUser == nil {
		byUser = make(map[string]types.Participation)
		m.participants[p.RoomId] = byUser
	}

	if cur, ok := byUser[p.UserId]; ok {
		cur.LastSeenAt = p.LastSeenAt
		cur.IsActive = p.IsActive
		byUser[p.UserId] = cur
		return nil
	}

	byUser[p.UserId] = p
	return nil
}

func (m *MemoryRepository) ListParticipants(_ context.Context, roomId string) ([]types.Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Participation
	for _, p := range m.participants[roomId] {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserId < out[j].UserId
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Participation returns the stored participation of userId in roomId.
func (m *MemoryRepository) Participation(roomId, userId string) (types.Participation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[roomId][userId]
	return p, ok
}

func (m *MemoryRepository) ListUserRooms(_ context.Context, userId string) ([]types.UserRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]types.UserRoom, 0)
	for roomId, byUser := range m.participants {
		p, ok := byUser[userId]
		if !ok || !p.IsActive {
			continue
		}

		room := m.rooms[roomId]
		rooms = append(rooms, types.UserRoom{
			RoomId:         room.RoomId,
			Name:           room.Name,
			HostId:         room.HostId,
			IsFriendsOnly:  room.IsFriendsOnly,
			IsHost:         room.HostId == userId,
			JoinedAt:       p.JoinedAt,
			LastActivityAt: room.LastActivityAt,
		})
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
	})
	return rooms, nil
}

func (m *MemoryRepository) DeleteIdleRooms(_ context.Context, cutoff time.Time, keep []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, room := range m.rooms {
		if room.LastActivityAt.Before(cutoff) && !slices.Contains(keep, id) {
			delete(m.rooms, id)
			delete(m.participants, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) AreFriends(_ context.Context, userA, userB string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u1, u2 := FriendPair(userA, userB)
	_, ok := m.friends[[2]string{u1, u2}]
	return ok, nil
}

func (m *MemoryRepository) AddFriends(userA, userB string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u1, u2 := FriendPair(userA, userB)
	m.friends[[2]string{u1, u2}] = struct{}{}
}

// HasRoom reports whether roomId is stored.
func (m *MemoryRepository) HasRoom(roomId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.rooms[roomId]
	return ok
}

// PutRoom stores room as is, bypassing the stale snapshot check.
func (m *MemoryRepository) PutRoom(room types.RoomState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[room.RoomId] = room.Clone()
}

func (m *MemoryRepository) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saves
}
