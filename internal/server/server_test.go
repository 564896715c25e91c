package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-syncroom/internal/admission"
	"github.com/npezzotti/go-syncroom/internal/database"
	"github.com/npezzotti/go-syncroom/internal/playback"
	"github.com/npezzotti/go-syncroom/internal/stats"
	"github.com/npezzotti/go-syncroom/internal/testutil"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStats records metric updates for assertions.
type countingStats struct {
	mu     sync.Mutex
	values map[string]int
}

func newCountingStats() *countingStats {
	return &countingStats{values: make(map[string]int)}
}

func (s *countingStats) Incr(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name]++
}

func (s *countingStats) Decr(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name]--
}

func (s *countingStats) RegisterMetric(string) {}
func (s *countingStats) Run()                  {}

func (s *countingStats) Value(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

type testEnv struct {
	hub   *Hub
	repo  *database.MemoryRepository
	clock *testClock
	stats *countingStats
}

func newTestHub(t *testing.T, opts Options) *testEnv {
	return newTestHubWithGuard(t, opts, nil)
}

func newTestHubWithGuard(t *testing.T, opts Options, guard *admission.Guard) *testEnv {
	t.Helper()

	logger := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	st := newCountingStats()
	w := database.NewWriter(repo, logger, st, 0)
	go w.Run()

	h := NewHub(logger, repo, w, repo, guard, st, opts)
	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	h.now = clock.Now
	go h.Run()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx), "expected hub to shut down")
		assert.NoError(t, w.Close(ctx), "expected writer to drain")
	})

	return &testEnv{hub: h, repo: repo, clock: clock, stats: st}
}

var connCounter int

func newTestClient(t *testing.T, h *Hub, userId string) *Client {
	connCounter++
	return &Client{
		id:     fmt.Sprintf("%s-%d", userId, connCounter),
		userId: userId,
		hub:    h,
		log:    testutil.TestLogger(t),
		send:   make(chan *ServerMessage, sendBufferSize),
		rooms:  make(map[string]*Room),
		stop:   make(chan struct{}),
	}
}

// drain returns the messages queued for c so far. Room operations queue
// their frames before returning, so no waiting is needed.
func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func find(msgs []*ServerMessage, match func(*ServerMessage) bool) *ServerMessage {
	for _, msg := range msgs {
		if match(msg) {
			return msg
		}
	}
	return nil
}

func isUserLeft(m *ServerMessage) bool    { return m.UserLeft != nil }
func isUserJoined(m *ServerMessage) bool  { return m.UserJoined != nil }
func isStateSynced(m *ServerMessage) bool { return m.StateSynced != nil }
func isRoomJoined(m *ServerMessage) bool  { return m.RoomJoined != nil }

func createRoom(t *testing.T, env *testEnv, hostId string, friendsOnly bool) string {
	t.Helper()
	room, err := env.hub.CreateRoom(context.Background(), hostId, "friday mix", friendsOnly)
	require.NoError(t, err, "expected room to be created")
	return room.RoomId
}

func join(t *testing.T, env *testEnv, roomId string, c *Client) types.Room {
	t.Helper()
	room, err := env.hub.JoinRoom(context.Background(), roomId, c.userId, c, 1)
	require.NoError(t, err, "expected %s to join", c.userId)
	return room
}

func TestHub_CreateRoom(t *testing.T) {
	env := newTestHub(t, Options{})

	room, err := env.hub.CreateRoom(context.Background(), "host", "  friday mix ", false)
	require.NoError(t, err)

	assert.Regexp(t, `^[0-9A-F]{6}$`, room.RoomId, "expected six uppercase hex characters")
	assert.Equal(t, "host", room.HostId)
	assert.Equal(t, "friday mix", room.Name)
	assert.False(t, room.PlaybackState.Playing, "expected a new room to be paused")
	assert.Equal(t, 0.0, room.PlaybackState.Position)
	assert.Empty(t, room.Participants, "expected nobody present in a new room")
	assert.Equal(t, 1, env.stats.Value(stats.RoomsCreated))

	assert.True(t, env.repo.HasRoom(room.RoomId), "expected room to be persisted")
	p, ok := env.repo.Participation(room.RoomId, "host")
	require.True(t, ok, "expected host participation")
	assert.True(t, p.IsActive)
}

func TestHub_CreateRoom_InvalidName(t *testing.T) {
	env := newTestHub(t, Options{})

	_, err := env.hub.CreateRoom(context.Background(), "host", strings.Repeat("x", maxRoomName+1), false)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestHub_CreateRoom_RateLimited(t *testing.T) {
	guard := admission.NewGuard(admission.NewMemoryLimiter(), map[admission.Class]admission.Rule{
		admission.ClassRoomCreate: {Limit: 1, Window: time.Hour},
	}, testutil.TestLogger(t), stats.NopStats{})
	env := newTestHubWithGuard(t, Options{}, guard)

	_, err := env.hub.CreateRoom(context.Background(), "host", "", false)
	require.NoError(t, err)

	_, err = env.hub.CreateRoom(context.Background(), "host", "", false)
	assert.ErrorIs(t, err, types.ErrRateLimited)

	_, err = env.hub.CreateRoom(context.Background(), "other", "", false)
	assert.NoError(t, err, "expected the quota to be per user")
}

func TestNewRoomCode(t *testing.T) {
	seen := make(map[string]struct{})
	for range 50 {
		code, err := NewRoomCode()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9A-F]{6}$`, code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "expected codes to differ")
}

func TestHub_JoinRoom(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")

	room := join(t, env, roomId, hc)
	assert.Equal(t, "host", room.HostId)

	msgs := drain(hc)
	joined := find(msgs, isRoomJoined)
	require.NotNil(t, joined, "expected room_joined reply")
	assert.Equal(t, 1, joined.Id, "expected request id to be echoed")
	assert.Equal(t, roomId, joined.RoomId)
	assert.True(t, joined.RoomJoined.IsHost)

	room = join(t, env, strings.ToLower(roomId), lc)
	assert.Len(t, room.Participants, 2)

	joined = find(drain(lc), isRoomJoined)
	require.NotNil(t, joined)
	assert.False(t, joined.RoomJoined.IsHost, "expected listener not to be host")

	msgs = drain(hc)
	userJoined := find(msgs, isUserJoined)
	require.NotNil(t, userJoined, "expected host to be told about the listener")
	assert.Equal(t, "listener", userJoined.UserJoined.UserId)
	assert.NotNil(t, find(msgs, func(m *ServerMessage) bool { return m.ParticipantsUpdate != nil }),
		"expected a participants update")
}

func TestHub_JoinRoom_Errors(t *testing.T) {
	env := newTestHub(t, Options{})

	tcases := []struct {
		name   string
		roomId string
		err    error
	}{
		{name: "unknown room", roomId: "ABCDEF", err: types.ErrNotFound},
		{name: "empty room id", roomId: "  ", err: types.ErrInvalidInput},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, env.hub, "listener")
			_, err := env.hub.JoinRoom(context.Background(), tc.roomId, "listener", c, 1)
			assert.ErrorIs(t, err, tc.err)
			assert.Empty(t, drain(c), "expected no frames from the room")
		})
	}
}

func TestHub_JoinRoom_FriendsOnly(t *testing.T) {
	env := newTestHub(t, Options{})
	env.repo.AddFriends("host", "friend")
	roomId := createRoom(t, env, "host", true)

	t.Run("stranger is rejected", func(t *testing.T) {
		c := newTestClient(t, env.hub, "stranger")
		_, err := env.hub.JoinRoom(context.Background(), roomId, "stranger", c, 1)
		assert.ErrorIs(t, err, types.ErrForbidden)

		_, ok := env.repo.Participation(roomId, "stranger")
		assert.False(t, ok, "expected no participation for a rejected join")
		assert.Empty(t, drain(c))
	})

	t.Run("host is admitted", func(t *testing.T) {
		c := newTestClient(t, env.hub, "host")
		join(t, env, roomId, c)
	})

	t.Run("friend is admitted", func(t *testing.T) {
		c := newTestClient(t, env.hub, "friend")
		room := join(t, env, roomId, c)
		assert.Equal(t, "host", room.HostId)
	})

	t.Run("stranger cannot request sync", func(t *testing.T) {
		_, err := env.hub.RequestSync(context.Background(), roomId, "stranger", nil, 0)
		assert.ErrorIs(t, err, types.ErrForbidden)
	})
}

func TestHub_JoinRoom_RateLimited(t *testing.T) {
	guard := admission.NewGuard(admission.NewMemoryLimiter(), map[admission.Class]admission.Rule{
		admission.ClassJoin: {Limit: 1, Window: time.Minute},
	}, testutil.TestLogger(t), stats.NopStats{})
	env := newTestHubWithGuard(t, Options{}, guard)
	roomId := createRoom(t, env, "host", false)

	c := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, c)

	_, err := env.hub.JoinRoom(context.Background(), roomId, "listener", c, 2)
	assert.ErrorIs(t, err, types.ErrRateLimited)
}

func TestHub_JoinRoom_MembershipOnly(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	join(t, env, roomId, hc)
	drain(hc)

	room, err := env.hub.JoinRoom(context.Background(), roomId, "listener", nil, 0)
	require.NoError(t, err)
	assert.Len(t, room.Participants, 1, "expected membership join not to add presence")
	assert.Empty(t, drain(hc), "expected no broadcast for a membership join")

	assert.Eventually(t, func() bool {
		p, ok := env.repo.Participation(roomId, "listener")
		return ok && p.IsActive
	}, time.Second, 10*time.Millisecond, "expected participation to be persisted")
}

func TestHub_JoinRoom_KeepsJoinedAt(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)
	firstJoin := env.clock.Now()

	c := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, c)
	require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "listener", c, 2))

	env.clock.Advance(time.Minute)
	join(t, env, roomId, c)

	assert.Eventually(t, func() bool {
		p, ok := env.repo.Participation(roomId, "listener")
		return ok && p.IsActive && p.JoinedAt.Equal(firstJoin) && p.LastSeenAt.Equal(firstJoin.Add(time.Minute))
	}, time.Second, 10*time.Millisecond, "expected joined_at to survive a rejoin")
}

func TestHub_RequestSync_Reconciled(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, hc)
	join(t, env, roomId, lc)

	track := &types.Track{Title: "Song", Artists: []string{"Artist"}, ExternalMediaId: "spotify:track:1"}
	err := env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: true, Position: 0, CapturedAt: env.clock.Now()}, track)
	require.NoError(t, err)

	synced := find(drain(lc), isStateSynced)
	require.NotNil(t, synced, "expected listener to receive the update")
	assert.Equal(t, track, synced.StateSynced.CurrentSong)
	assert.Nil(t, find(drain(hc), isStateSynced), "expected host not to be echoed its own update")

	env.clock.Advance(5 * time.Second)

	room, err := env.hub.RequestSync(context.Background(), roomId, "listener", lc, 7)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, room.PlaybackState.CurrentTime, 0.001)
	assert.Equal(t, 0.0, room.PlaybackState.Position, "expected stored position to be unchanged")

	synced = find(drain(lc), isStateSynced)
	require.NotNil(t, synced, "expected a state_synced reply")
	assert.Equal(t, 7, synced.Id)
	assert.True(t, synced.StateSynced.PlaybackState.Playing)
	assert.InDelta(t, 5.0, synced.StateSynced.PlaybackState.CurrentTime, 0.001)
	assert.False(t, synced.StateSynced.PlaybackState.Stale)
}

func TestHub_RequestSync_FreezesAfterMaxExtrapolation(t *testing.T) {
	env := newTestHub(t, Options{MaxExtrapolation: 10 * time.Second})
	roomId := createRoom(t, env, "host", false)

	require.NoError(t, env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: true, Position: 3, CapturedAt: env.clock.Now()}, nil))

	env.clock.Advance(time.Minute)

	room, err := env.hub.RequestSync(context.Background(), roomId, "host", nil, 0)
	require.NoError(t, err)
	assert.InDelta(t, 13.0, room.PlaybackState.CurrentTime, 0.001)
	assert.True(t, room.PlaybackState.Stale, "expected the view to be flagged stale")
}

func TestHub_UpdatePlayback(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)
	now := env.clock.Now()

	tcases := []struct {
		name   string
		userId string
		snap   playback.Snapshot
		err    error
	}{
		{
			name:   "listener is forbidden",
			userId: "listener",
			snap:   playback.Snapshot{Playing: true, Position: 1, CapturedAt: now},
			err:    types.ErrForbidden,
		},
		{
			name:   "negative position",
			userId: "host",
			snap:   playback.Snapshot{Position: -1, CapturedAt: now},
			err:    types.ErrInvalidInput,
		},
		{
			name:   "unknown room",
			userId: "host",
			snap:   playback.Snapshot{CapturedAt: now},
			err:    types.ErrNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id := roomId
			if tc.err == types.ErrNotFound {
				id = "000000"
			}

			err := env.hub.UpdatePlayback(context.Background(), id, tc.userId, tc.snap, nil)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestHub_UpdatePlayback_DropsStale(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, hc)
	join(t, env, roomId, lc)
	drain(lc)

	env.clock.Advance(10 * time.Second)
	newer := env.clock.Now()

	require.NoError(t, env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: true, Position: 42, CapturedAt: newer}, nil))

	err := env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: false, Position: 7, CapturedAt: newer.Add(-time.Second)}, nil)
	assert.ErrorIs(t, err, types.ErrStaleUpdate)
	assert.Equal(t, 1, env.stats.Value(stats.StaleUpdates))

	var synced []*ServerMessage
	for _, msg := range drain(lc) {
		if msg.StateSynced != nil {
			synced = append(synced, msg)
		}
	}
	require.Len(t, synced, 1, "expected the stale update not to be broadcast")
	assert.Equal(t, 42.0, synced[0].StateSynced.PlaybackState.Position)

	room, err := env.hub.GetRoom(context.Background(), roomId, "listener")
	require.NoError(t, err)
	assert.True(t, room.PlaybackState.Playing)
	assert.Equal(t, 42.0, room.PlaybackState.Position)
}

func TestHub_UpdatePlayback_KeepsTrackWhenOmitted(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)
	track := &types.Track{Title: "Song", ExternalMediaId: "yt:abc"}

	require.NoError(t, env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: true, CapturedAt: env.clock.Now()}, track))
	require.NoError(t, env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: false, Position: 12, CapturedAt: env.clock.Now()}, nil))

	room, err := env.hub.GetRoom(context.Background(), roomId, "host")
	require.NoError(t, err)
	assert.Equal(t, track, room.CurrentSong)
	assert.False(t, room.PlaybackState.Playing)
}

func TestHub_HostDisconnect_PromotesListener(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, hc)
	env.clock.Advance(time.Second)
	join(t, env, roomId, lc)
	drain(lc)

	hc.leaveAllRooms()

	left := find(drain(lc), isUserLeft)
	require.NotNil(t, left, "expected listener to be told the host left")
	assert.Equal(t, "host", left.UserLeft.UserId)
	assert.Equal(t, "listener", left.UserLeft.NewHostId)

	err := env.hub.UpdatePlayback(context.Background(), roomId, "listener",
		playback.Snapshot{Playing: true, Position: 30, CapturedAt: env.clock.Now()}, nil)
	assert.NoError(t, err, "expected the new host to update playback")

	err = env.hub.UpdatePlayback(context.Background(), roomId, "host",
		playback.Snapshot{Playing: true, Position: 31, CapturedAt: env.clock.Now()}, nil)
	assert.ErrorIs(t, err, types.ErrForbidden, "expected the old host to lose control")

	assert.Eventually(t, func() bool {
		p, ok := env.repo.Participation(roomId, "host")
		return ok && !p.IsActive
	}, time.Second, 10*time.Millisecond, "expected host participation to be inactive")
}

func TestHub_HostTransfer_Order(t *testing.T) {
	tcases := []struct {
		name     string
		joins    []string
		sameTime bool
		expected string
	}{
		{
			name:     "earliest joined wins",
			joins:    []string{"zed", "amy"},
			expected: "zed",
		},
		{
			name:     "ties broken by user id",
			joins:    []string{"zed", "bob", "amy"},
			sameTime: true,
			expected: "amy",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestHub(t, Options{})
			roomId := createRoom(t, env, "host", false)
			hc := newTestClient(t, env.hub, "host")
			join(t, env, roomId, hc)

			clients := make(map[string]*Client)
			for _, userId := range tc.joins {
				if !tc.sameTime {
					env.clock.Advance(time.Second)
				}
				c := newTestClient(t, env.hub, userId)
				join(t, env, roomId, c)
				clients[userId] = c
			}

			require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "host", hc, 3))

			room, err := env.hub.GetRoom(context.Background(), roomId, tc.expected)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, room.HostId)

			left := find(drain(clients[tc.joins[0]]), isUserLeft)
			require.NotNil(t, left)
			assert.Equal(t, tc.expected, left.UserLeft.NewHostId)
		})
	}
}

func TestHub_HostAbsentAndInactive_JoinerBecomesHost(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	// the creator never connects and leaves through the api
	require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "host", nil, 0))

	lc := newTestClient(t, env.hub, "listener")
	room := join(t, env, roomId, lc)
	assert.Equal(t, "listener", room.HostId)

	joined := find(drain(lc), isRoomJoined)
	require.NotNil(t, joined)
	assert.True(t, joined.RoomJoined.IsHost)
}

func TestHub_HostNeverConnected_JoinerTakesOver(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	lc := newTestClient(t, env.hub, "listener")
	room := join(t, env, roomId, lc)
	assert.Equal(t, "listener", room.HostId, "expected the first present user to hold the host role")

	joined := find(drain(lc), isRoomJoined)
	require.NotNil(t, joined)
	assert.True(t, joined.RoomJoined.IsHost)

	// the creator connects later and joins as a listener
	hc := newTestClient(t, env.hub, "host")
	room = join(t, env, roomId, hc)
	assert.Equal(t, "listener", room.HostId)
	require.Len(t, room.Participants, 2)
	for _, p := range room.Participants {
		assert.Equal(t, p.UserId == "listener", p.IsHost, "expected only %s's flag to match the host", p.UserId)
	}
}

func TestHub_ReloadedRoom_StaleActiveHost(t *testing.T) {
	env := newTestHub(t, Options{})
	now := env.clock.Now()
	env.repo.PutRoom(types.RoomState{
		RoomId:         "BEEF00",
		HostId:         "host",
		Playback:       playback.Initial(now),
		CreatedAt:      now,
		LastActivityAt: now,
	})
	// left behind by a process that died with the host connected
	require.NoError(t, env.repo.UpsertParticipation(context.Background(), types.Participation{
		RoomId: "BEEF00", UserId: "host", JoinedAt: now, LastSeenAt: now, IsActive: true,
	}))

	env.clock.Advance(time.Second)
	lc := newTestClient(t, env.hub, "listener")
	room := join(t, env, "BEEF00", lc)

	assert.Equal(t, "listener", room.HostId, "expected the present listener to take over")
	require.Len(t, room.Participants, 1)
	assert.True(t, room.Participants[0].IsHost, "expected the host to be present")

	err := env.hub.UpdatePlayback(context.Background(), "BEEF00", "listener",
		playback.Snapshot{Playing: true, Position: 5, CapturedAt: env.clock.Now()}, nil)
	assert.NoError(t, err, "expected the present host to update playback")
}

func TestHub_HostWithLiveConnection_KeepsRole(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	join(t, env, roomId, hc)

	lc := newTestClient(t, env.hub, "listener")
	room := join(t, env, roomId, lc)
	assert.Equal(t, "host", room.HostId)

	// the creator leaves through the api while the listener is present
	require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "host", nil, 0))

	left := find(drain(lc), isUserLeft)
	require.NotNil(t, left, "expected the host transfer to be announced")
	assert.Equal(t, "listener", left.UserLeft.NewHostId)
}

func TestHub_LeaveRoom_MultipleConnections(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	phone := newTestClient(t, env.hub, "listener")
	laptop := newTestClient(t, env.hub, "listener")
	hc := newTestClient(t, env.hub, "host")
	join(t, env, roomId, hc)
	join(t, env, roomId, phone)
	join(t, env, roomId, laptop)
	drain(hc)

	phone.leaveAllRooms()
	assert.Nil(t, find(drain(hc), isUserLeft), "expected no user_left while another connection remains")

	laptop.leaveAllRooms()
	left := find(drain(hc), isUserLeft)
	require.NotNil(t, left)
	assert.Equal(t, "listener", left.UserLeft.UserId)
	assert.Empty(t, left.UserLeft.NewHostId)
}

func TestHub_LeaveRoom_RemovesAllConnections(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	phone := newTestClient(t, env.hub, "listener")
	laptop := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, phone)
	join(t, env, roomId, laptop)
	drain(phone)
	drain(laptop)

	require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "listener", phone, 9))

	reply := find(drain(phone), func(m *ServerMessage) bool { return m.RoomLeft != nil })
	require.NotNil(t, reply)
	assert.Equal(t, 9, reply.Id)

	other := find(drain(laptop), func(m *ServerMessage) bool { return m.RoomLeft != nil })
	require.NotNil(t, other, "expected the other connection to be told it left")
	assert.Zero(t, other.Id)

	assert.Empty(t, phone.currentRoom())
	assert.Nil(t, laptop.getRoom(roomId))
}

func TestHub_IdleRoomReclaimed(t *testing.T) {
	env := newTestHub(t, Options{IdleTimeout: 50 * time.Millisecond})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	join(t, env, roomId, hc)
	require.NoError(t, env.hub.LeaveRoom(context.Background(), roomId, "host", hc, 2))

	assert.Eventually(t, func() bool {
		_, err := env.hub.GetRoom(context.Background(), roomId, "host")
		return errors.Is(err, types.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond, "expected the room to be reclaimed")

	_, err := env.hub.JoinRoom(context.Background(), roomId, "host", hc, 3)
	assert.ErrorIs(t, err, types.ErrNotFound, "expected join of a reclaimed room to fail")

	assert.Eventually(t, func() bool { return !env.repo.HasRoom(roomId) },
		time.Second, 10*time.Millisecond, "expected the room to be deleted from the repository")
	assert.Equal(t, 1, env.stats.Value(stats.RoomsReclaimed))
}

func TestHub_OccupiedRoomNotReclaimed(t *testing.T) {
	env := newTestHub(t, Options{IdleTimeout: 30 * time.Millisecond})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	join(t, env, roomId, hc)

	time.Sleep(100 * time.Millisecond)

	_, err := env.hub.GetRoom(context.Background(), roomId, "host")
	assert.NoError(t, err, "expected an occupied room to stay loaded")
}

func TestHub_RoomChat(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")
	outsider := newTestClient(t, env.hub, "outsider")
	join(t, env, roomId, hc)
	join(t, env, roomId, lc)
	drain(hc)
	drain(lc)

	ts := env.clock.Now()
	require.NoError(t, env.hub.SendChat(context.Background(), roomId, lc, "hello", ts))

	for _, c := range []*Client{hc, lc} {
		chat := find(drain(c), func(m *ServerMessage) bool { return m.RoomChat != nil })
		require.NotNil(t, chat, "expected %s to receive the chat", c.userId)
		assert.Equal(t, "listener", chat.RoomChat.UserId)
		assert.Equal(t, "hello", chat.RoomChat.Message)
		assert.Equal(t, ts, chat.RoomChat.Timestamp)
	}

	err := env.hub.SendChat(context.Background(), roomId, outsider, "hi", ts)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestHub_SeqIncreases(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	hc := newTestClient(t, env.hub, "host")
	lc := newTestClient(t, env.hub, "listener")
	join(t, env, roomId, hc)
	join(t, env, roomId, lc)
	for i := range 3 {
		require.NoError(t, env.hub.UpdatePlayback(context.Background(), roomId, "host",
			playback.Snapshot{Playing: true, Position: float64(i), CapturedAt: env.clock.Now()}, nil))
	}
	require.NoError(t, env.hub.SendChat(context.Background(), roomId, hc, "hi", env.clock.Now()))
	_, err := env.hub.RequestSync(context.Background(), roomId, "listener", lc, 5)
	require.NoError(t, err)

	msgs := drain(lc)
	require.GreaterOrEqual(t, len(msgs), 6)

	var last int64
	for _, msg := range msgs {
		assert.Equal(t, roomId, msg.RoomId)
		assert.Greater(t, msg.Seq, last, "expected seq to increase")
		last = msg.Seq
	}
}

func TestHub_GetRoom(t *testing.T) {
	env := newTestHub(t, Options{})
	env.repo.AddFriends("host", "friend")
	roomId := createRoom(t, env, "host", true)

	tcases := []struct {
		name   string
		userId string
		roomId string
		err    error
	}{
		{name: "host", userId: "host", roomId: roomId},
		{name: "friend", userId: "friend", roomId: roomId},
		{name: "stranger", userId: "stranger", roomId: roomId, err: types.ErrForbidden},
		{name: "unknown room", userId: "host", roomId: "FFFFFF", err: types.ErrNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			room, err := env.hub.GetRoom(context.Background(), tc.roomId, tc.userId)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, roomId, room.RoomId)
			assert.True(t, room.IsFriendsOnly)
		})
	}
}

func TestHub_LoadsPersistedRoom(t *testing.T) {
	env := newTestHub(t, Options{})
	now := env.clock.Now()
	env.repo.PutRoom(types.RoomState{
		RoomId:         "C0FFEE",
		HostId:         "host",
		Playback:       playback.Snapshot{Playing: true, Position: 60, CapturedAt: now},
		CreatedAt:      now,
		LastActivityAt: now,
	})

	env.clock.Advance(2 * time.Second)

	lc := newTestClient(t, env.hub, "listener")
	room := join(t, env, "c0ffee", lc)
	assert.Equal(t, "C0FFEE", room.RoomId)
	assert.Equal(t, "listener", room.HostId, "expected joiner to take over a room without an active host")
	assert.InDelta(t, 62.0, room.PlaybackState.CurrentTime, 0.001)
}

func TestHub_Sweep(t *testing.T) {
	env := newTestHub(t, Options{IdleTimeout: time.Hour})
	now := env.clock.Now()
	loaded := createRoom(t, env, "host", false)

	old := now.Add(-2 * time.Hour)
	env.repo.PutRoom(types.RoomState{RoomId: "0LD000", HostId: "host", CreatedAt: old, LastActivityAt: old})
	env.repo.PutRoom(types.RoomState{RoomId: "FRESH0", HostId: "host", CreatedAt: now, LastActivityAt: now})

	env.hub.sweep()

	assert.False(t, env.repo.HasRoom("0LD000"), "expected idle room to be deleted")
	assert.True(t, env.repo.HasRoom("FRESH0"), "expected recent room to be kept")
	assert.True(t, env.repo.HasRoom(loaded), "expected loaded room to be kept")
}

func TestHub_ListUserRooms(t *testing.T) {
	env := newTestHub(t, Options{})
	roomId := createRoom(t, env, "host", false)

	rooms, err := env.hub.ListUserRooms(context.Background(), "host")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, roomId, rooms[0].RoomId)
	assert.True(t, rooms[0].IsHost)
}

func TestHub_RegisterClient(t *testing.T) {
	env := newTestHub(t, Options{})
	c := newTestClient(t, env.hub, "listener")

	env.hub.RegisterClient(c)

	msgs := drain(c)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Connected)
	assert.Equal(t, "listener", msgs[0].Connected.UserId)
	assert.Equal(t, 1, env.stats.Value(stats.ActiveConnections))

	env.hub.deregisterClient(c)
	env.hub.deregisterClient(c)
	assert.Equal(t, 0, env.stats.Value(stats.ActiveConnections))
}

func TestHub_Shutdown(t *testing.T) {
	logger := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	h := NewHub(logger, repo, database.NewWriter(repo, logger, stats.NopStats{}, 8), repo, nil, stats.NopStats{}, Options{})
	go h.Run()

	room, err := h.CreateRoom(context.Background(), "host", "", false)
	require.NoError(t, err)
	c := newTestClient(t, h, "host")
	h.RegisterClient(c)
	_, err = h.JoinRoom(context.Background(), room.RoomId, "host", c, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	_, err = h.JoinRoom(context.Background(), room.RoomId, "host", c, 2)
	assert.Error(t, err, "expected joins to fail after shutdown")
}
