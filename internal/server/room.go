package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-syncroom/internal/logging"
	"github.com/npezzotti/go-syncroom/internal/playback"
	"github.com/npezzotti/go-syncroom/internal/stats"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
)

const roomChanSize = 256

var (
	errRoomClosed  = errors.New("room closed")
	errHostChanged = errors.New("host changed")
)

type opResult struct {
	room types.Room
	err  error
}

type joinReq struct {
	userId string
	// client is nil for a membership only join.
	client *Client
	reqId  int
	// hostId is the host the friendship check was made against.
	hostId string
	result chan opResult
}

type leaveReq struct {
	userId string
	client *Client
	// all removes every connection of the user. Otherwise only client is
	// removed, which is how a disconnect is reported.
	all    bool
	reqId  int
	result chan opResult
}

type updateReq struct {
	userId   string
	snapshot playback.Snapshot
	track    *types.Track
	result   chan opResult
}

type syncReq struct {
	userId string
	client *Client
	reqId  int
	hostId string
	result chan opResult
}

type chatReq struct {
	client    *Client
	message   string
	timestamp time.Time
	result    chan opResult
}

type member struct {
	joinedAt time.Time
	active   bool
}

// roomSnapshot is the last committed state of a room, readable without
// going through the room goroutine.
type roomSnapshot struct {
	state        types.RoomState
	participants []types.Participant
}

func (s *roomSnapshot) view(rec playback.Reconciler, now time.Time) types.Room {
	return types.Room{
		RoomId:         s.state.RoomId,
		HostId:         s.state.HostId,
		Name:           s.state.Name,
		IsFriendsOnly:  s.state.IsFriendsOnly,
		CurrentSong:    s.state.CurrentTrack.Clone(),
		PlaybackState:  types.NewPlaybackState(s.state.Playback, rec, now),
		Participants:   slices.Clone(s.participants),
		CreatedAt:      s.state.CreatedAt,
		LastActivityAt: s.state.LastActivityAt,
	}
}

// Room owns the state of one room. Every mutation runs on the goroutine
// started by start, so operations on a room are applied one at a time.
type Room struct {
	id      string
	hub     *Hub
	log     zerolog.Logger
	state   types.RoomState
	members map[string]*member
	// seq numbers every frame the room emits
	seq       int64
	clients   map[*Client]struct{}
	userMap   map[string]map[*Client]struct{}
	committed atomic.Pointer[roomSnapshot]

	joinChan   chan *joinReq
	leaveChan  chan *leaveReq
	updateChan chan *updateReq
	syncChan   chan *syncReq
	chatChan   chan *chatReq
	// killTimer reclaims the room once it has been empty for the idle timeout
	killTimer *time.Timer
	exit      chan struct{}
	exitOnce  sync.Once
	done      chan struct{}
}

func newRoom(h *Hub, state types.RoomState, participations []types.Participation) *Room {
	r := &Room{
		id:         state.RoomId,
		hub:        h,
		log:        h.log.With().Str(logging.FieldRoomID, state.RoomId).Logger(),
		state:      state.Clone(),
		members:    make(map[string]*member, len(participations)),
		clients:    make(map[*Client]struct{}),
		userMap:    make(map[string]map[*Client]struct{}),
		joinChan:   make(chan *joinReq, roomChanSize),
		leaveChan:  make(chan *leaveReq, roomChanSize),
		updateChan: make(chan *updateReq, roomChanSize),
		syncChan:   make(chan *syncReq, roomChanSize),
		chatChan:   make(chan *chatReq, roomChanSize),
		exit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, p := range participations {
		r.members[p.UserId] = &member{joinedAt: p.JoinedAt, active: p.IsActive}
	}

	// a room is loaded without anyone present
	r.killTimer = time.NewTimer(h.idleTimeout)
	r.publish()
	return r
}

func (r *Room) start() {
	r.log.Debug().Msg("starting room")
	defer func() {
		r.killTimer.Stop()
		r.hub.stats.Decr(stats.LoadedRooms)
		r.log.Debug().Msg("room exited")
		close(r.done)
	}()

	for {
		select {
		case req := <-r.joinChan:
			r.handleJoin(req)
		case req := <-r.leaveChan:
			r.handleLeave(req)
		case req := <-r.updateChan:
			r.handleUpdate(req)
		case req := <-r.syncChan:
			r.handleRequestSync(req)
		case req := <-r.chatChan:
			r.handleChat(req)
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

// shutdown asks the room goroutine to exit without reclaiming the room.
func (r *Room) shutdown() {
	r.exitOnce.Do(func() { close(r.exit) })
}

func (r *Room) handleRoomTimeout() bool {
	if len(r.clients) > 0 {
		return false
	}

	r.log.Info().Msg("room idle, reclaiming")
	r.hub.reclaimRoom(r)
	return true
}

func (r *Room) handleRoomExit() {
	r.log.Debug().Msg("room is exiting")
	for c := range r.clients {
		c.delRoom(r.id)
	}
}

func (r *Room) handleJoin(req *joinReq) {
	if r.state.IsFriendsOnly && req.userId != r.state.HostId && req.hostId != r.state.HostId {
		req.result <- opResult{err: errHostChanged}
		return
	}

	now := r.hub.now()
	m, ok := r.members[req.userId]
	if !ok {
		m = &member{joinedAt: now}
		r.members[req.userId] = m
	}
	m.active = true
	r.hub.writer.UpsertParticipation(types.Participation{
		RoomId:     r.id,
		UserId:     req.userId,
		JoinedAt:   m.joinedAt,
		LastSeenAt: now,
		IsActive:   true,
	})
	r.state.LastActivityAt = now

	if req.client == nil {
		r.persist()
		snap := r.publish()
		req.result <- opResult{room: snap.view(r.hub.reconciler, now)}
		return
	}

	wasPresent := r.userMap[req.userId] != nil
	r.addClient(req.client)

	// a present participant always has a present host, so the joiner takes
	// over from a host without a live connection
	if r.state.HostId != req.userId && r.userMap[r.state.HostId] == nil {
		r.log.Info().Str("old_host", r.state.HostId).Str("new_host", req.userId).Msg("host absent, assigning joiner")
		r.state.HostId = req.userId
	}

	r.persist()
	snap := r.publish()
	view := snap.view(r.hub.reconciler, now)

	r.deliver(req.client, &ServerMessage{
		Id: req.reqId,
		RoomJoined: &RoomJoined{
			RoomId:    r.id,
			RoomState: view,
			IsHost:    view.HostId == req.userId,
			Timestamp: now,
		},
	})

	if !wasPresent {
		r.broadcast(&ServerMessage{
			UserJoined: &UserJoined{UserId: req.userId, Timestamp: now},
		}, req.userId)
	}
	r.broadcastParticipants(snap, now)

	req.result <- opResult{room: view}
}

func (r *Room) handleLeave(req *leaveReq) {
	now := r.hub.now()
	wasPresent := r.userMap[req.userId] != nil

	// an explicit leave from a connection that never joined changes nothing
	if req.all && req.client != nil {
		if _, ok := r.clients[req.client]; !ok {
			req.result <- opResult{err: fmt.Errorf("room %q: %w", r.id, ErrNotInRoom)}
			return
		}
	}

	var removed []*Client
	if req.all {
		removed = r.removeAllClientsForUser(req.userId)
	} else if req.client != nil && r.removeClient(req.client) {
		removed = append(removed, req.client)
	}

	if req.all {
		for _, c := range removed {
			r.deliver(c, roomLeft(c, req, r.id, now))
		}
	}

	if r.userMap[req.userId] != nil {
		// still present on another connection
		req.result <- opResult{}
		return
	}

	changed := false
	if m := r.members[req.userId]; m != nil && m.active {
		m.active = false
		r.hub.writer.UpsertParticipation(types.Participation{
			RoomId:     r.id,
			UserId:     req.userId,
			JoinedAt:   m.joinedAt,
			LastSeenAt: now,
			IsActive:   false,
		})
		changed = true
	}

	newHost := ""
	if r.state.HostId == req.userId {
		if next := r.nextHost(); next != "" {
			r.log.Info().Str("old_host", req.userId).Str("new_host", next).Msg("transferring host")
			r.state.HostId = next
			newHost = next
		}
	}

	if wasPresent || changed || newHost != "" {
		r.state.LastActivityAt = now
		r.persist()
	}
	snap := r.publish()

	if wasPresent || newHost != "" {
		r.broadcast(&ServerMessage{
			UserLeft: &UserLeft{UserId: req.userId, NewHostId: newHost, Timestamp: now},
		}, "")
		r.broadcastParticipants(snap, now)
	}

	req.result <- opResult{}
}

func roomLeft(c *Client, req *leaveReq, roomId string, now time.Time) *ServerMessage {
	msg := &ServerMessage{RoomLeft: &RoomLeft{RoomId: roomId, Timestamp: now}}
	if c == req.client {
		msg.Id = req.reqId
	}
	return msg
}

func (r *Room) handleUpdate(req *updateReq) {
	if req.userId != r.state.HostId {
		req.result <- opResult{err: fmt.Errorf("only the host can update playback: %w", types.ErrForbidden)}
		return
	}

	if req.snapshot.OlderThan(r.state.Playback) {
		r.log.Debug().
			Time("captured_at", req.snapshot.CapturedAt).
			Time("stored_at", r.state.Playback.CapturedAt).
			Msg("dropping stale playback update")
		r.hub.stats.Incr(stats.StaleUpdates)
		req.result <- opResult{err: types.ErrStaleUpdate}
		return
	}

	now := r.hub.now()
	r.state.Playback = req.snapshot
	if req.track != nil {
		r.state.CurrentTrack = req.track.Clone()
	}
	r.state.LastActivityAt = now
	r.persist()
	r.publish()

	r.broadcast(&ServerMessage{StateSynced: r.stateSynced(now)}, req.userId)
	req.result <- opResult{}
}

func (r *Room) handleRequestSync(req *syncReq) {
	if r.state.IsFriendsOnly && req.userId != r.state.HostId && req.hostId != r.state.HostId {
		req.result <- opResult{err: errHostChanged}
		return
	}

	now := r.hub.now()
	if req.client != nil {
		r.deliver(req.client, &ServerMessage{Id: req.reqId, StateSynced: r.stateSynced(now)})
	}
	req.result <- opResult{room: r.committed.Load().view(r.hub.reconciler, now)}
}

func (r *Room) handleChat(req *chatReq) {
	if _, ok := r.clients[req.client]; !ok {
		req.result <- opResult{err: fmt.Errorf("room %q: %w", r.id, ErrNotInRoom)}
		return
	}

	r.broadcast(&ServerMessage{
		RoomChat: &ChatMessage{
			UserId:    req.client.userId,
			Message:   req.message,
			Timestamp: req.timestamp,
		},
	}, "")
	req.result <- opResult{}
}

func (r *Room) stateSynced(now time.Time) *StateSynced {
	return &StateSynced{
		PlaybackState: types.NewPlaybackState(r.state.Playback, r.hub.reconciler, now),
		CurrentSong:   r.state.CurrentTrack.Clone(),
		Timestamp:     now,
	}
}

// nextHost picks the present user who joined first, breaking ties by user
// id. It returns "" when nobody is present.
func (r *Room) nextHost() string {
	next := ""
	var nextJoined time.Time
	for userId := range r.userMap {
		joined := r.joinedAt(userId)
		if next == "" || joined.Before(nextJoined) || (joined.Equal(nextJoined) && userId < next) {
			next = userId
			nextJoined = joined
		}
	}
	return next
}

func (r *Room) joinedAt(userId string) time.Time {
	if m, ok := r.members[userId]; ok {
		return m.joinedAt
	}
	return time.Time{}
}

func (r *Room) participants() []types.Participant {
	out := make([]types.Participant, 0, len(r.userMap))
	for userId := range r.userMap {
		out = append(out, types.Participant{
			UserId:   userId,
			IsHost:   userId == r.state.HostId,
			JoinedAt: r.joinedAt(userId),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

// publish makes the current state visible to readers outside the room
// goroutine.
func (r *Room) publish() *roomSnapshot {
	snap := &roomSnapshot{state: r.state.Clone(), participants: r.participants()}
	r.committed.Store(snap)
	return snap
}

func (r *Room) persist() {
	r.hub.writer.SaveRoom(r.state)
}

func (r *Room) nextSeq() int64 {
	r.seq++
	return r.seq
}

// deliver sends a room frame to a single connection.
func (r *Room) deliver(c *Client, msg *ServerMessage) {
	msg.RoomId = r.id
	msg.Seq = r.nextSeq()
	if !c.queueMessage(msg) {
		r.hub.stats.Incr(stats.DroppedDeliveries)
	}
}

// broadcast sends msg to every connection in the room except those of
// skipUser.
func (r *Room) broadcast(msg *ServerMessage, skipUser string) {
	msg.RoomId = r.id
	msg.Seq = r.nextSeq()
	r.hub.stats.Incr(stats.Broadcasts)

	for client := range r.clients {
		if skipUser != "" && client.userId == skipUser {
			continue
		}

		if !client.queueMessage(msg) {
			r.hub.stats.Incr(stats.DroppedDeliveries)
		}
	}
}

func (r *Room) broadcastParticipants(snap *roomSnapshot, now time.Time) {
	r.broadcast(&ServerMessage{
		ParticipantsUpdate: &ParticipantsUpdate{
			RoomId:       r.id,
			HostId:       snap.state.HostId,
			Participants: slices.Clone(snap.participants),
			Timestamp:    now,
		},
	}, "")
}

func (r *Room) addClient(c *Client) {
	r.clients[c] = struct{}{}
	if r.userMap[c.userId] == nil {
		r.userMap[c.userId] = make(map[*Client]struct{})
	}
	r.userMap[c.userId][c] = struct{}{}
	r.killTimer.Stop()

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) bool {
	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.userId]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.userId)
		}
	}

	if len(r.clients) == 0 {
		r.log.Debug().Dur("idle_timeout", r.hub.idleTimeout).Msg("no clients left, starting kill timer")
		r.killTimer.Reset(r.hub.idleTimeout)
	}
	return true
}

func (r *Room) removeAllClientsForUser(userId string) []*Client {
	var removed []*Client
	for client := range r.userMap[userId] {
		removed = append(removed, client)
	}
	for _, client := range removed {
		r.removeClient(client)
	}
	return removed
}

// roundTrip hands req to the room goroutine through ch and waits for its
// result.
func roundTrip[T any](ctx context.Context, r *Room, ch chan<- T, req T, result <-chan opResult) opResult {
	select {
	case ch <- req:
	case <-r.done:
		return opResult{err: errRoomClosed}
	case <-ctx.Done():
		return opResult{err: fmt.Errorf("room %q: %w: %w", r.id, types.ErrInternal, ctx.Err())}
	}

	select {
	case res := <-result:
		return res
	case <-r.done:
		// the room may have answered right before exiting
		select {
		case res := <-result:
			return res
		default:
			return opResult{err: errRoomClosed}
		}
	case <-ctx.Done():
		return opResult{err: fmt.Errorf("room %q: %w: %w", r.id, types.ErrInternal, ctx.Err())}
	}
}
