package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-syncroom/internal/admission"
	"github.com/npezzotti/go-syncroom/internal/database"
	"github.com/npezzotti/go-syncroom/internal/logging"
	"github.com/npezzotti/go-syncroom/internal/playback"
	"github.com/npezzotti/go-syncroom/internal/stats"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdleTimeout       = time.Hour
	DefaultSweepInterval     = 5 * time.Minute
	DefaultHeartbeatInterval = 25 * time.Second

	roomCodeBytes   = 3
	maxCodeAttempts = 10
	maxOpAttempts   = 3
	maxRoomName     = 100
	loadTimeout     = 5 * time.Second
	sweepTimeout    = 30 * time.Second
)

var errShuttingDown = errors.New("server shutting down")

// Persister receives room mutations for durable storage. Calls must not
// block.
type Persister interface {
	SaveRoom(room types.RoomState)
	DeleteRoom(roomId string, done func())
	UpsertParticipation(p types.Participation)
}

type Options struct {
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	MaxExtrapolation  time.Duration
	HeartbeatInterval time.Duration
}

// Hub owns the loaded rooms and the connected clients. Rooms are loaded
// from the repository on first use and reclaimed after staying empty for
// the idle timeout.
type Hub struct {
	log               zerolog.Logger
	repo              database.Repository
	writer            Persister
	friends           admission.FriendChecker
	guard             *admission.Guard
	stats             stats.StatsProvider
	reconciler        playback.Reconciler
	idleTimeout       time.Duration
	sweepInterval     time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	rooms map[string]*Room
	// reclaimed holds rooms whose deletion has not reached the repository
	// yet, so they cannot be loaded again.
	reclaimed map[string]struct{}
	closed    bool
	roomsLock sync.RWMutex
	loads     singleflight.Group

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewHub(logger zerolog.Logger, repo database.Repository, writer Persister, friends admission.FriendChecker,
	guard *admission.Guard, st stats.StatsProvider, opts Options) *Hub {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Hub{
		log:               logger,
		repo:              repo,
		writer:            writer,
		friends:           friends,
		guard:             guard,
		stats:             st,
		reconciler:        playback.NewReconciler(opts.MaxExtrapolation),
		idleTimeout:       opts.IdleTimeout,
		sweepInterval:     opts.SweepInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               Now,
		rooms:             make(map[string]*Room),
		reclaimed:         make(map[string]struct{}),
		clients:           make(map[*Client]struct{}),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Run sweeps idle rooms out of the repository until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	h.sweep()
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stop:
			return
		}
	}
}

// sweep deletes persisted rooms that are not loaded and saw no activity
// for the idle timeout, e.g. rooms left behind by a restart.
func (h *Hub) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := h.now().Add(-h.idleTimeout)
	n, err := h.repo.DeleteIdleRooms(ctx, cutoff, h.loadedRoomIds())
	if err != nil {
		h.log.Error().Err(err).Msg("sweeping idle rooms")
		return
	}

	if n > 0 {
		h.log.Info().Int64("count", n).Msg("deleted idle rooms")
		for range n {
			h.stats.Incr(stats.RoomsReclaimed)
		}
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("shutting down hub")
	h.stopOnce.Do(func() { close(h.stop) })

	h.clientsLock.Lock()
	for c := range h.clients {
		c.stopClient()
	}
	h.clientsLock.Unlock()

	h.roomsLock.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	clear(h.rooms)
	h.roomsLock.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) RegisterClient(c *Client) {
	h.clientsLock.Lock()
	select {
	case <-h.stop:
		h.clientsLock.Unlock()
		c.stopClient()
		return
	default:
	}
	h.clients[c] = struct{}{}
	h.clientsLock.Unlock()

	h.stats.Incr(stats.ActiveConnections)
	c.queueMessage(NewConnected(c.userId))
}

func (h *Hub) deregisterClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.stats.Decr(stats.ActiveConnections)
	}
}

func (h *Hub) admit(ctx context.Context, class admission.Class, subject string) error {
	if h.guard == nil {
		return nil
	}
	return h.guard.Check(ctx, class, subject)
}

// CreateRoom creates a room hosted by creatorId under a fresh room code.
func (h *Hub) CreateRoom(ctx context.Context, creatorId, name string, friendsOnly bool) (types.Room, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxRoomName {
		return types.Room{}, fmt.Errorf("room name longer than %d characters: %w", maxRoomName, types.ErrInvalidInput)
	}

	if err := h.admit(ctx, admission.ClassRoomCreate, creatorId); err != nil {
		return types.Room{}, err
	}

	now := h.now()
	for range maxCodeAttempts {
		code, err := NewRoomCode()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate room code: %w: %w", types.ErrInternal, err)
		}

		if h.isTaken(code) {
			continue
		}

		state := types.RoomState{
			RoomId:         code,
			HostId:         creatorId,
			Name:           name,
			IsFriendsOnly:  friendsOnly,
			Playback:       playback.Initial(now),
			CreatedAt:      now,
			LastActivityAt: now,
		}

		if err := h.repo.CreateRoom(ctx, state); err != nil {
			if errors.Is(err, database.ErrRoomIdTaken) {
				continue
			}
			return types.Room{}, fmt.Errorf("create room: %w: %w", types.ErrInternal, err)
		}
		h.stats.Incr(stats.RoomsCreated)

		r, err := h.storeRoom(newRoom(h, state, []types.Participation{{
			RoomId:     code,
			UserId:     creatorId,
			JoinedAt:   now,
			LastSeenAt: now,
			IsActive:   true,
		}}))
		if err != nil {
			return types.Room{}, err
		}

		h.log.Info().Str(logging.FieldRoomID, code).Str("host_id", creatorId).Bool("friends_only", friendsOnly).Msg("created room")
		return r.committed.Load().view(h.reconciler, now), nil
	}

	return types.Room{}, fmt.Errorf("no free room code after %d attempts: %w", maxCodeAttempts, types.ErrInternal)
}

// NewRoomCode returns a random code of six uppercase hex characters.
func NewRoomCode() (string, error) {
	b := make([]byte, roomCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// JoinRoom adds userId to the room. With a nil client only the membership
// is recorded, without presence or broadcasts.
func (h *Hub) JoinRoom(ctx context.Context, roomId, userId string, c *Client, reqId int) (types.Room, error) {
	if err := h.admit(ctx, admission.ClassJoin, userId); err != nil {
		return types.Room{}, err
	}

	var room types.Room
	err := h.withRoom(ctx, roomId, func(r *Room) error {
		hostId, err := h.authorize(ctx, r, userId)
		if err != nil {
			return err
		}

		req := &joinReq{userId: userId, client: c, reqId: reqId, hostId: hostId, result: make(chan opResult, 1)}
		res := roundTrip(ctx, r, r.joinChan, req, req.result)
		room = res.room
		return res.err
	})
	return room, err
}

// LeaveRoom removes all of userId's connections from the room and marks
// the membership inactive. c, if set, gets the room_left reply, and a c that
// is not in the room gets ErrNotInRoom with nothing changed.
func (h *Hub) LeaveRoom(ctx context.Context, roomId, userId string, c *Client, reqId int) error {
	return h.withRoom(ctx, roomId, func(r *Room) error {
		req := &leaveReq{userId: userId, client: c, all: true, reqId: reqId, result: make(chan opResult, 1)}
		return roundTrip(ctx, r, r.leaveChan, req, req.result).err
	})
}

// UpdatePlayback replaces the room's playback snapshot and, when track is
// set, its current track. Only the host may update. An update older than
// the stored snapshot returns types.ErrStaleUpdate and changes nothing.
func (h *Hub) UpdatePlayback(ctx context.Context, roomId, userId string, snap playback.Snapshot, track *types.Track) error {
	if snap.Position < 0 {
		return fmt.Errorf("negative position %v: %w", snap.Position, types.ErrInvalidInput)
	}

	return h.withRoom(ctx, roomId, func(r *Room) error {
		req := &updateReq{userId: userId, snapshot: snap, track: track, result: make(chan opResult, 1)}
		return roundTrip(ctx, r, r.updateChan, req, req.result).err
	})
}

// RequestSync returns the room state reconciled to now. c, if set, gets a
// state_synced reply.
func (h *Hub) RequestSync(ctx context.Context, roomId, userId string, c *Client, reqId int) (types.Room, error) {
	var room types.Room
	err := h.withRoom(ctx, roomId, func(r *Room) error {
		hostId, err := h.authorize(ctx, r, userId)
		if err != nil {
			return err
		}

		req := &syncReq{userId: userId, client: c, reqId: reqId, hostId: hostId, result: make(chan opResult, 1)}
		res := roundTrip(ctx, r, r.syncChan, req, req.result)
		room = res.room
		return res.err
	})
	return room, err
}

// GetRoom returns the last committed state of the room without waiting on
// the room goroutine.
func (h *Hub) GetRoom(ctx context.Context, roomId, userId string) (types.Room, error) {
	var room types.Room
	err := h.withRoom(ctx, roomId, func(r *Room) error {
		if _, err := h.authorize(ctx, r, userId); err != nil {
			return err
		}

		room = r.committed.Load().view(h.reconciler, h.now())
		return nil
	})
	return room, err
}

// SendChat broadcasts message to the room c is present in.
func (h *Hub) SendChat(ctx context.Context, roomId string, c *Client, message string, ts time.Time) error {
	roomId = types.CanonicalRoomId(roomId)
	r := c.getRoom(roomId)
	if r == nil {
		return fmt.Errorf("room %q: %w", roomId, ErrNotInRoom)
	}

	req := &chatReq{client: c, message: message, timestamp: ts, result: make(chan opResult, 1)}
	err := roundTrip(ctx, r, r.chatChan, req, req.result).err
	if errors.Is(err, errRoomClosed) {
		return fmt.Errorf("room %q: %w", roomId, ErrNotInRoom)
	}
	return err
}

func (h *Hub) ListUserRooms(ctx context.Context, userId string) ([]types.UserRoom, error) {
	rooms, err := h.repo.ListUserRooms(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w: %w", types.ErrInternal, err)
	}
	return rooms, nil
}

// Ping reports whether the durable store is reachable.
func (h *Hub) Ping() error {
	return h.repo.Ping()
}

// withRoom runs fn against the loaded room, retrying when the room exited
// or its host changed underneath the call.
func (h *Hub) withRoom(ctx context.Context, roomId string, fn func(r *Room) error) error {
	roomId = types.CanonicalRoomId(roomId)
	if roomId == "" {
		return fmt.Errorf("room id is required: %w", types.ErrInvalidInput)
	}

	for range maxOpAttempts {
		r, err := h.getOrLoadRoom(ctx, roomId)
		if err != nil {
			return err
		}

		err = fn(r)
		if errors.Is(err, errRoomClosed) || errors.Is(err, errHostChanged) {
			h.log.Debug().Err(err).Str(logging.FieldRoomID, roomId).Msg("retrying room operation")
			continue
		}
		return err
	}

	return fmt.Errorf("room %q unavailable: %w", roomId, types.ErrInternal)
}

// authorize checks friends only access against the room's current host and
// returns that host.
func (h *Hub) authorize(ctx context.Context, r *Room, userId string) (string, error) {
	state := r.committed.Load().state
	if !state.IsFriendsOnly || state.HostId == userId {
		return state.HostId, nil
	}

	ok, err := h.friends.AreFriends(ctx, state.HostId, userId)
	if err != nil {
		return "", fmt.Errorf("check friendship: %w: %w", types.ErrInternal, err)
	}
	if !ok {
		return "", fmt.Errorf("room %q is friends only: %w", r.id, types.ErrForbidden)
	}
	return state.HostId, nil
}

func (h *Hub) getRoom(roomId string) *Room {
	h.roomsLock.RLock()
	defer h.roomsLock.RUnlock()
	return h.rooms[roomId]
}

func (h *Hub) isTaken(roomId string) bool {
	h.roomsLock.RLock()
	defer h.roomsLock.RUnlock()

	_, loaded := h.rooms[roomId]
	_, reclaimed := h.reclaimed[roomId]
	return loaded || reclaimed
}

func (h *Hub) loadedRoomIds() []string {
	h.roomsLock.RLock()
	defer h.roomsLock.RUnlock()

	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) getOrLoadRoom(ctx context.Context, roomId string) (*Room, error) {
	if r := h.getRoom(roomId); r != nil {
		return r, nil
	}

	ch := h.loads.DoChan(roomId, func() (any, error) {
		if r := h.getRoom(roomId); r != nil {
			return r, nil
		}

		// the load is shared, so it must not depend on one caller's context
		loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		state, err := h.repo.LoadRoom(loadCtx, roomId)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load room: %w: %w", types.ErrInternal, err)
		}

		participations, err := h.repo.ListParticipants(loadCtx, roomId)
		if err != nil {
			return nil, fmt.Errorf("load participants: %w: %w", types.ErrInternal, err)
		}

		h.log.Debug().Str(logging.FieldRoomID, roomId).Int("participants", len(participations)).Msg("loaded room")
		return h.storeRoom(newRoom(h, state, participations))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("load room %q: %w: %w", roomId, types.ErrInternal, ctx.Err())
	}
}

// storeRoom registers and starts r. If a room with the same id is already
// loaded, that room is returned instead.
func (h *Hub) storeRoom(r *Room) (*Room, error) {
	h.roomsLock.Lock()
	defer h.roomsLock.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%w: %w", errShuttingDown, types.ErrInternal)
	}
	if _, ok := h.reclaimed[r.id]; ok {
		return nil, fmt.Errorf("room %q: %w", r.id, types.ErrNotFound)
	}
	if existing, ok := h.rooms[r.id]; ok {
		r.killTimer.Stop()
		return existing, nil
	}

	h.rooms[r.id] = r
	h.stats.Incr(stats.LoadedRooms)
	go r.start()
	return r, nil
}

// reclaimRoom unloads r and deletes it from the repository.
func (h *Hub) reclaimRoom(r *Room) {
	h.roomsLock.Lock()
	if h.rooms[r.id] != r {
		h.roomsLock.Unlock()
		return
	}
	delete(h.rooms, r.id)
	h.reclaimed[r.id] = struct{}{}
	h.roomsLock.Unlock()

	h.stats.Incr(stats.RoomsReclaimed)
	h.writer.DeleteRoom(r.id, func() {
		h.roomsLock.Lock()
		delete(h.reclaimed, r.id)
		h.roomsLock.Unlock()
	})
}
