package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-syncroom/internal/admission"
	"github.com/npezzotti/go-syncroom/internal/logging"
	"github.com/npezzotti/go-syncroom/internal/playback"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 10
	sendBufferSize = 256
	opTimeout      = 5 * time.Second
	leaveTimeout   = 5 * time.Second
	maxChatLength  = 1000
)

// Client is one websocket connection of a user. A connection can be present
// in several rooms; the room it joined last is its current room.
type Client struct {
	id           string
	userId       string
	conn         *websocket.Conn
	hub          *Hub
	log          zerolog.Logger
	send         chan *ServerMessage
	rooms        map[string]*Room
	current      string
	roomsLock    sync.RWMutex
	stop         chan struct{}
	stopOnce     sync.Once
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewClient(userId string, conn *websocket.Conn, hub *Hub, logger zerolog.Logger) (*Client, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}

	return &Client{
		id:           id,
		userId:       userId,
		conn:         conn,
		hub:          hub,
		log:          logger.With().Str(logging.FieldConnID, id).Str(logging.FieldUserID, userId).Logger(),
		send:         make(chan *ServerMessage, sendBufferSize),
		rooms:        make(map[string]*Room),
		stop:         make(chan struct{}),
		pongWait:     2 * hub.heartbeatInterval,
		pingInterval: hub.heartbeatInterval,
	}, nil
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error { c.extendDeadline(); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read failed")
			}
			break
		}

		arrived := c.hub.now()
		c.extendDeadline()

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidRequest(0, "invalid message format"))
			continue
		}
		msg.Timestamp = arrived

		c.dispatch(&msg)
	}
}

func (c *Client) extendDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *Client) dispatch(msg *ClientMessage) {
	if msg.events() != 1 {
		c.queueMessage(ErrInvalidRequest(msg.Id, "expected exactly one event"))
		return
	}

	if msg.Ping != nil {
		c.queueMessage(NewPong(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.hub.admit(ctx, admission.ClassEvent, c.id); err != nil {
		c.queueMessage(ErrFrom(msg.Id, "", CodeRateLimited, err))
		return
	}

	switch {
	case msg.JoinRoom != nil:
		c.joinRoom(ctx, msg)
	case msg.LeaveRoomSocket != nil:
		c.leaveRoom(ctx, msg)
	case msg.SyncState != nil:
		c.syncState(ctx, msg)
	case msg.RequestSync != nil:
		c.requestSync(ctx, msg)
	case msg.RoomChat != nil:
		c.roomChat(ctx, msg)
	}
}

func (c *Client) joinRoom(ctx context.Context, msg *ClientMessage) {
	roomId := types.CanonicalRoomId(msg.JoinRoom.RoomId)
	if _, err := c.hub.JoinRoom(ctx, roomId, c.userId, c, msg.Id); err != nil {
		c.log.Debug().Err(err).Str(logging.FieldRoomID, roomId).Msg("join failed")
		c.queueMessage(ErrFrom(msg.Id, roomId, CodeJoinFailed, err))
	}
}

func (c *Client) leaveRoom(ctx context.Context, msg *ClientMessage) {
	roomId := types.CanonicalRoomId(msg.LeaveRoomSocket.RoomId)
	if roomId == "" {
		roomId = c.currentRoom()
	}
	if roomId == "" {
		c.queueMessage(ErrNotInRoomMessage(msg.Id, ""))
		return
	}

	if err := c.hub.LeaveRoom(ctx, roomId, c.userId, c, msg.Id); err != nil {
		c.log.Debug().Err(err).Str(logging.FieldRoomID, roomId).Msg("leave failed")
		c.queueMessage(ErrFrom(msg.Id, roomId, CodeNotInRoom, err))
	}
}

func (c *Client) syncState(ctx context.Context, msg *ClientMessage) {
	in := msg.SyncState
	roomId := types.CanonicalRoomId(in.RoomId)
	if in.PlaybackState == nil {
		c.queueMessage(ErrInvalidRequest(msg.Id, "playback_state is required"))
		return
	}

	pos := in.PlaybackState.Position
	if pos == nil {
		pos = in.PlaybackState.CurrentTime
	}
	if pos == nil {
		c.queueMessage(ErrInvalidRequest(msg.Id, "position is required"))
		return
	}

	snap := playback.Snapshot{
		Playing:    in.PlaybackState.Playing,
		Position:   *pos,
		CapturedAt: msg.Timestamp,
	}

	err := c.hub.UpdatePlayback(ctx, roomId, c.userId, snap, in.CurrentSong)
	switch {
	case err == nil, errors.Is(err, types.ErrStaleUpdate):
	default:
		c.log.Debug().Err(err).Str(logging.FieldRoomID, roomId).Msg("playback update failed")
		c.queueMessage(ErrFrom(msg.Id, roomId, CodeUpdateFailed, err))
	}
}

func (c *Client) requestSync(ctx context.Context, msg *ClientMessage) {
	roomId := types.CanonicalRoomId(msg.RequestSync.RoomId)
	if _, err := c.hub.RequestSync(ctx, roomId, c.userId, c, msg.Id); err != nil {
		c.log.Debug().Err(err).Str(logging.FieldRoomID, roomId).Msg("sync request failed")
		c.queueMessage(ErrFrom(msg.Id, roomId, CodeSyncFailed, err))
	}
}

func (c *Client) roomChat(ctx context.Context, msg *ClientMessage) {
	roomId := types.CanonicalRoomId(msg.RoomChat.RoomId)
	text := strings.TrimSpace(msg.RoomChat.Message)
	if text == "" || utf8.RuneCountInString(text) > maxChatLength {
		c.queueMessage(ErrInvalidRequest(msg.Id, "message must be between 1 and 1000 characters"))
		return
	}

	if err := c.hub.SendChat(ctx, roomId, c, text, msg.Timestamp); err != nil {
		c.queueMessage(ErrFrom(msg.Id, roomId, CodeNotInRoom, err))
	}
}

// queueMessage hands msg to the write pump without blocking. It reports
// false when the message was dropped.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("send buffer full, dropping message")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message failed")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deregisterClient(c)
	c.leaveAllRooms()
	c.stopClient()
}

// leaveAllRooms reports the disconnect to every room the connection is in.
func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	for _, r := range rooms {
		req := &leaveReq{userId: c.userId, client: c, result: make(chan opResult, 1)}
		res := roundTrip(ctx, r, r.leaveChan, req, req.result)
		if res.err != nil && !errors.Is(res.err, errRoomClosed) {
			c.log.Error().Err(res.err).Str(logging.FieldRoomID, r.id).Msg("leaving room on disconnect")
		}
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
	c.current = r.id
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
	if c.current == id {
		c.current = ""
	}
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}

func (c *Client) currentRoom() string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.current
}
