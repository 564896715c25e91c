package server

import (
	"errors"
	"time"

	"github.com/npezzotti/go-syncroom/internal/types"
)

// Error codes carried by error frames.
const (
	CodeJoinFailed     = "JOIN_FAILED"
	CodeUpdateFailed   = "UPDATE_FAILED"
	CodeSyncFailed     = "SYNC_FAILED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotInRoom      = "NOT_IN_ROOM"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternalError  = "INTERNAL_ERROR"
)

// ErrNotInRoom is returned for room events sent by a connection that is not
// present in the room.
var ErrNotInRoom = errors.New("not in room")

type ClientMessage struct {
	Id              int          `json:"id,omitempty"`
	JoinRoom        *JoinRoom    `json:"join_room,omitempty"`
	LeaveRoomSocket *LeaveRoom   `json:"leave_room_socket,omitempty"`
	SyncState       *SyncState   `json:"sync_state,omitempty"`
	RequestSync     *RequestSync `json:"request_sync,omitempty"`
	RoomChat        *RoomChat    `json:"room_chat,omitempty"`
	Ping            *Ping        `json:"ping,omitempty"`
	// Timestamp is the arrival time of the frame.
	Timestamp time.Time `json:"-"`
}

// events returns the number of event keys set on the frame.
func (m *ClientMessage) events() int {
	n := 0
	for _, set := range []bool{
		m.JoinRoom != nil,
		m.LeaveRoomSocket != nil,
		m.SyncState != nil,
		m.RequestSync != nil,
		m.RoomChat != nil,
		m.Ping != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

type JoinRoom struct {
	RoomId string `json:"room_id"`
}

// LeaveRoom leaves RoomId, or the connection's current room when empty.
type LeaveRoom struct {
	RoomId string `json:"room_id,omitempty"`
}

type SyncState struct {
	RoomId        string         `json:"room_id"`
	PlaybackState *PlaybackInput `json:"playback_state"`
	CurrentSong   *types.Track   `json:"current_song,omitempty"`
}

// PlaybackInput is the playback state reported by a host. Position wins
// over CurrentTime when both are sent.
type PlaybackInput struct {
	Playing     bool     `json:"playing"`
	Position    *float64 `json:"position,omitempty"`
	CurrentTime *float64 `json:"current_time,omitempty"`
}

type RequestSync struct {
	RoomId string `json:"room_id"`
}

type RoomChat struct {
	RoomId  string `json:"room_id"`
	Message string `json:"message"`
}

type Ping struct{}

type ServerMessage struct {
	Id                 int                 `json:"id,omitempty"`
	RoomId             string              `json:"room_id,omitempty"`
	Seq                int64               `json:"seq,omitempty"`
	Connected          *Connected          `json:"connected,omitempty"`
	RoomJoined         *RoomJoined         `json:"room_joined,omitempty"`
	RoomLeft           *RoomLeft           `json:"room_left,omitempty"`
	UserJoined         *UserJoined         `json:"user_joined,omitempty"`
	UserLeft           *UserLeft           `json:"user_left,omitempty"`
	StateSynced        *StateSynced        `json:"state_synced,omitempty"`
	ParticipantsUpdate *ParticipantsUpdate `json:"room_participants_update,omitempty"`
	RoomChat           *ChatMessage        `json:"room_chat,omitempty"`
	Error              *ErrorEvent         `json:"error,omitempty"`
	Pong               *Pong               `json:"pong,omitempty"`
}

type Connected struct {
	UserId    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomJoined struct {
	RoomId    string     `json:"room_id"`
	RoomState types.Room `json:"room_state"`
	IsHost    bool       `json:"is_host"`
	Timestamp time.Time  `json:"timestamp"`
}

type RoomLeft struct {
	RoomId    string    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`
}

type UserJoined struct {
	UserId    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type UserLeft struct {
	UserId    string    `json:"user_id"`
	NewHostId string    `json:"new_host_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StateSynced struct {
	PlaybackState types.PlaybackState `json:"playback_state"`
	CurrentSong   *types.Track        `json:"current_song,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

type ParticipantsUpdate struct {
	RoomId       string              `json:"room_id"`
	HostId       string              `json:"host_id"`
	Participants []types.Participant `json:"participants"`
	Timestamp    time.Time           `json:"timestamp"`
}

type ChatMessage struct {
	UserId    string    `json:"user_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func NewPong(id int) *ServerMessage {
	return &ServerMessage{
		Id:   id,
		Pong: &Pong{Timestamp: Now()},
	}
}

func NewConnected(userId string) *ServerMessage {
	return &ServerMessage{
		Connected: &Connected{UserId: userId, Timestamp: Now()},
	}
}

func ErrInvalidRequest(id int, message string) *ServerMessage {
	return &ServerMessage{
		Id:    id,
		Error: &ErrorEvent{Message: message, Code: CodeInvalidRequest},
	}
}

func ErrNotInRoomMessage(id int, roomId string) *ServerMessage {
	return &ServerMessage{
		Id:     id,
		RoomId: roomId,
		Error:  &ErrorEvent{Message: "not in room", Code: CodeNotInRoom},
	}
}

// ErrFrom builds the error frame for err. failCode is used for the not found
// and forbidden outcomes of the operation that failed.
func ErrFrom(id int, roomId, failCode string, err error) *ServerMessage {
	msg := &ServerMessage{Id: id, RoomId: roomId, Error: &ErrorEvent{Message: err.Error()}}

	switch {
	case errors.Is(err, types.ErrInvalidInput):
		msg.Error.Code = CodeInvalidRequest
	case errors.Is(err, types.ErrRateLimited):
		msg.Error.Code = CodeRateLimited
	case errors.Is(err, ErrNotInRoom):
		msg.Error.Code = CodeNotInRoom
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrForbidden):
		msg.Error.Code = failCode
	default:
		msg.Error.Code = CodeInternalError
		msg.Error.Message = "internal server error"
	}

	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
