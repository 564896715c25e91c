package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-syncroom/internal/logging"
	"github.com/npezzotti/go-syncroom/internal/server"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
)

type CreateRoomRequest struct {
	Name          string `json:"name"`
	IsFriendsOnly bool   `json:"is_friends_only"`
}

type RoomResponse struct {
	types.Room
	IsHost bool `json:"is_host"`
}

func newRoomResponse(room types.Room, userId string) RoomResponse {
	return RoomResponse{Room: room, IsHost: room.HostId == userId}
}

// requestLog returns the request scoped logger, or the app logger when
// the request did not pass through the logging middleware.
func (s *SyncRoomApp) requestLog(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.log
}

func (s *SyncRoomApp) writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *SyncRoomApp) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := apiErrorFrom(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.requestLog(r).Error().Err(err).Msg("request failed")
	} else {
		s.requestLog(r).Debug().Err(err).Int("status", errResp.StatusCode).Msg("request rejected")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *SyncRoomApp) userId(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return userId, ok
}

func (s *SyncRoomApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.requestLog(r).Debug().Err(err).Msg("invalid create room body")
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.hub.CreateRoom(r.Context(), userId, req.Name, req.IsFriendsOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, newRoomResponse(room, userId))
}

func (s *SyncRoomApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	room, err := s.hub.JoinRoom(r.Context(), r.PathValue("id"), userId, nil, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, newRoomResponse(room, userId))
}

func (s *SyncRoomApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	if err := s.hub.LeaveRoom(r.Context(), r.PathValue("id"), userId, nil, 0); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *SyncRoomApp) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	room, err := s.hub.GetRoom(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, newRoomResponse(room, userId))
}

func (s *SyncRoomApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	rooms, err := s.hub.ListUserRooms(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if rooms == nil {
		rooms = []types.UserRoom{}
	}
	s.writeJson(w, http.StatusOK, rooms)
}

func (s *SyncRoomApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Ping(); err != nil {
		s.requestLog(r).Error().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *SyncRoomApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.userId(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLog(r).Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client, err := server.NewClient(userId, conn, s.hub, s.log)
	if err != nil {
		s.requestLog(r).Error().Err(err).Msg("failed to create client")
		conn.Close()
		return
	}

	s.hub.RegisterClient(client)
	s.requestLog(r).Info().Str(logging.FieldConnID, client.Id()).Str(logging.FieldUserID, userId).Msg("client connected")

	go client.Write()
	go client.Read()
}
