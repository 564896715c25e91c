package types

import (
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-syncroom/internal/playback"
)

// Track identifies the media the room is listening to. It is always
// replaced as a whole.
type Track struct {
	Title           string   `json:"title"`
	Artists         []string `json:"artists"`
	ExternalMediaId string   `json:"external_media_id"`
}

func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}

	c := *t
	c.Artists = slices.Clone(t.Artists)
	return &c
}

// RoomState is the authoritative state of a room.
type RoomState struct {
	RoomId         string
	HostId         string
	Name           string
	IsFriendsOnly  bool
	CurrentTrack   *Track
	Playback       playback.Snapshot
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (s RoomState) Clone() RoomState {
	s.CurrentTrack = s.CurrentTrack.Clone()
	return s
}

// Participation is the durable membership record of a user in a room.
type Participation struct {
	RoomId     string
	UserId     string
	JoinedAt   time.Time
	LastSeenAt time.Time
	IsActive   bool
}

type PlaybackState struct {
	Playing     bool      `json:"playing"`
	Position    float64   `json:"position"`
	Timestamp   time.Time `json:"timestamp"`
	CurrentTime float64   `json:"current_time"`
	Stale       bool      `json:"stale"`
}

// NewPlaybackState renders s for delivery at now. Position and Timestamp
// carry the stored snapshot, CurrentTime the reconciled position.
func NewPlaybackState(s playback.Snapshot, r playback.Reconciler, now time.Time) PlaybackState {
	pos, stale := r.Position(s, now)
	return PlaybackState{
		Playing:     s.Playing,
		Position:    s.Position,
		Timestamp:   s.CapturedAt,
		CurrentTime: pos,
		Stale:       stale,
	}
}

type Participant struct {
	UserId   string    `json:"user_id"`
	IsHost   bool      `json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
}

type Room struct {
	RoomId         string        `json:"room_id"`
	HostId         string        `json:"host_id"`
	Name           string        `json:"name,omitempty"`
	IsFriendsOnly  bool          `json:"is_friends_only"`
	CurrentSong    *Track        `json:"current_song,omitempty"`
	PlaybackState  PlaybackState `json:"playback_state"`
	Participants   []Participant `json:"participants"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// UserRoom is a room listed from the point of view of one member.
type UserRoom struct {
	RoomId         string    `json:"room_id"`
	Name           string    `json:"name,omitempty"`
	HostId         string    `json:"host_id"`
	IsFriendsOnly  bool      `json:"is_friends_only"`
	IsHost         bool      `json:"is_host"`
	JoinedAt       time.Time `json:"joined_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CanonicalRoomId normalizes a user supplied room code.
func CanonicalRoomId(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
