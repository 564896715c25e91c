package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-syncroom/internal/types"
)

const (
	uniqueViolation = "23505"

	selectRoomQuery = "SELECT room_id, host_id, name, is_friends_only, current_track, playing, position_seconds, " +
		"captured_at, created_at, last_activity_at FROM rooms WHERE room_id = $1"

	upsertParticipationQuery = "INSERT INTO participants (room_id, user_id, joined_at, last_seen_at, is_active) " +
		"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (room_id, user_id) " +
		"DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, is_active = EXCLUDED.is_active"
)

func (db *PgRepository) LoadRoom(ctx context.Context, roomId string) (types.RoomState, error) {
	var (
		room  types.RoomState
		track []byte
	)

	err := db.conn.QueryRowContext(ctx, selectRoomQuery, roomId).Scan(
		&room.RoomId,
		&room.HostId,
		&room.Name,
		&room.IsFriendsOnly,
		&track,
		&room.Playback.Playing,
		&room.Playback.Position,
		&room.Playback.CapturedAt,
		&room.CreatedAt,
		&room.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room, fmt.Errorf("room %q: %w", roomId, types.ErrNotFound)
		}
		return room, err
	}

	if room.CurrentTrack, err = decodeTrack(track); err != nil {
		return room, fmt.Errorf("decode track: %w", err)
	}

	return room, nil
}

func (db *PgRepository) CreateRoom(ctx context.Context, room types.RoomState) error {
	track, err := encodeTrack(room.CurrentTrack)
	if err != nil {
		return fmt.Errorf("encode track: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO rooms (room_id, host_id, name, is_friends_only, current_track, playing, position_seconds, "+
			"captured_at, created_at, last_activity_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		room.RoomId,
		room.HostId,
		room.Name,
		room.IsFriendsOnly,
		track,
		room.Playback.Playing,
		room.Playback.Position,
		room.Playback.CapturedAt,
		room.CreatedAt,
		room.LastActivityAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = ErrRoomIdTaken
		}
		return err
	}

	_, err = tx.ExecContext(ctx, upsertParticipationQuery,
		room.RoomId,
		room.HostId,
		room.CreatedAt,
		room.CreatedAt,
		true,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRepository) SaveRoom(ctx context.Context, room types.RoomState) error {
	track, err := encodeTrack(room.CurrentTrack)
	if err != nil {
		return fmt.Errorf("encode track: %w", err)
	}

	// the insert branch restores a row removed by a concurrent idle sweep
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO rooms (room_id, host_id, name, is_friends_only, current_track, playing, position_seconds, "+
			"captured_at, created_at, last_activity_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) "+
			"ON CONFLICT (room_id) DO UPDATE SET host_id = EXCLUDED.host_id, current_track = EXCLUDED.current_track, "+
			"playing = EXCLUDED.playing, position_seconds = EXCLUDED.position_seconds, "+
			"captured_at = EXCLUDED.captured_at, last_activity_at = EXCLUDED.last_activity_at "+
			"WHERE rooms.captured_at <= EXCLUDED.captured_at",
		room.RoomId,
		room.HostId,
		room.Name,
		room.IsFriendsOnly,
		track,
		room.Playback.Playing,
		room.Playback.Position,
		room.Playback.CapturedAt,
		room.CreatedAt,
		room.LastActivityAt,
	)

	return err
}

func (db *PgRepository) DeleteRoom(ctx context.Context, roomId string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = $1", roomId)
	return err
}

func (db *PgRepository) UpsertParticipation(ctx context.Context, p types.Participation) error {
	_, err := db.conn.ExecContext(ctx, upsertParticipationQuery,
		p.RoomId,
		p.UserId,
		p.JoinedAt,
		p.LastSeenAt,
		p.IsActive,
	)

	return err
}

func (db *PgRepository) ListParticipants(ctx context.Context, roomId string) ([]types.Participation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT room_id, user_id, joined_at, last_seen_at, is_active FROM participants "+
			"WHERE room_id = $1 ORDER BY joined_at, user_id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []types.Participation
	for rows.Next() {
		var p types.Participation
		if err := rows.Scan(&p.RoomId, &p.UserId, &p.JoinedAt, &p.LastSeenAt, &p.IsActive); err != nil {
			return nil, err
		}

		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (db *PgRepository) ListUserRooms(ctx context.Context, userId string) ([]types.UserRoom, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.room_id, r.name, r.host_id, r.is_friends_only, p.joined_at, r.last_activity_at "+
			"FROM participants p JOIN rooms r ON r.room_id = p.room_id "+
			"WHERE p.user_id = $1 AND p.is_active ORDER BY r.last_activity_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]types.UserRoom, 0)
	for rows.Next() {
		var room types.UserRoom
		if err := rows.Scan(
			&room.RoomId,
			&room.Name,
			&room.HostId,
			&room.IsFriendsOnly,
			&room.JoinedAt,
			&room.LastActivityAt,
		); err != nil {
			return nil, err
		}

		room.IsHost = room.HostId == userId
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgRepository) DeleteIdleRooms(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}

	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM rooms WHERE last_activity_at < $1 AND room_id <> ALL($2)",
		cutoff,
		pq.Array(keep),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgRepository) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	u1, u2 := FriendPair(userA, userB)

	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM friendships WHERE user1_id = $1 AND user2_id = $2)",
		u1,
		u2,
	).Scan(&exists)

	return exists, err
}

// encodeTrack returns the jsonb text of t. lib/pq sends []byte as bytea,
// so the value travels as a string.
func encodeTrack(t *types.Track) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTrack(raw []byte) (*types.Track, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var t types.Track
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
