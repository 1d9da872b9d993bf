package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/StreamRoom/internal/domain"
)

var ErrNotFound = errors.New("not found")

// FrameStore persists frames. Put must be idempotent for the same
// room, timestamp and bytes so callers can retry it.
type FrameStore interface {
	Put(ctx context.Context, room domain.RoomID, timestamp int64, data []byte) (string, error)
	List(ctx context.Context, room domain.RoomID) ([]string, error)
	Get(ctx context.Context, token string) ([]byte, error)
	Delete(ctx context.Context, token string) error
}

// DedupStore is an externalized key/ttl cache backing the dedup table.
type DedupStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

type RoomRepository interface {
	SaveRoom(ctx context.Context, room domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
	ListRooms(ctx context.Context) ([]domain.Room, error)
}

type RecordingRepository interface {
	SaveRecording(ctx context.Context, rec domain.Recording) error
	GetRecording(ctx context.Context, id string) (domain.Recording, error)
	ListRecordings(ctx context.Context, room domain.RoomID) ([]domain.Recording, error)
}
