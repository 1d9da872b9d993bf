package domain

import (
	"regexp"
	"time"
)

const MaxRoomIDLen = 64

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type RoomID string

// Valid reports whether id is safe to use as a storage key segment.
func (id RoomID) Valid() bool {
	return len(id) > 0 && len(id) <= MaxRoomIDLen && roomIDPattern.MatchString(string(id))
}

// Room is the registry's view of a conference. CurrentParticipants is runtime
// state only and never persisted.
type Room struct {
	ID                  RoomID    `json:"id" gorm:"primaryKey;size:64"`
	Name                string    `json:"name"`
	MaxParticipants     int       `json:"max_participants"`
	CurrentParticipants int       `json:"current_participants" gorm:"-"`
	RecordingEnabled    bool      `json:"recording_enabled"`
	CreatedAt           time.Time `json:"created_at"`
}

// RoomDefaults is used when a room is created implicitly.
type RoomDefaults struct {
	Name             string
	MaxParticipants  int
	RecordingEnabled bool
}
