package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/StreamRoom/internal/domain"
)

// RoomPolicy decides whether connecting to an unknown room creates it.
type RoomPolicy int

const (
	LazyRooms RoomPolicy = iota
	StrictRooms
)

func ParseRoomPolicy(s string) (RoomPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lazy":
		return LazyRooms, nil
	case "strict":
		return StrictRooms, nil
	default:
		return LazyRooms, fmt.Errorf("unknown room policy %q", s)
	}
}

func (p RoomPolicy) String() string {
	if p == StrictRooms {
		return "strict"
	}
	return "lazy"
}

// Resolve returns the room a new connection should be admitted into.
func (p RoomPolicy) Resolve(ctx context.Context, rooms *RoomManager, id domain.RoomID) (domain.Room, error) {
	if !id.Valid() {
		return domain.Room{}, fmt.Errorf("%w: %q", domain.ErrInvalidRoomID, id)
	}
	if p == StrictRooms {
		return rooms.Fetch(ctx, id)
	}
	return rooms.GetOrCreate(ctx, id, rooms.Defaults()), nil
}
