package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
)

// notFound is a valid answer from a healthy collaborator and must not trip
// the breaker.
func notFound(err error) bool { return errors.Is(err, core.ErrNotFound) }

// GuardedFrameStore routes every FrameStore call through a Guard.
type GuardedFrameStore struct {
	inner core.FrameStore
	guard *Guard
}

func NewGuardedFrameStore(inner core.FrameStore, g *Guard) *GuardedFrameStore {
	return &GuardedFrameStore{inner: inner, guard: g}
}

func (s *GuardedFrameStore) Put(ctx context.Context, room domain.RoomID, ts int64, data []byte) (string, error) {
	var token string
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		t, err := s.inner.Put(ctx, room, ts, data)
		token = t
		return err
	})
	return token, err
}

func (s *GuardedFrameStore) List(ctx context.Context, room domain.RoomID) ([]string, error) {
	var out []string
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		l, err := s.inner.List(ctx, room)
		out = l
		return err
	})
	return out, err
}

func (s *GuardedFrameStore) Get(ctx context.Context, token string) ([]byte, error) {
	var data []byte
	var missing error
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		d, err := s.inner.Get(ctx, token)
		if notFound(err) {
			missing = err
			return nil
		}
		data = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, missing
}

func (s *GuardedFrameStore) Delete(ctx context.Context, token string) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.inner.Delete(ctx, token)
	})
}

type GuardedDedupStore struct {
	inner core.DedupStore
	guard *Guard
}

func NewGuardedDedupStore(inner core.DedupStore, g *Guard) *GuardedDedupStore {
	return &GuardedDedupStore{inner: inner, guard: g}
}

func (s *GuardedDedupStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		v, err := s.inner.Exists(ctx, key)
		ok = v
		return err
	})
	return ok, err
}

func (s *GuardedDedupStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.inner.SetWithTTL(ctx, key, value, ttl)
	})
}

type GuardedRoomRepository struct {
	inner core.RoomRepository
	guard *Guard
}

func NewGuardedRoomRepository(inner core.RoomRepository, g *Guard) *GuardedRoomRepository {
	return &GuardedRoomRepository{inner: inner, guard: g}
}

func (r *GuardedRoomRepository) SaveRoom(ctx context.Context, room domain.Room) error {
	return r.guard.Do(ctx, func(ctx context.Context) error {
		return r.inner.SaveRoom(ctx, room)
	})
}

func (r *GuardedRoomRepository) GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	var room domain.Room
	var missing error
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		v, err := r.inner.GetRoom(ctx, id)
		if errors.Is(err, domain.ErrRoomNotFound) || notFound(err) {
			missing = err
			return nil
		}
		room = v
		return err
	})
	if err != nil {
		return domain.Room{}, err
	}
	return room, missing
}

func (r *GuardedRoomRepository) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var out []domain.Room
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		v, err := r.inner.ListRooms(ctx)
		out = v
		return err
	})
	return out, err
}

type GuardedRecordingRepository struct {
	inner core.RecordingRepository
	guard *Guard
}

func NewGuardedRecordingRepository(inner core.RecordingRepository, g *Guard) *GuardedRecordingRepository {
	return &GuardedRecordingRepository{inner: inner, guard: g}
}

func (r *GuardedRecordingRepository) SaveRecording(ctx context.Context, rec domain.Recording) error {
	return r.guard.Do(ctx, func(ctx context.Context) error {
		return r.inner.SaveRecording(ctx, rec)
	})
}

func (r *GuardedRecordingRepository) GetRecording(ctx context.Context, id string) (domain.Recording, error) {
	var rec domain.Recording
	var missing error
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		v, err := r.inner.GetRecording(ctx, id)
		if notFound(err) {
			missing = err
			return nil
		}
		rec = v
		return err
	})
	if err != nil {
		return domain.Recording{}, err
	}
	return rec, missing
}

func (r *GuardedRecordingRepository) ListRecordings(ctx context.Context, room domain.RoomID) ([]domain.Recording, error) {
	var out []domain.Recording
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		v, err := r.inner.ListRecordings(ctx, room)
		out = v
		return err
	})
	return out, err
}
