package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticGate struct{ critical atomic.Bool }

func (g *staticGate) Critical() bool { return g.critical.Load() }

func newManager(opts ...RoomManagerOption) *RoomManager {
	return NewRoomManager(RoomManagerConfig{MaxConnections: 1000, MaxRoomSize: 100}, opts...)
}

func TestAdmissionScenario(t *testing.T) {
	m := newManager()
	m.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{MaxParticipants: 2})

	conn1, err := m.Admit("r1")
	require.NoError(t, err)
	conn2, err := m.Admit("r1")
	require.NoError(t, err)
	_, err = m.Admit("r1")
	require.ErrorIs(t, err, domain.ErrRoomFull)

	conn1.Release()
	conn3, err := m.Admit("r1")
	require.NoError(t, err)

	room, _ := m.Get("r1")
	assert.Equal(t, 2, room.CurrentParticipants)
	conn2.Release()
	conn3.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newManager()
	m.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{MaxParticipants: 2})

	a, err := m.Admit("r1")
	require.NoError(t, err)
	b, err := m.Admit("r1")
	require.NoError(t, err)

	a.Release()
	a.Release()
	m.Release(a)
	m.Release(nil)

	room, _ := m.Get("r1")
	assert.Equal(t, 1, room.CurrentParticipants)
	assert.Equal(t, 1, m.Connections())
	b.Release()
	room, _ = m.Get("r1")
	assert.Zero(t, room.CurrentParticipants)
	assert.Zero(t, m.Connections())
}

func TestAdmitUnknownRoom(t *testing.T) {
	_, err := newManager().Admit("nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestAdmitGlobalLimit(t *testing.T) {
	m := NewRoomManager(RoomManagerConfig{MaxConnections: 1})
	ctx := context.Background()
	m.GetOrCreate(ctx, "a", domain.RoomDefaults{})
	m.GetOrCreate(ctx, "b", domain.RoomDefaults{})

	first, err := m.Admit("a")
	require.NoError(t, err)
	_, err = m.Admit("b")
	assert.ErrorIs(t, err, domain.ErrServerFull)

	first.Release()
	_, err = m.Admit("b")
	assert.NoError(t, err)
}

func TestAdmitRejectedWhileCritical(t *testing.T) {
	gate := &staticGate{}
	m := newManager(WithGate(gate))
	m.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{})

	gate.critical.Store(true)
	_, err := m.Admit("r1")
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
	assert.Zero(t, m.Connections())

	gate.critical.Store(false)
	_, err = m.Admit("r1")
	assert.NoError(t, err)
}

func TestConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	const capacity = 5
	m := newManager()
	m.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{MaxParticipants: capacity})

	var (
		wg       sync.WaitGroup
		peak     atomic.Int64
		inFlight atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a, err := m.Admit("r1")
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrRoomFull)
					continue
				}
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				room, _ := m.Get("r1")
				assert.LessOrEqual(t, room.CurrentParticipants, capacity)
				inFlight.Add(-1)
				a.Release()
				a.Release()
			}
		}()
	}
	wg.Wait()

	room, _ := m.Get("r1")
	assert.Zero(t, room.CurrentParticipants)
	assert.Zero(t, m.Connections())
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
}

func TestGetOrCreateSingleWinner(t *testing.T) {
	m := newManager()
	var wg sync.WaitGroup
	results := make([]domain.Room, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate(context.Background(), "shared", domain.RoomDefaults{MaxParticipants: i + 1})
		}(i)
	}
	wg.Wait()

	require.Len(t, m.List(), 1)
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestGetOrCreateClampsToMaxRoomSize(t *testing.T) {
	m := NewRoomManager(RoomManagerConfig{MaxRoomSize: 3})
	room := m.GetOrCreate(context.Background(), "big", domain.RoomDefaults{MaxParticipants: 50})
	assert.Equal(t, 3, room.MaxParticipants)

	room = m.GetOrCreate(context.Background(), "dflt", domain.RoomDefaults{})
	assert.Equal(t, 3, room.MaxParticipants)
}

func TestChannelIsCreatedOnce(t *testing.T) {
	m := newManager()
	m.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{})

	a, err := m.Channel("r1")
	require.NoError(t, err)
	b, err := m.Channel("r1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Channel("missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

type memRoomRepo struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]domain.Room
}

func newMemRoomRepo() *memRoomRepo { return &memRoomRepo{rooms: map[domain.RoomID]domain.Room{}} }

func (r *memRoomRepo) SaveRoom(_ context.Context, room domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
	return nil
}

func (r *memRoomRepo) GetRoom(_ context.Context, id domain.RoomID) (domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

func (r *memRoomRepo) ListRooms(context.Context) ([]domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out, nil
}

func TestRoomsArePersistedAndRestored(t *testing.T) {
	repo := newMemRoomRepo()
	ctx := context.Background()
	m := newManager(WithRoomRepository(repo))
	created := m.Create(ctx, domain.RoomDefaults{Name: "standup", MaxParticipants: 4, RecordingEnabled: true})
	m.GetOrCreate(ctx, "lazy", domain.RoomDefaults{})
	require.Len(t, repo.rooms, 2)

	restored := newManager(WithRoomRepository(repo))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := restored.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Name)
	assert.True(t, got.RecordingEnabled)
	assert.Zero(t, got.CurrentParticipants)
}

func TestRoomPolicy(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := StrictRooms.Resolve(ctx, m, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	room, err := LazyRooms.Resolve(ctx, m, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), room.ID)

	_, err = StrictRooms.Resolve(ctx, m, "r1")
	assert.NoError(t, err)

	_, err = LazyRooms.Resolve(ctx, m, "../etc")
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)

	p, err := ParseRoomPolicy("Strict")
	require.NoError(t, err)
	assert.Equal(t, StrictRooms, p)
	_, err = ParseRoomPolicy("eager")
	assert.Error(t, err)
}

func TestFetchFallsBackToRepository(t *testing.T) {
	repo := newMemRoomRepo()
	ctx := context.Background()
	require.NoError(t, repo.SaveRoom(ctx, domain.Room{ID: "remote", Name: "remote", MaxParticipants: 3, CurrentParticipants: 2}))
	m := newManager(WithRoomRepository(repo))

	_, err := m.Get("remote")
	require.ErrorIs(t, err, domain.ErrRoomNotFound)

	room, err := m.Fetch(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, 3, room.MaxParticipants)
	assert.Zero(t, room.CurrentParticipants)

	// Cached after the first fetch.
	_, err = m.Get("remote")
	assert.NoError(t, err)

	// Strict rooms admit rooms known only to the repository.
	_, err = StrictRooms.Resolve(ctx, m, "remote")
	assert.NoError(t, err)

	_, err = m.Fetch(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = newManager().Fetch(ctx, "remote")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
