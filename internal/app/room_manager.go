package app

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/dkeye/StreamRoom/internal/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Gate vetoes admissions while the process is short on resources.
type Gate interface {
	Critical() bool
}

type RoomManagerConfig struct {
	MaxConnections int
	MaxRoomSize    int
	ChannelBuffer  int
	Defaults       domain.RoomDefaults
}

type roomEntry struct {
	mu      sync.Mutex
	room    domain.Room
	channel *core.RoomChannel
}

// RoomManager is the single owner of room state and participant counts.
type RoomManager struct {
	cfg     RoomManagerConfig
	rooms   *xsync.MapOf[domain.RoomID, *roomEntry]
	conns   atomic.Int64
	gate    Gate
	repo    core.RoomRepository
	metrics *metrics.Collector
	clock   clock.Clock
}

type RoomManagerOption func(*RoomManager)

func WithGate(g Gate) RoomManagerOption { return func(m *RoomManager) { m.gate = g } }

func WithRoomRepository(r core.RoomRepository) RoomManagerOption {
	return func(m *RoomManager) { m.repo = r }
}

func WithMetrics(c *metrics.Collector) RoomManagerOption {
	return func(m *RoomManager) { m.metrics = c }
}

func WithRoomClock(c clock.Clock) RoomManagerOption { return func(m *RoomManager) { m.clock = c } }

func NewRoomManager(cfg RoomManagerConfig, opts ...RoomManagerOption) *RoomManager {
	if cfg.Defaults.MaxParticipants <= 0 {
		cfg.Defaults.MaxParticipants = 10
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = core.DefaultChannelBuffer
	}
	m := &RoomManager{
		cfg:   cfg,
		rooms: xsync.NewMapOf[domain.RoomID, *roomEntry](),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RoomManager) Defaults() domain.RoomDefaults { return m.cfg.Defaults }

func (m *RoomManager) newRoom(id domain.RoomID, d domain.RoomDefaults) domain.Room {
	if d.Name == "" {
		d.Name = string(id)
	}
	if d.MaxParticipants <= 0 {
		d.MaxParticipants = m.cfg.Defaults.MaxParticipants
	}
	if m.cfg.MaxRoomSize > 0 {
		d.MaxParticipants = min(d.MaxParticipants, m.cfg.MaxRoomSize)
	}
	return domain.Room{
		ID:               id,
		Name:             d.Name,
		MaxParticipants:  d.MaxParticipants,
		RecordingEnabled: d.RecordingEnabled,
		CreatedAt:        m.clock.Now().UTC(),
	}
}

// GetOrCreate returns the room for id, creating it from defaults if needed.
// Concurrent callers for a new id all observe the same room.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID, d domain.RoomDefaults) domain.Room {
	if e, ok := m.rooms.Load(id); ok {
		return e.snapshot()
	}
	created := false
	e, _ := m.rooms.LoadOrCompute(id, func() *roomEntry {
		created = true
		return &roomEntry{room: m.newRoom(id, d)}
	})
	room := e.snapshot()
	if created {
		log.Info().Str("module", "app.room_manager").Str("room", string(id)).Int("max", room.MaxParticipants).Msg("created room")
		m.persist(ctx, room)
	}
	return room
}

// Create registers a new room under a generated id.
func (m *RoomManager) Create(ctx context.Context, d domain.RoomDefaults) domain.Room {
	for {
		id := domain.RoomID(uuid.NewString())
		if _, loaded := m.rooms.LoadOrStore(id, &roomEntry{room: m.newRoom(id, d)}); loaded {
			continue
		}
		e, _ := m.rooms.Load(id)
		room := e.snapshot()
		log.Info().Str("module", "app.room_manager").Str("room", string(id)).Str("name", room.Name).Msg("created room")
		m.persist(ctx, room)
		return room
	}
}

func (m *RoomManager) persist(ctx context.Context, room domain.Room) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveRoom(ctx, room); err != nil {
		log.Error().Str("module", "app.room_manager").Str("room", string(room.ID)).Err(err).Msg("failed to persist room")
	}
}

func (m *RoomManager) Get(id domain.RoomID) (domain.Room, error) {
	e, ok := m.rooms.Load(id)
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return e.snapshot(), nil
}

// Fetch is Get with a fallback to the room repository for rooms created by
// another instance or evicted from memory. A room found there is cached.
func (m *RoomManager) Fetch(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	if e, ok := m.rooms.Load(id); ok {
		return e.snapshot(), nil
	}
	if m.repo == nil {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	room, err := m.repo.GetRoom(ctx, id)
	if err != nil {
		return domain.Room{}, err
	}
	room.CurrentParticipants = 0
	e, _ := m.rooms.LoadOrStore(id, &roomEntry{room: room})
	return e.snapshot(), nil
}

// List returns a point-in-time copy ordered by creation time.
func (m *RoomManager) List() []domain.Room {
	out := make([]domain.Room, 0, m.rooms.Size())
	m.rooms.Range(func(_ domain.RoomID, e *roomEntry) bool {
		out = append(out, e.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Load restores persisted rooms. Rooms already in memory win.
func (m *RoomManager) Load(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	rooms, err := m.repo.ListRooms(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, r := range rooms {
		r.CurrentParticipants = 0
		if _, loaded := m.rooms.LoadOrStore(r.ID, &roomEntry{room: r}); !loaded {
			n++
		}
	}
	log.Info().Str("module", "app.room_manager").Int("rooms", n).Msg("restored rooms")
	return n, nil
}

// Channel returns the room's broadcast channel, creating it on first use.
func (m *RoomManager) Channel(id domain.RoomID) (*core.RoomChannel, error) {
	e, ok := m.rooms.Load(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		e.channel = core.NewRoomChannel(id, m.cfg.ChannelBuffer)
	}
	return e.channel, nil
}

func (m *RoomManager) Connections() int { return int(m.conns.Load()) }

// Admit reserves one participant slot in the room and one global slot.
func (m *RoomManager) Admit(id domain.RoomID) (*Admission, error) {
	a, err := m.admit(id)
	if err != nil {
		m.metrics.AdmissionRejected(domain.ReasonOf(err).Code)
		return nil, err
	}
	m.metrics.SetConnections(m.conns.Load())
	return a, nil
}

func (m *RoomManager) admit(id domain.RoomID) (*Admission, error) {
	if m.gate != nil && m.gate.Critical() {
		return nil, domain.ErrResourceExhausted
	}
	e, ok := m.rooms.Load(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if !m.reserveGlobal() {
		return nil, domain.ErrServerFull
	}

	e.mu.Lock()
	if e.room.CurrentParticipants >= e.room.MaxParticipants {
		e.mu.Unlock()
		m.conns.Add(-1)
		return nil, domain.ErrRoomFull
	}
	e.room.CurrentParticipants++
	current := e.room.CurrentParticipants
	e.mu.Unlock()

	log.Debug().Str("module", "app.room_manager").Str("room", string(id)).Int("current", current).Msg("admitted")
	return &Admission{room: id, since: m.clock.Now(), release: func() { m.release(e) }}, nil
}

func (m *RoomManager) reserveGlobal() bool {
	limit := int64(m.cfg.MaxConnections)
	for {
		cur := m.conns.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if m.conns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (m *RoomManager) release(e *roomEntry) {
	e.mu.Lock()
	if e.room.CurrentParticipants > 0 {
		e.room.CurrentParticipants--
	}
	e.mu.Unlock()
	for {
		cur := m.conns.Load()
		if cur <= 0 || m.conns.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	m.metrics.SetConnections(m.conns.Load())
}

// Release is a convenience for a.Release and accepts nil.
func (m *RoomManager) Release(a *Admission) {
	if a != nil {
		a.Release()
	}
}

func (e *roomEntry) snapshot() domain.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// Admission is a held participant slot. Release frees it exactly once.
type Admission struct {
	room    domain.RoomID
	since   time.Time
	once    sync.Once
	release func()
}

func (a *Admission) Room() domain.RoomID { return a.room }
func (a *Admission) Since() time.Time    { return a.since }

func (a *Admission) Release() {
	a.once.Do(a.release)
}
