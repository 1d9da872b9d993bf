package app

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const DefaultDedupTTL = time.Hour

type dedupEntry struct {
	seen      time.Time
	timestamp int64
}

type dedupTable struct {
	mu      sync.Mutex
	entries map[uint64]dedupEntry
}

// Dedup decides whether a payload was already seen in a room within the TTL.
// Each room has its own table and lock.
type Dedup struct {
	ttl    time.Duration
	clock  clock.Clock
	tables *xsync.MapOf[domain.RoomID, *dedupTable]
	store  core.DedupStore
}

type DedupOption func(*Dedup)

func WithDedupClock(c clock.Clock) DedupOption { return func(d *Dedup) { d.clock = c } }

// WithDedupStore backs the table with an external key/ttl cache.
func WithDedupStore(s core.DedupStore) DedupOption { return func(d *Dedup) { d.store = s } }

func NewDedup(ttl time.Duration, opts ...DedupOption) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	d := &Dedup{
		ttl:    ttl,
		clock:  clock.New(),
		tables: xsync.NewMapOf[domain.RoomID, *dedupTable](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func Fingerprint(payload []byte) uint64 { return xxhash.Sum64(payload) }

// IsDuplicate refreshes the entry for payload on every call, duplicate or not.
func (d *Dedup) IsDuplicate(ctx context.Context, room domain.RoomID, payload []byte, ts int64) bool {
	fp := Fingerprint(payload)
	if d.store != nil {
		return d.checkStore(ctx, room, fp, ts)
	}

	t, _ := d.tables.LoadOrCompute(room, func() *dedupTable {
		return &dedupTable{entries: make(map[uint64]dedupEntry)}
	})
	now := d.clock.Now()

	t.mu.Lock()
	prev, ok := t.entries[fp]
	t.entries[fp] = dedupEntry{seen: now, timestamp: ts}
	t.mu.Unlock()

	return ok && now.Sub(prev.seen) < d.ttl
}

func dedupKey(room domain.RoomID, fp uint64) string {
	return "dedup:" + string(room) + ":" + strconv.FormatUint(fp, 16)
}

func (d *Dedup) checkStore(ctx context.Context, room domain.RoomID, fp uint64, ts int64) bool {
	key := dedupKey(room, fp)
	seen, err := d.store.Exists(ctx, key)
	if err != nil {
		log.Warn().Str("module", "app.dedup").Str("room", string(room)).Err(err).Msg("dedup lookup failed, treating frame as new")
		seen = false
	}
	if err := d.store.SetWithTTL(ctx, key, strconv.FormatInt(ts, 10), d.ttl); err != nil {
		log.Warn().Str("module", "app.dedup").Str("room", string(room)).Err(err).Msg("dedup refresh failed")
	}
	return seen
}

// Sweep evicts expired entries from the local tables and returns how many.
func (d *Dedup) Sweep() int {
	cutoff := d.clock.Now().Add(-d.ttl)
	var removed int
	d.tables.Range(func(_ domain.RoomID, t *dedupTable) bool {
		t.mu.Lock()
		for fp, e := range t.entries {
			if !e.seen.After(cutoff) {
				delete(t.entries, fp)
				removed++
			}
		}
		t.mu.Unlock()
		return true
	})
	if removed > 0 {
		log.Debug().Str("module", "app.dedup").Int("removed", removed).Msg("swept dedup entries")
	}
	return removed
}

// Len is the number of entries held locally for room.
func (d *Dedup) Len(room domain.RoomID) int {
	t, ok := d.tables.Load(room)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
