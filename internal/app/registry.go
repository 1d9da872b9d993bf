package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionID string

type sessionEntry struct {
	Room        domain.RoomID
	Participant domain.Participant
	Since       time.Time
	Cancel      context.CancelFunc
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ID          SessionID          `json:"id"`
	Room        domain.RoomID      `json:"room"`
	Participant domain.Participant `json:"participant"`
	Since       time.Time          `json:"since"`
}

// Registry tracks live stream sessions so they can be listed and canceled.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionID]*sessionEntry)}
}

func (r *Registry) Bind(sid SessionID, room domain.RoomID, p domain.Participant, since time.Time, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Room: room, Participant: p, Since: since, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("bound session")
}

func (r *Registry) Unbind(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid SessionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return e.Room, true
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, SessionInfo{ID: sid, Room: e.Room, Participant: e.Participant, Since: e.Since})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	var cancel context.CancelFunc
	if ok {
		cancel = e.Cancel
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if cancel != nil {
		cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// CancelAll ends every live session, used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}
