package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const DefaultMaxConsecutiveFailures = 5

type roomRecorder struct {
	mu       sync.Mutex
	active   *domain.Recording
	history  []domain.Recording
	failures int
	seq      uint64

	// saveMu orders repository writes; saved is the last seq written.
	saveMu sync.Mutex
	saved  uint64
}

// pendingSave is a recording snapshot to write once the room lock is released.
type pendingSave struct {
	rec domain.Recording
	seq uint64
}

// Recorder runs the recording state machine of every room. Transitions of
// one room are serialized by that room's lock.
type Recorder struct {
	rooms       *xsync.MapOf[domain.RoomID, *roomRecorder]
	repo        core.RecordingRepository
	clock       clock.Clock
	maxFailures int
}

type RecorderOption func(*Recorder)

func WithRecorderClock(c clock.Clock) RecorderOption { return func(r *Recorder) { r.clock = c } }

func WithRecordingRepository(repo core.RecordingRepository) RecorderOption {
	return func(r *Recorder) { r.repo = repo }
}

func WithMaxConsecutiveFailures(n int) RecorderOption {
	return func(r *Recorder) { r.maxFailures = n }
}

func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		rooms:       xsync.NewMapOf[domain.RoomID, *roomRecorder](),
		clock:       clock.New(),
		maxFailures: DefaultMaxConsecutiveFailures,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) state(room domain.RoomID) *roomRecorder {
	s, _ := r.rooms.LoadOrCompute(room, func() *roomRecorder { return &roomRecorder{} })
	return s
}

func (r *Recorder) Start(ctx context.Context, room domain.RoomID) (domain.Recording, error) {
	s := r.state(room)
	s.mu.Lock()
	if s.active != nil {
		rec := *s.active
		s.mu.Unlock()
		return rec, domain.ErrAlreadyRecording
	}
	id := uuid.NewString()
	s.active = &domain.Recording{
		ID:            id,
		RoomID:        room,
		StartTime:     r.clock.Now().UTC(),
		Status:        domain.RecordingActive,
		StoragePrefix: string(room) + "/",
	}
	s.failures = 0
	p := r.commit(s, "started")
	s.mu.Unlock()
	return r.flush(ctx, s, p), nil
}

func (r *Recorder) Stop(ctx context.Context, room domain.RoomID) (domain.Recording, error) {
	s := r.state(room)
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return domain.Recording{}, domain.ErrNotRecording
	}
	p := r.finish(s, domain.RecordingCompleted, "stopped")
	s.mu.Unlock()
	return r.flush(ctx, s, p), nil
}

func (r *Recorder) Pause(ctx context.Context, room domain.RoomID) (domain.Recording, error) {
	return r.move(ctx, room, domain.RecordingActive, domain.RecordingPaused, "paused")
}

func (r *Recorder) Resume(ctx context.Context, room domain.RoomID) (domain.Recording, error) {
	return r.move(ctx, room, domain.RecordingPaused, domain.RecordingActive, "resumed")
}

func (r *Recorder) move(ctx context.Context, room domain.RoomID, from, to domain.RecordingStatus, what string) (domain.Recording, error) {
	s := r.state(room)
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return domain.Recording{}, fmt.Errorf("%w: no active recording", domain.ErrInvalidTransition)
	}
	if s.active.Status != from {
		rec := *s.active
		s.mu.Unlock()
		return rec, fmt.Errorf("%w: %s while %s", domain.ErrInvalidTransition, what, rec.Status)
	}
	s.active.Status = to
	p := r.commit(s, what)
	s.mu.Unlock()
	return r.flush(ctx, s, p), nil
}

// Apply dispatches a control action to the matching transition.
func (r *Recorder) Apply(ctx context.Context, room domain.RoomID, action domain.ControlAction) (domain.Recording, error) {
	switch action {
	case domain.StartRecording:
		return r.Start(ctx, room)
	case domain.StopRecording:
		return r.Stop(ctx, room)
	case domain.PauseRecording:
		return r.Pause(ctx, room)
	case domain.ResumeRecording:
		return r.Resume(ctx, room)
	default:
		return domain.Recording{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTransition, action)
	}
}

// Current returns the active recording, if any.
func (r *Recorder) Current(room domain.RoomID) (domain.Recording, bool) {
	s, ok := r.rooms.Load(room)
	if !ok {
		return domain.Recording{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return domain.Recording{}, false
	}
	return *s.active, true
}

func (r *Recorder) Status(room domain.RoomID) domain.RecordingStatus {
	if rec, ok := r.Current(room); ok {
		return rec.Status
	}
	return domain.RecordingIdle
}

func (r *Recorder) IsRecording(room domain.RoomID) bool {
	return r.Status(room) == domain.RecordingActive
}

// History lists finished recordings of room, oldest first, followed by the
// active one.
func (r *Recorder) History(room domain.RoomID) []domain.Recording {
	s, ok := r.rooms.Load(room)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recording, 0, len(s.history)+1)
	out = append(out, s.history...)
	if s.active != nil {
		out = append(out, *s.active)
	}
	return out
}

// RecordFrame accounts one persisted frame to the active recording.
func (r *Recorder) RecordFrame(room domain.RoomID, size int) {
	s, ok := r.rooms.Load(room)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Status != domain.RecordingActive {
		return
	}
	s.active.FrameCount++
	s.active.SizeBytes += int64(size)
	s.failures = 0
}

// RecordFailure counts a failed frame write. Once the run of failures hits
// the limit the active recording becomes Failed. Reports whether it did.
func (r *Recorder) RecordFailure(ctx context.Context, room domain.RoomID) bool {
	s, ok := r.rooms.Load(room)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.active == nil || s.active.Status != domain.RecordingActive {
		s.mu.Unlock()
		return false
	}
	s.failures++
	if r.maxFailures <= 0 || s.failures < r.maxFailures {
		s.mu.Unlock()
		return false
	}
	log.Error().Str("module", "app.recorder").Str("room", string(room)).Int("failures", s.failures).Msg("too many persistence failures")
	p := r.finish(s, domain.RecordingFailed, "failed")
	s.mu.Unlock()
	r.flush(ctx, s, p)
	return true
}

// Sync saves the counters of active recordings.
func (r *Recorder) Sync(ctx context.Context) {
	r.rooms.Range(func(_ domain.RoomID, s *roomRecorder) bool {
		s.mu.Lock()
		if s.active == nil {
			s.mu.Unlock()
			return true
		}
		s.seq++
		p := pendingSave{rec: *s.active, seq: s.seq}
		s.mu.Unlock()
		r.flush(ctx, s, p)
		return true
	})
}

// finish must be called with s.mu held.
func (r *Recorder) finish(s *roomRecorder, status domain.RecordingStatus, what string) pendingSave {
	s.active.Status = status
	s.active.EndTime = lo.ToPtr(r.clock.Now().UTC())
	p := r.commit(s, what)
	s.history = append(s.history, p.rec)
	s.active = nil
	s.failures = 0
	return p
}

// commit must be called with s.mu held.
func (r *Recorder) commit(s *roomRecorder, what string) pendingSave {
	rec := *s.active
	s.seq++
	log.Info().Str("module", "app.recorder").Str("room", string(rec.RoomID)).Str("recording", rec.ID).Str("status", string(rec.Status)).Msg("recording " + what)
	return pendingSave{rec: rec, seq: s.seq}
}

// flush writes p unless a newer snapshot of the room was already written.
// It must be called without s.mu held.
func (r *Recorder) flush(ctx context.Context, s *roomRecorder, p pendingSave) domain.Recording {
	if r.repo == nil {
		return p.rec
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if p.seq <= s.saved {
		return p.rec
	}
	if err := r.repo.SaveRecording(ctx, p.rec); err != nil {
		log.Error().Str("module", "app.recorder").Str("recording", p.rec.ID).Err(err).Msg("failed to persist recording")
	}
	s.saved = p.seq
	return p.rec
}
