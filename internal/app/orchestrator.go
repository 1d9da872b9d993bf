package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/dkeye/StreamRoom/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Orchestrator wires admission, broadcast, dedup, persistence and the
// recording state machine together for stream sessions.
type Orchestrator struct {
	Rooms    *RoomManager
	Sessions *Registry
	Policy   RoomPolicy
	Dedup    *Dedup
	Recorder *Recorder
	Frames   core.FrameStore
	Limiter  *ControlRateLimiter
	Metrics  *metrics.Collector
}

// Reply is sent back to the sender of a control message.
type Reply struct {
	Type        string                 `json:"type"`
	Action      domain.ControlAction   `json:"action"`
	Status      domain.RecordingStatus `json:"status,omitempty"`
	RecordingID string                 `json:"recording_id,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

const (
	ReplyAck   = "ack"
	ReplyError = "error"
)

// Open admits participant into the room and subscribes it to the room's
// channel. The returned session must be closed.
func (o *Orchestrator) Open(ctx context.Context, id domain.RoomID, p domain.Participant) (*Session, error) {
	room, err := o.Policy.Resolve(ctx, o.Rooms, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrInvalidRoomID) {
			o.Metrics.AdmissionRejected(domain.ReasonOf(err).Code)
		}
		return nil, err
	}
	adm, err := o.Rooms.Admit(room.ID)
	if err != nil {
		log.Info().Str("module", "app.orchestrator").Str("room", string(room.ID)).Err(err).Msg("admission rejected")
		return nil, err
	}
	ch, err := o.Rooms.Channel(room.ID)
	if err != nil {
		adm.Release()
		return nil, err
	}

	sid := SessionID(uuid.NewString())
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          sid,
		Participant: p,
		room:        room,
		channel:     ch,
		sub:         ch.Subscribe(core.SubscriberID(sid)),
		admission:   adm,
		orch:        o,
		ctx:         sctx,
		cancel:      cancel,
	}
	if o.Sessions != nil {
		o.Sessions.Bind(sid, room.ID, p, adm.Since(), cancel)
	}
	log.Info().Str("module", "app.orchestrator").Str("room", string(room.ID)).Str("sid", string(sid)).Str("participant", string(p.ID)).Msg("session opened")
	return s, nil
}

// Control applies a recording action on behalf of the admin surface.
func (o *Orchestrator) Control(ctx context.Context, id domain.RoomID, action domain.ControlAction) (domain.Recording, error) {
	room, err := o.Rooms.Fetch(ctx, id)
	if err != nil {
		return domain.Recording{}, err
	}
	return o.apply(ctx, room, action)
}

func (o *Orchestrator) apply(ctx context.Context, room domain.Room, action domain.ControlAction) (domain.Recording, error) {
	if action == domain.StartRecording && !room.RecordingEnabled {
		return domain.Recording{}, domain.ErrRecordingDisabled
	}
	return o.Recorder.Apply(ctx, room.ID, action)
}

// Kick ends a live session of room. It reports whether one was found.
func (o *Orchestrator) Kick(room domain.RoomID, sid SessionID) bool {
	if o.Sessions == nil {
		return false
	}
	if r, ok := o.Sessions.RoomOf(sid); !ok || r != room {
		return false
	}
	return o.Sessions.Cancel(sid)
}

// Shutdown cancels every live session.
func (o *Orchestrator) Shutdown() int {
	if o.Sessions == nil {
		return 0
	}
	return o.Sessions.CancelAll()
}

// Session is one admitted connection.
type Session struct {
	ID          SessionID
	Participant domain.Participant

	room      domain.Room
	channel   *core.RoomChannel
	sub       *core.Subscription
	admission *Admission
	orch      *Orchestrator
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Session) Room() domain.Room                { return s.room }
func (s *Session) Subscription() *core.Subscription { return s.sub }

// Done is closed once the session was kicked, shut down or closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// HandleMessage processes one inbound transport message. Messages of one
// session must be handed in order from a single goroutine. The returned error
// is informational only; no error is fatal to the connection.
func (s *Session) HandleMessage(ctx context.Context, binary bool, data []byte) (*Reply, error) {
	var (
		env domain.Envelope
		err error
	)
	if binary {
		env, err = core.DecodeBinary(data)
	} else {
		env, err = core.DecodeText(data)
	}
	if err != nil {
		s.orch.Metrics.Malformed(string(s.room.ID))
		log.Warn().Str("module", "app.orchestrator").Str("room", string(s.room.ID)).Str("sid", string(s.ID)).Err(err).Msg("dropped malformed message")
		return nil, err
	}
	if env.IsControl() {
		return s.handleControl(ctx, env.Control), nil
	}
	return nil, s.handleFrame(ctx, env.Frame)
}

func (s *Session) handleControl(ctx context.Context, action domain.ControlAction) *Reply {
	if !s.orch.Limiter.Allow(s.ID) {
		return errorReply(action, domain.ErrRateLimited)
	}
	rec, err := s.orch.apply(ctx, s.room, action)
	if err != nil {
		log.Info().Str("module", "app.orchestrator").Str("room", string(s.room.ID)).Str("action", string(action)).Err(err).Msg("control rejected")
		return errorReply(action, err)
	}
	return &Reply{Type: ReplyAck, Action: action, Status: rec.Status, RecordingID: rec.ID}
}

func errorReply(action domain.ControlAction, err error) *Reply {
	return &Reply{Type: ReplyError, Action: action, Code: domain.ReasonOf(err).Code, Message: err.Error()}
}

// handleFrame broadcasts first; persistence runs afterwards and its failures
// only affect durability.
func (s *Session) handleFrame(ctx context.Context, f *domain.Frame) error {
	o := s.orch
	room := s.room.ID
	o.Metrics.FrameReceived(string(room), f.Kind.String(), len(f.Payload))

	res := s.channel.Publish(core.SubscriberID(s.ID), f.Payload)
	o.Metrics.BroadcastDropped(string(room), res.Dropped)

	if !s.room.RecordingEnabled || o.Frames == nil || !o.Recorder.IsRecording(room) {
		return nil
	}
	if f.Kind == domain.FrameVideo && o.Dedup != nil && o.Dedup.IsDuplicate(ctx, room, f.Payload, f.Timestamp) {
		o.Metrics.FrameDeduplicated(string(room))
		return nil
	}

	token, err := o.Frames.Put(ctx, room, f.Timestamp, f.Payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.Metrics.PersistFailed(string(room))
		log.Error().Str("module", "app.orchestrator").Str("room", string(room)).Int64("ts", f.Timestamp).Err(err).Msg("failed to persist frame")
		o.Recorder.RecordFailure(ctx, room)
		return fmt.Errorf("persist frame %d: %w", f.Timestamp, err)
	}
	o.Metrics.FramePersisted(string(room))
	o.Recorder.RecordFrame(room, len(f.Payload))
	log.Debug().Str("module", "app.orchestrator").Str("room", string(room)).Str("token", token).Msg("frame persisted")
	return nil
}

// Close unsubscribes and releases the admission slot exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.channel.Unsubscribe(s.sub)
		s.admission.Release()
		if s.orch.Sessions != nil {
			s.orch.Sessions.Unbind(s.ID)
		}
		s.orch.Limiter.Forget(s.ID)
		log.Info().Str("module", "app.orchestrator").Str("room", string(s.room.ID)).Str("sid", string(s.ID)).Msg("session closed")
	})
}
