package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFrameStore struct {
	mu   sync.Mutex
	puts []domain.RoomID
	err  error
}

func (s *memFrameStore) Put(_ context.Context, room domain.RoomID, ts int64, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.puts = append(s.puts, room)
	return string(room), nil
}

func (s *memFrameStore) List(context.Context, domain.RoomID) ([]string, error) { return nil, nil }
func (s *memFrameStore) Get(context.Context, string) ([]byte, error)          { return nil, core.ErrNotFound }
func (s *memFrameStore) Delete(context.Context, string) error                 { return nil }

func (s *memFrameStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func newOrchestrator(store core.FrameStore) *Orchestrator {
	return &Orchestrator{
		Rooms:    NewRoomManager(RoomManagerConfig{MaxConnections: 100, Defaults: domain.RoomDefaults{MaxParticipants: 10, RecordingEnabled: true}}),
		Sessions: NewRegistry(),
		Policy:   LazyRooms,
		Dedup:    NewDedup(time.Hour),
		Recorder: NewRecorder(WithMaxConsecutiveFailures(2)),
		Frames:   store,
		Limiter:  NewControlRateLimiter(3, time.Minute, nil),
	}
}

func openSession(t *testing.T, o *Orchestrator, room domain.RoomID, name string) *Session {
	t.Helper()
	p, err := domain.NewParticipant("", name)
	require.NoError(t, err)
	s, err := o.Open(context.Background(), room, *p)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func videoFrame(ts int64, payload string) []byte {
	return core.EncodeBinary(domain.Frame{Timestamp: ts, Kind: domain.FrameVideo, Payload: []byte(payload)})
}

func TestFrameFanOut(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	a := openSession(t, o, "r1", "alice")
	b := openSession(t, o, "r1", "bob")
	c := openSession(t, o, "r1", "carol")
	other := openSession(t, o, "r2", "dave")

	_, err := a.HandleMessage(context.Background(), true, videoFrame(1, "px"))
	require.NoError(t, err)

	assert.Zero(t, a.Subscription().Len())
	assert.Zero(t, other.Subscription().Len())
	for _, s := range []*Session{b, c} {
		msgs := s.Subscription().Drain()
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("px"), msgs[0].Payload)
	}
}

func TestFramesPersistOnlyWhileRecording(t *testing.T) {
	store := &memFrameStore{}
	o := newOrchestrator(store)
	s := openSession(t, o, "r1", "alice")
	ctx := context.Background()

	_, _ = s.HandleMessage(ctx, true, videoFrame(1, "a"))
	assert.Zero(t, store.count())

	reply, err := s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"start_recording"}`))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, ReplyAck, reply.Type)
	assert.Equal(t, domain.RecordingActive, reply.Status)

	_, _ = s.HandleMessage(ctx, true, videoFrame(2, "b"))
	assert.Equal(t, 1, store.count())

	rec, ok := o.Recorder.Current("r1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.FrameCount)
}

func TestDuplicateVideoIsNotPersisted(t *testing.T) {
	store := &memFrameStore{}
	o := newOrchestrator(store)
	s := openSession(t, o, "r1", "alice")
	peer := openSession(t, o, "r1", "bob")
	ctx := context.Background()
	_, err := o.Recorder.Start(ctx, "r1")
	require.NoError(t, err)

	_, _ = s.HandleMessage(ctx, true, videoFrame(1, "same"))
	_, _ = s.HandleMessage(ctx, true, videoFrame(2, "same"))
	assert.Equal(t, 1, store.count())
	assert.Equal(t, 2, peer.Subscription().Len(), "broadcast is never gated by dedup")

	audio := core.EncodeBinary(domain.Frame{Timestamp: 3, Kind: domain.FrameAudio, Payload: []byte("same")})
	_, _ = s.HandleMessage(ctx, true, audio)
	_, _ = s.HandleMessage(ctx, true, audio)
	assert.Equal(t, 3, store.count(), "audio skips dedup")
}

func TestMalformedMessageIsNotFatal(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	s := openSession(t, o, "r1", "alice")
	peer := openSession(t, o, "r1", "bob")
	ctx := context.Background()

	_, err := s.HandleMessage(ctx, true, []byte{1, 2})
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
	_, err = s.HandleMessage(ctx, false, []byte("{"))
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)

	_, err = s.HandleMessage(ctx, true, videoFrame(1, "ok"))
	require.NoError(t, err)
	assert.Equal(t, 1, peer.Subscription().Len())
}

func TestPersistenceFailureKeepsStreamLive(t *testing.T) {
	store := &memFrameStore{err: errors.New("disk gone")}
	o := newOrchestrator(store)
	s := openSession(t, o, "r1", "alice")
	peer := openSession(t, o, "r1", "bob")
	ctx := context.Background()
	_, _ = o.Recorder.Start(ctx, "r1")

	_, err := s.HandleMessage(ctx, true, videoFrame(1, "a"))
	assert.Error(t, err)
	assert.Equal(t, domain.RecordingActive, o.Recorder.Status("r1"))

	_, _ = s.HandleMessage(ctx, true, videoFrame(2, "b"))
	assert.Equal(t, 2, peer.Subscription().Len())

	history := o.Recorder.History("r1")
	require.Len(t, history, 1)
	assert.Equal(t, domain.RecordingFailed, history[0].Status)
}

func TestControlErrorsAreReplied(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	s := openSession(t, o, "r1", "alice")
	ctx := context.Background()

	reply, err := s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"StopRecording"}`))
	require.NoError(t, err)
	assert.Equal(t, ReplyError, reply.Type)
	assert.Equal(t, "not_recording", reply.Code)

	_, _ = s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"start_recording"}`))
	_, _ = s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"start_recording"}`))
	reply, _ = s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"start_recording"}`))
	assert.Equal(t, "rate_limited", reply.Code)
}

func TestCloseReleasesAdmissionOnce(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	o.Rooms.GetOrCreate(context.Background(), "r1", domain.RoomDefaults{MaxParticipants: 1})
	p, _ := domain.NewParticipant("", "alice")

	s, err := o.Open(context.Background(), "r1", *p)
	require.NoError(t, err)
	_, err = o.Open(context.Background(), "r1", *p)
	require.ErrorIs(t, err, domain.ErrRoomFull)
	assert.Len(t, o.Sessions.MembersOfRoom("r1"), 1)

	s.Close()
	s.Close()
	room, _ := o.Rooms.Get("r1")
	assert.Zero(t, room.CurrentParticipants)
	assert.Zero(t, o.Sessions.Len())

	ch, _ := o.Rooms.Channel("r1")
	assert.Zero(t, ch.Subscribers())

	s2, err := o.Open(context.Background(), "r1", *p)
	require.NoError(t, err)
	s2.Close()
}

func TestStrictPolicyRejectsUnknownRoom(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	o.Policy = StrictRooms
	p, _ := domain.NewParticipant("", "alice")
	_, err := o.Open(context.Background(), "ghost", *p)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Zero(t, o.Rooms.Connections())
}

func TestControlFromAdminSurface(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	ctx := context.Background()
	_, err := o.Control(ctx, "r1", domain.StartRecording)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	o.Rooms.GetOrCreate(ctx, "r1", domain.RoomDefaults{RecordingEnabled: true})
	rec, err := o.Control(ctx, "r1", domain.StartRecording)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingActive, rec.Status)
}

func TestStartRejectedWhenRecordingDisabled(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	ctx := context.Background()
	o.Rooms.GetOrCreate(ctx, "quiet", domain.RoomDefaults{RecordingEnabled: false})

	_, err := o.Control(ctx, "quiet", domain.StartRecording)
	assert.ErrorIs(t, err, domain.ErrRecordingDisabled)
	assert.Equal(t, domain.RecordingIdle, o.Recorder.Status("quiet"))

	s := openSession(t, o, "quiet", "alice")
	reply, err := s.HandleMessage(ctx, false, []byte(`{"type":"control","action":"start_recording"}`))
	require.NoError(t, err)
	assert.Equal(t, ReplyError, reply.Type)
	assert.Equal(t, "recording_disabled", reply.Code)
}

func TestShutdownEndsSessionsNotYetServed(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	s := openSession(t, o, "r1", "alice")

	assert.Equal(t, 1, o.Shutdown())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not canceled")
	}
}

func TestKickChecksRoom(t *testing.T) {
	o := newOrchestrator(&memFrameStore{})
	s := openSession(t, o, "r1", "alice")

	assert.False(t, o.Kick("r2", s.ID))
	assert.False(t, o.Kick("r1", "missing"))
	assert.True(t, o.Kick("r1", s.ID))
	<-s.Done()
}

func TestRegistryCancelConcurrentWithUnbind(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sid := SessionID(fmt.Sprintf("s%d", i))
		_, cancel := context.WithCancel(context.Background())
		r.Bind(sid, "r1", participantFixture("p"), time.Now(), cancel)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Cancel(sid)
		}()
		go func() {
			defer wg.Done()
			r.Unbind(sid)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
