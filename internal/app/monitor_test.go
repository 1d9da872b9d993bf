package app

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVmRSS(t *testing.T) {
	status := []byte("Name:\tstreamroom\nVmPeak:\t  300000 kB\nVmRSS:\t   20480 kB\nThreads:\t12\n")
	rss, err := parseVmRSS(status)
	require.NoError(t, err)
	assert.Equal(t, uint64(20480*1024), rss)

	_, err = parseVmRSS([]byte("Name:\tstreamroom\n"))
	assert.Error(t, err)
}

func TestMonitorCritical(t *testing.T) {
	rss := uint64(100)
	m := NewResourceMonitor(500, WithRSSReader(func() (uint64, error) { return rss, nil }))

	s := m.Sample()
	assert.False(t, s.Critical)
	assert.False(t, m.Critical())
	assert.Positive(t, s.Goroutines)

	rss = 1000
	m.Sample()
	assert.True(t, m.Critical())
	assert.Equal(t, uint64(1000), m.Last().RSSBytes)

	rss = 200
	m.Sample()
	assert.False(t, m.Critical())
}

func TestParseLoadAvg(t *testing.T) {
	load, err := parseLoadAvg([]byte("0.52 0.58 0.59 1/467 12345\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.52, load, 1e-9)

	_, err = parseLoadAvg(nil)
	assert.Error(t, err)
}

func TestMonitorCPUCritical(t *testing.T) {
	cpus := float64(runtime.NumCPU())
	load := 0.5 * cpus
	m := NewResourceMonitor(0,
		WithRSSReader(func() (uint64, error) { return 1, nil }),
		WithLoadReader(func() (float64, error) { return load, nil }),
		WithCPUThreshold(80),
	)

	s := m.Sample()
	assert.InDelta(t, 50, s.CPULoad, 1e-6)
	assert.False(t, m.Critical())

	load = 0.9 * cpus
	assert.True(t, m.Sample().Critical)
	assert.True(t, m.Critical())

	load = 0.1 * cpus
	m.Sample()
	assert.False(t, m.Critical())
}

func TestMonitorLoadReadErrorIsNotCritical(t *testing.T) {
	m := NewResourceMonitor(0,
		WithRSSReader(func() (uint64, error) { return 1, nil }),
		WithLoadReader(func() (float64, error) { return 0, errors.New("no procfs") }),
		WithCPUThreshold(1),
	)
	assert.False(t, m.Sample().Critical)
}

func TestMonitorWithoutThresholdNeverCritical(t *testing.T) {
	m := NewResourceMonitor(0, WithRSSReader(func() (uint64, error) { return 0, errors.New("no procfs") }))
	s := m.Sample()
	assert.False(t, s.Critical)
	assert.Positive(t, s.RSSBytes, "falls back to runtime memory stats")
}

func TestSchedulerRegistersJobs(t *testing.T) {
	m := NewResourceMonitor(0, WithRSSReader(func() (uint64, error) { return 1, nil }))
	quartz, err := NewScheduler(time.Minute, m, NewDedup(time.Hour), NewRecorder())
	require.NoError(t, err)
	assert.Len(t, quartz.Entries(), 3)
	assert.Equal(t, uint64(1), m.Last().RSSBytes, "first sample is taken immediately")
}

func TestControlRateLimiter(t *testing.T) {
	mock := clock.NewMock()
	rl := NewControlRateLimiter(2, time.Second, mock)

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"))

	mock.Add(time.Second)
	assert.True(t, rl.Allow("s1"))

	rl.Forget("s1")
	assert.True(t, rl.Allow("s1"))

	var unlimited *ControlRateLimiter
	assert.True(t, unlimited.Allow("s1"))
}

func participantFixture(name string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(name), Name: name}
}

func TestRegistryTracksSessions(t *testing.T) {
	r := NewRegistry()
	var canceled int
	now := time.Now()
	r.Bind("s1", "r1", participantFixture("alice"), now, func() { canceled++ })
	r.Bind("s2", "r1", participantFixture("bob"), now.Add(time.Second), nil)
	r.Bind("s3", "r2", participantFixture("carol"), now, func() { canceled++ })

	members := r.MembersOfRoom("r1")
	require.Len(t, members, 2)
	assert.Equal(t, SessionID("s1"), members[0].ID)

	room, ok := r.RoomOf("s3")
	require.True(t, ok)
	assert.EqualValues(t, "r2", room)

	assert.True(t, r.Cancel("s1"))
	assert.False(t, r.Cancel("missing"))
	assert.Equal(t, 1, canceled)

	assert.Equal(t, 2, r.CancelAll())
	assert.Equal(t, 3, canceled)

	r.Unbind("s1")
	assert.Equal(t, 2, r.Len())
}
