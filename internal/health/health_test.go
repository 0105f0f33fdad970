package health

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	alive   map[int]bool
	zombie  map[int]bool
	rssMB   map[int]int64
}

func (f *fakeProber) PidAlive(pid int) bool  { return f.alive[pid] }
func (f *fakeProber) IsZombie(pid int) bool  { return f.zombie[pid] }
func (f *fakeProber) RSSBytes(pid int) (int64, bool) {
	mb, ok := f.rssMB[pid]
	if !ok {
		return 0, false
	}
	return mb * 1024 * 1024, true
}
func (f *fakeProber) SendSignal(pid int) error { return nil }

func testCfg() *config.Config {
	return &config.Config{
		StaleThresholdSecs:     900,
		TaskStuckThresholdSecs: 1800,
		MemoryLimitMB:          0,
	}
}

func TestSweep_DeadProcessFailsPidExists(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	workers := map[string]model.WorkerStatus{
		"w-1": {WorkerID: "w-1", PID: 999, LastActivity: now},
	}
	results := m.Sweep(now, workers)
	require.NotEmpty(t, results)
	require.False(t, results[0].Passed)
	require.Equal(t, model.ErrorDeadProcess, results[0].ErrorKind)
}

func TestSweep_StaleActivityFailsAfterThreshold(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{100: true}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	workers := map[string]model.WorkerStatus{
		"w-1": {WorkerID: "w-1", PID: 100, LastActivity: now.Add(-20 * time.Minute)},
	}
	results := m.Sweep(now, workers)
	var found bool
	for _, r := range results {
		if r.CheckType == model.CheckActivityFresh {
			found = true
			require.False(t, r.Passed)
			require.Equal(t, model.ErrorStaleActivity, r.ErrorKind)
		}
	}
	require.True(t, found)
}

func TestSweep_ConsecutiveFailuresAccumulate(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	workers := map[string]model.WorkerStatus{"w-1": {WorkerID: "w-1", PID: 5}}

	r1 := m.Sweep(now, workers)
	r2 := m.Sweep(now, workers)
	require.Equal(t, 1, r1[0].ConsecutiveFailures)
	require.Equal(t, 2, r2[0].ConsecutiveFailures)
}

func TestSweep_ConsecutiveFailuresResetOnPass(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{5: false}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	workers := map[string]model.WorkerStatus{"w-1": {WorkerID: "w-1", PID: 5}}
	m.Sweep(now, workers)

	prober.alive[5] = true
	r := m.Sweep(now, workers)
	require.Equal(t, 0, r[0].ConsecutiveFailures)
	require.True(t, r[0].Passed)
}

func TestSweep_TaskStuckAfterThreshold(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{5: true}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	task := &model.CurrentTask{ID: "bd-1"}
	workers := map[string]model.WorkerStatus{
		"w-1": {WorkerID: "w-1", PID: 5, LastActivity: now, CurrentTask: task},
	}

	m.Sweep(now, workers) // first sighting of bd-1, not yet stuck
	later := now.Add(40 * time.Minute)
	results := m.Sweep(later, workers)

	var found bool
	for _, r := range results {
		if r.CheckType == model.CheckTaskProgress {
			found = true
			require.False(t, r.Passed)
			require.Equal(t, model.ErrorTaskStuck, r.ErrorKind)
		}
	}
	require.True(t, found)
}

func TestSweep_MemoryUsageFailsOverLimit(t *testing.T) {
	cfg := testCfg()
	cfg.MemoryLimitMB = 100
	prober := &fakeProber{alive: map[int]bool{5: true}, rssMB: map[int]int64{5: 200}}
	m := New(cfg, prober, testLogger())

	now := time.Now()
	workers := map[string]model.WorkerStatus{
		"w-1": {WorkerID: "w-1", PID: 5, LastActivity: now},
	}
	results := m.Sweep(now, workers)
	var found bool
	for _, r := range results {
		if r.CheckType == model.CheckMemoryUsage {
			found = true
			require.False(t, r.Passed)
			require.Equal(t, model.ErrorMemoryOver, r.ErrorKind)
		}
	}
	require.True(t, found)
}

func TestSweep_StatusCarriesCheckResults(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{5: true}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	m.Sweep(now, map[string]model.WorkerStatus{"w-1": {WorkerID: "w-1", PID: 5, LastActivity: now}})

	hs, ok := m.Status("w-1")
	require.True(t, ok)
	require.NotEmpty(t, hs.CheckResults)
}

func TestSweep_ResponseProbeFailsWithoutMarkerUpdate(t *testing.T) {
	cfg := testCfg()
	cfg.ResponseProbeEnabled = true
	cfg.ResponseProbeTimeoutSecs = 1
	cfg.Root = t.TempDir()
	prober := &fakeProber{alive: map[int]bool{5: true}}
	m := New(cfg, prober, testLogger())

	now := time.Now()
	results := m.Sweep(now, map[string]model.WorkerStatus{"w-1": {WorkerID: "w-1", PID: 5, LastActivity: now}})

	var found bool
	for _, r := range results {
		if r.CheckType == model.CheckResponseProbe {
			found = true
			require.False(t, r.Passed)
			require.Equal(t, model.ErrorUnresponsive, r.ErrorKind)
		}
	}
	require.True(t, found)
}

func TestSweep_DropsStaleWorkersNotInSnapshot(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{5: true}}
	m := New(testCfg(), prober, testLogger())

	now := time.Now()
	m.Sweep(now, map[string]model.WorkerStatus{"w-1": {WorkerID: "w-1", PID: 5, LastActivity: now}})
	m.Sweep(now, map[string]model.WorkerStatus{})

	_, ok := m.Status("w-1")
	require.False(t, ok)
}
