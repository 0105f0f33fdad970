package logwatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_JSON(t *testing.T) {
	ev, ok := parseLine("worker-1", `{"timestamp":"2026-07-31T12:00:00Z","level":"info","message":"spawned","fields":{"pid":123}}`)
	require.True(t, ok)
	require.Equal(t, "info", ev.Level)
	require.Equal(t, "spawned", ev.Message)
	require.Equal(t, "123", ev.Fields["pid"])
}

func TestParseLine_KeyValueFallback(t *testing.T) {
	ev, ok := parseLine("worker-1", `time=2026-07-31T12:00:00Z level=warn msg="stale activity" worker=worker-1`)
	require.True(t, ok)
	require.Equal(t, "warn", ev.Level)
	require.Equal(t, "stale activity", ev.Message)
	require.Equal(t, "worker-1", ev.Fields["worker"])
}

func TestParseLine_MalformedLineRejected(t *testing.T) {
	_, ok := parseLine("worker-1", `this is not structured at all`)
	require.False(t, ok)
}

func TestParseLine_EmptyLineRejected(t *testing.T) {
	_, ok := parseLine("worker-1", "")
	require.False(t, ok)
}

func TestParseLine_MalformedJSONFallsThroughToKeyValue(t *testing.T) {
	_, ok := parseLine("worker-1", `{not valid json`)
	require.False(t, ok)
}

func TestRing_SnapshotOrderedOldestFirstWhenNotFull(t *testing.T) {
	r := newRing(3)
	r.push(LogEvent{Message: "a"})
	r.push(LogEvent{Message: "b"})
	out := r.snapshot()
	require.Equal(t, []string{"a", "b"}, []string{out[0].Message, out[1].Message})
}

func TestRing_DropsOldestWhenFull(t *testing.T) {
	r := newRing(2)
	r.push(LogEvent{Message: "a"})
	r.push(LogEvent{Message: "b"})
	r.push(LogEvent{Message: "c"})
	out := r.snapshot()
	require.Len(t, out, 2)
	require.Equal(t, "b", out[0].Message)
	require.Equal(t, "c", out[1].Message)
}

func TestRing_ZeroCapacityNoop(t *testing.T) {
	r := newRing(0)
	r.push(LogEvent{Message: "a"})
	require.Empty(t, r.snapshot())
}
