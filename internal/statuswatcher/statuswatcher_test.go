package statuswatcher

import (
	"log/slog"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeStatusFile(t *testing.T, dir, workerID, status string) {
	t.Helper()
	path := filepath.Join(dir, workerID+".json")
	data := `{"worker_id":"` + workerID + `","status":"` + status + `","pid":123}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestSnapshot_EmptyBeforeAnyFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 50*time.Millisecond, time.Second, testLogger())
	require.NoError(t, w.Start())
	defer w.Stop()
	require.Empty(t, w.Snapshot())
}

func TestSnapshot_LoadsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	writeStatusFile(t, dir, "worker-1", "Active")

	w := New(dir, 50*time.Millisecond, time.Second, testLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	snap := w.Snapshot()
	require.Contains(t, snap, "worker-1")
	require.Equal(t, model.StatusActive, snap["worker-1"].Status)
}

func TestReadAndEmit_CorruptFileMarksError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker-bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	w := New(dir, 10*time.Millisecond, time.Second, testLogger())
	w.readAndEmit(path)

	snap := w.Snapshot()
	require.Equal(t, model.StatusError, snap["worker-bad"].Status)
}

func TestWorkerIDFromPath(t *testing.T) {
	require.Equal(t, "worker-1", workerIDFromPath("/tmp/status/worker-1.json"))
}

func TestHandleRemove_DeletesFromState(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 10*time.Millisecond, time.Second, testLogger())
	w.mu.Lock()
	w.state["worker-1"] = model.WorkerStatus{WorkerID: "worker-1"}
	w.mu.Unlock()

	w.handleRemove(filepath.Join(dir, "worker-1.json"))
	require.NotContains(t, w.Snapshot(), "worker-1")
}
