package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMux struct {
	sessions []string
	killed   []string
}

func (f *fakeMux) ListSessions(ctx context.Context) ([]string, error) {
	return f.sessions, nil
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.killed = append(f.killed, name)
	var out []string
	for _, s := range f.sessions {
		if s != name {
			out = append(out, s)
		}
	}
	f.sessions = out
	return nil
}

// writeFakeLauncher writes a shell script that prints a launcher status
// line and exits, standing in for the external launcher executable.
func writeFakeLauncher(t *testing.T, line string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-launcher.sh")
	script := "#!/bin/sh\necho '" + line + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSpawn_RegistersHandleOnSuccess(t *testing.T) {
	launcher := writeFakeLauncher(t, `{"worker_id":"worker-1","pid":4242,"status":"Starting"}`)
	s, err := New(&fakeMux{}, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	handle, err := s.Spawn(context.Background(), SpawnRequest{
		LauncherPath: launcher,
		Model:        "claude-sonnet-4-5",
		Workspace:    "/tmp/ws",
		SessionName:  "claude-code-1",
		TimeoutSecs:  5,
	})
	require.NoError(t, err)
	require.Equal(t, "worker-1", handle.WorkerID)
	require.Equal(t, 4242, handle.PID)

	listed := s.ListWorkers()
	require.Len(t, listed, 1)
}

func TestSpawn_FailsOnMissingFields(t *testing.T) {
	launcher := writeFakeLauncher(t, `{"status":"Starting"}`)
	s, err := New(&fakeMux{}, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), SpawnRequest{
		LauncherPath: launcher,
		SessionName:  "claude-code-1",
		TimeoutSecs:  5,
	})
	require.Error(t, err)
	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, ErrLauncherFailed, supErr.Kind)
}

func TestSpawn_KillsPreExistingSessionWithSameName(t *testing.T) {
	launcher := writeFakeLauncher(t, `{"worker_id":"worker-1","pid":1,"status":"Starting"}`)
	mux := &fakeMux{sessions: []string{"claude-code-1"}}
	s, err := New(mux, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), SpawnRequest{
		LauncherPath: launcher,
		SessionName:  "claude-code-1",
		TimeoutSecs:  5,
	})
	require.NoError(t, err)
	require.Contains(t, mux.killed, "claude-code-1")
}

func TestStop_NotFoundForUnregisteredWorker(t *testing.T) {
	s, err := New(&fakeMux{}, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	err = s.Stop(context.Background(), "nope")
	require.Error(t, err)
	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, ErrNotFound, supErr.Kind)
}

func TestDiscover_RecognizesSessionsByPattern(t *testing.T) {
	mux := &fakeMux{sessions: []string{"claude-code-1", "glm-2", "unrelated"}}
	s, err := New(mux, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	handles, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 2)
}

func TestSpawn_TimesOutWhenLauncherHangs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hang.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	s, err := New(&fakeMux{}, `^(claude-code|glm)-.+$`, testLogger())
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), SpawnRequest{
		LauncherPath: path,
		SessionName:  "claude-code-1",
		TimeoutSecs:  1,
	})
	require.Error(t, err)
	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, ErrTimeout, supErr.Kind)
}
