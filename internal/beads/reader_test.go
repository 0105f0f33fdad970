package beads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/model"
)

func writeJSONL(t *testing.T, dir, name string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestLoad_FoldsLastLineWins(t *testing.T) {
	root := t.TempDir()
	beadsDir := filepath.Join(root, ".beads")
	writeJSONL(t, beadsDir, "log.jsonl", []string{
		`{"id":"bd-1","title":"first","status":"open","priority":2}`,
		`{"id":"bd-1","title":"updated","status":"in_progress","priority":1}`,
	})

	r := New(root)
	out, err := r.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "updated", out[0].Title)
	require.Equal(t, model.BeadInProgress, out[0].Status)
	require.Equal(t, 1, out[0].Priority)
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	beadsDir := filepath.Join(root, ".beads")
	writeJSONL(t, beadsDir, "log.jsonl", []string{
		`not json at all`,
		`{"id":"bd-1","title":"ok","status":"open"}`,
		``,
	})

	r := New(root)
	out, err := r.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "bd-1", out[0].ID)
}

func TestLoad_NoBeadsDirReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	out, err := r.Load()
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestReady_AllDependenciesClosed(t *testing.T) {
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen, DependsOn: []string{"bd-2"}},
		{ID: "bd-2", Status: model.BeadClosed},
	}
	byID := map[string]model.Bead{"bd-1": all[0], "bd-2": all[1]}
	require.True(t, Ready(all[0], byID))
}

func TestReady_OpenDependencyBlocksReadiness(t *testing.T) {
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen, DependsOn: []string{"bd-2"}},
		{ID: "bd-2", Status: model.BeadOpen},
	}
	byID := map[string]model.Bead{"bd-1": all[0], "bd-2": all[1]}
	require.False(t, Ready(all[0], byID))
}

func TestReady_NotOpenIsNeverReady(t *testing.T) {
	b := model.Bead{ID: "bd-1", Status: model.BeadInProgress}
	require.False(t, Ready(b, map[string]model.Bead{}))
}

func TestReadyBeads_FiltersToReadySubset(t *testing.T) {
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen},
		{ID: "bd-2", Status: model.BeadClosed},
		{ID: "bd-3", Status: model.BeadOpen, DependsOn: []string{"bd-1"}},
	}
	ready := ReadyBeads(all)
	require.Len(t, ready, 1)
	require.Equal(t, "bd-1", ready[0].ID)
}

func TestDetectCycles_FindsCircularDependency(t *testing.T) {
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen, DependsOn: []string{"bd-2"}},
		{ID: "bd-2", Status: model.BeadOpen, DependsOn: []string{"bd-1"}},
	}
	cycles := DetectCycles(all)
	require.NotEmpty(t, cycles)
}

func TestDetectCycles_NoCycleReturnsEmpty(t *testing.T) {
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen, DependsOn: []string{"bd-2"}},
		{ID: "bd-2", Status: model.BeadClosed},
	}
	require.Empty(t, DetectCycles(all))
}

func TestReady_CyclicButOpenStillReadyByDiskStatus(t *testing.T) {
	// A bead whose dependency chain cycles is still "ready" if its own
	// on-disk status is open and its listed deps are closed — cycle
	// detection is a separate advisory, not a readiness gate (spec.md §4.6).
	all := []model.Bead{
		{ID: "bd-1", Status: model.BeadOpen, DependsOn: []string{"bd-2"}},
		{ID: "bd-2", Status: model.BeadClosed, DependsOn: []string{"bd-1"}},
	}
	byID := map[string]model.Bead{"bd-1": all[0], "bd-2": all[1]}
	require.True(t, Ready(all[0], byID))
}
