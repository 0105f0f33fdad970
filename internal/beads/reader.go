// Package beads reads the external issue-tracker's append-only JSON-lines
// log and folds it into the current bead vector. FORGE never writes this
// directory — all mutation happens through the external issue CLI; this
// package only parses what's on disk (spec.md §6.5).
package beads

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"forge/internal/model"
)

// beadLine is the raw wire shape of one line in a .beads/*.jsonl file.
// Fields are tolerant of missing values; toBead fills in zero values.
type beadLine struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	IssueType   string   `json:"issue_type"`
	Status      string   `json:"status"`
	Labels      []string `json:"labels"`
	DependsOn   []string `json:"depends_on"`
	Blocks      []string `json:"blocks"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// timestampFormats lists formats the issue CLI may emit, tried in order.
var timestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (b *beadLine) toBead() model.Bead {
	return model.Bead{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Priority:    b.Priority,
		IssueType:   b.IssueType,
		Status:      model.BeadStatus(b.Status),
		Labels:      b.Labels,
		DependsOn:   b.DependsOn,
		Blocks:      b.Blocks,
		CreatedAt:   parseTimestamp(b.CreatedAt),
		UpdatedAt:   parseTimestamp(b.UpdatedAt),
	}
}

// Reader loads and folds bead state from a workspace's .beads directory.
type Reader struct {
	// WorkspaceDir is the directory containing .beads/*.jsonl files.
	WorkspaceDir string
}

// New creates a Reader rooted at workspaceDir.
func New(workspaceDir string) *Reader {
	return &Reader{WorkspaceDir: workspaceDir}
}

// Load folds every line across every *.jsonl file under .beads/, in
// lexicographic file order and line order within each file, so that the
// last record written for any given id wins. Malformed lines are skipped,
// not fatal — the issue CLI's own log may carry partial or corrupt
// trailing writes from a crash.
func (r *Reader) Load() ([]model.Bead, error) {
	dir := filepath.Join(r.WorkspaceDir, ".beads")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading beads dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	byID := make(map[string]model.Bead)
	var order []string // first-seen order, for deterministic output
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := foldFile(path, byID, &order); err != nil {
			return nil, err
		}
	}

	beads := make([]model.Bead, 0, len(order))
	for _, id := range order {
		if b, ok := byID[id]; ok {
			beads = append(beads, b)
		}
	}
	return beads, nil
}

func foldFile(path string, byID map[string]model.Bead, order *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening bead log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw beadLine
		if err := json.Unmarshal(line, &raw); err != nil {
			continue // drop malformed lines, per §6.5 fold semantics
		}
		if raw.ID == "" {
			continue
		}
		if _, seen := byID[raw.ID]; !seen {
			*order = append(*order, raw.ID)
		}
		byID[raw.ID] = raw.toBead()
	}
	return scanner.Err()
}

// Ready reports whether a bead is ready to route: status is open and every
// listed dependency is closed. A circular depends_on chain is not treated
// as an error here — the bead is still ready if its own on-disk status says
// open and every dependency it names resolves to closed; DetectCycles
// reports cycles separately as an advisory (spec.md §4.6 edge cases).
func Ready(bead model.Bead, byID map[string]model.Bead) bool {
	if bead.Status != model.BeadOpen {
		return false
	}
	for _, dep := range bead.DependsOn {
		depBead, ok := byID[dep]
		if !ok || depBead.Status != model.BeadClosed {
			return false
		}
	}
	return true
}

// ReadyBeads filters beads down to the ready subset.
func ReadyBeads(all []model.Bead) []model.Bead {
	byID := make(map[string]model.Bead, len(all))
	for _, b := range all {
		byID[b.ID] = b
	}
	var ready []model.Bead
	for _, b := range all {
		if Ready(b, byID) {
			ready = append(ready, b)
		}
	}
	return ready
}

// DetectCycles returns the IDs of beads that participate in a circular
// depends_on chain. This is advisory only — it never changes Ready's
// result for an individual bead.
func DetectCycles(all []model.Bead) []string {
	byID := make(map[string]model.Bead, len(all))
	for _, b := range all {
		byID[b.ID] = b
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(all))
	var inCycle []string

	var visit func(id string, stack []string) bool
	visit = func(id string, stack []string) bool {
		color[id] = gray
		b, ok := byID[id]
		if ok {
			for _, dep := range b.DependsOn {
				switch color[dep] {
				case gray:
					inCycle = append(inCycle, append(append([]string{}, stack...), dep)...)
					return true
				case white:
					if visit(dep, append(stack, dep)) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	for _, b := range all {
		if color[b.ID] == white {
			visit(b.ID, []string{b.ID})
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range inCycle {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
