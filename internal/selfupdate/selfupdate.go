// Package selfupdate stages a new FORGE binary and replaces the running
// process image, with a crash-marker file triggering automatic rollback
// if the new binary never reaches a healthy running state. The staged/
// confirmed distinction mirrors the teacher's ImageDigestTracker (track a
// candidate separately from what's actually deployed, only promote once
// verified) applied to a binary instead of a registry digest.
package selfupdate

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"forge/internal/metrics"
)

// elfMagic is the four-byte ELF signature every Linux executable begins
// with.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const crashMarkerName = ".startup-in-progress"
const autoRestartEnv = "FORGE_AUTO_RESTART"

// Updater manages the staged-binary/crash-marker lifecycle under root.
type Updater struct {
	root        string
	installPath string
}

// New creates an Updater. installPath is the currently running binary's
// path (os.Executable()).
func New(root, installPath string) *Updater {
	return &Updater{root: root, installPath: installPath}
}

func (u *Updater) crashMarkerPath() string { return filepath.Join(u.root, crashMarkerName) }
func (u *Updater) backupPath() string      { return u.installPath + ".old" }
func (u *Updater) versionPath() string     { return filepath.Join(u.root, "version") }

// Stage downloads the binary at sourceURL to <tmp>/<name>-update-<pid>,
// verifies the platform executable magic bytes, and sets it executable.
// It never promotes a binary that fails the magic-byte check.
func (u *Updater) Stage(sourceURL string) (string, error) {
	resp, err := http.Get(sourceURL)
	if err != nil {
		return "", fmt.Errorf("downloading update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading update: status %d", resp.StatusCode)
	}

	name := filepath.Base(u.installPath)
	stagedPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-update-%d", name, os.Getpid()))

	f, err := os.Create(stagedPath)
	if err != nil {
		return "", fmt.Errorf("creating staged binary: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(stagedPath)
		return "", fmt.Errorf("writing staged binary: %w", err)
	}
	f.Close()

	if err := verifyMagicBytes(stagedPath); err != nil {
		os.Remove(stagedPath)
		return "", err
	}
	if err := os.Chmod(stagedPath, 0o755); err != nil {
		os.Remove(stagedPath)
		return "", fmt.Errorf("setting staged binary executable: %w", err)
	}
	return stagedPath, nil
}

func verifyMagicBytes(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening staged binary: %w", err)
	}
	defer f.Close()

	buf := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("reading staged binary header: %w", err)
	}
	if !bytes.Equal(buf, elfMagic) {
		return fmt.Errorf("staged binary failed magic-byte check")
	}
	return nil
}

// PersistVersion writes the current version to <root>/version, called
// before replacing the process image. CheckStartup does not read this
// file: a rollback reports only that it happened (RollbackResult.RolledBack),
// not the versions rolled back from and to.
func (u *Updater) PersistVersion(version string) error {
	return os.WriteFile(u.versionPath(), []byte(version), 0o644)
}

// ExecReplace replaces the current process image with stagedPath via the
// process-image-replacement syscall, passing FORGE_AUTO_RESTART so the
// new process knows to complete the install on its next startup.
func (u *Updater) ExecReplace(stagedPath string, args []string) error {
	env := append(os.Environ(), autoRestartEnv+"=1")
	return syscall.Exec(stagedPath, append([]string{stagedPath}, args...), env)
}

// RollbackResult describes what CheckStartup did.
type RollbackResult struct {
	RolledBack bool
}

// CheckStartup must run before any other initialization. If a crash
// marker and a backup both exist, it restores the backup and removes the
// marker — the previous startup never reached step 5 (marker deletion),
// so the new binary never proved itself healthy. It then (re)creates the
// crash marker for this startup attempt.
func (u *Updater) CheckStartup() (RollbackResult, error) {
	var result RollbackResult

	marker := u.crashMarkerPath()
	backup := u.backupPath()
	_, markerErr := os.Stat(marker)
	_, backupErr := os.Stat(backup)

	if markerErr == nil && backupErr == nil {
		if err := copyFile(backup, u.installPath); err != nil {
			return result, fmt.Errorf("restoring backup: %w", err)
		}
		if err := os.Remove(marker); err != nil {
			return result, fmt.Errorf("removing crash marker: %w", err)
		}
		result.RolledBack = true
		metrics.SelfUpdateRollbacksTotal.Inc()
	}

	if err := u.completeInstallIfRequested(); err != nil {
		return result, err
	}

	if err := os.WriteFile(marker, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return result, fmt.Errorf("writing crash marker: %w", err)
	}
	return result, nil
}

// completeInstallIfRequested promotes a previously-staged binary into the
// install path when FORGE_AUTO_RESTART is set: it backs up the current
// install (at most one backup is ever retained), moves the staged binary
// into place, and unsets the flag so a subsequent crash-rollback cycle
// doesn't loop.
func (u *Updater) completeInstallIfRequested() error {
	if os.Getenv(autoRestartEnv) == "" {
		return nil
	}
	os.Unsetenv(autoRestartEnv)

	// syscall.Exec replaces the process image in place rather than forking
	// a child, so the pid is unchanged across the re-exec: Stage named the
	// staged binary with its own pid (os.Getpid()), and that is still this
	// process's pid here, not its parent's.
	name := filepath.Base(u.installPath)
	stagedPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-update-%d", name, os.Getpid()))
	if _, err := os.Stat(stagedPath); err != nil {
		// No staged binary found under this process's pid naming — nothing
		// to complete; this was a plain restart, not a self-update.
		return nil
	}

	if err := os.Remove(u.backupPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale backup: %w", err)
	}
	if err := os.Rename(u.installPath, u.backupPath()); err != nil {
		return fmt.Errorf("backing up current install: %w", err)
	}
	if err := os.Rename(stagedPath, u.installPath); err != nil {
		return fmt.Errorf("promoting staged binary: %w", err)
	}
	return os.Chmod(u.installPath, 0o755)
}

// FinishStartup deletes the crash marker once the application has
// completed initialization and is healthy. Never called before that
// point — the marker is strictly a "started but not yet healthy" signal.
func (u *Updater) FinishStartup() error {
	err := os.Remove(u.crashMarkerPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755)
}
