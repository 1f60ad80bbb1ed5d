package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidID = errors.New("invalid id")

const (
	runIDLayout  = "20060102_150405"
	backupLayout = "20060102_150405"
	stopContent  = "stop\n"
)

// Workspace is the control-plane area of a root: <root>/<cache_dir>.
type Workspace struct {
	Root     string
	CacheDir string

	now func() time.Time
}

func New(root, cacheDir string) *Workspace {
	return &Workspace{Root: root, CacheDir: cacheDir, now: time.Now}
}

func (w *Workspace) Dir() string {
	return filepath.Join(w.Root, w.CacheDir)
}

func (w *Workspace) RunsDir() string {
	return filepath.Join(w.Dir(), "runs")
}

func (w *Workspace) PermissionsPath() string {
	return filepath.Join(w.Dir(), "permissions.json")
}

func (w *Workspace) RulesPath() string {
	return filepath.Join(w.Dir(), "approval_rules.lua")
}

func (w *Workspace) BackupsDir() string {
	return filepath.Join(w.Dir(), "backups")
}

// Run is the directory of one run. It may not exist yet.
type Run struct {
	ID   string
	Path string
}

// OpenRun returns the run directory for id without touching the filesystem.
func (w *Workspace) OpenRun(id string) (*Run, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return &Run{ID: id, Path: filepath.Join(w.RunsDir(), id)}, nil
}

// CreateRun allocates a run directory, generating an id when none is given,
// and creates state/ eagerly so a stop request can land before the worker
// writes anything.
func (w *Workspace) CreateRun(id string) (*Run, error) {
	if id == "" {
		id = NewRunID(w.now())
	}
	r, err := w.OpenRun(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.StateDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run state directory: %w", err)
	}
	return r, nil
}

// ListRunIDs returns the names of directories under runs/. A missing runs
// directory yields no ids.
func (w *Workspace) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(w.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (r *Run) StateDir() string     { return filepath.Join(r.Path, "state") }
func (r *Run) StatePath() string    { return filepath.Join(r.StateDir(), "run.json") }
func (r *Run) StopFlagPath() string { return filepath.Join(r.StateDir(), "stop.flag") }
func (r *Run) ApprovalsDir() string { return filepath.Join(r.StateDir(), "approvals") }
func (r *Run) FileListPath() string { return filepath.Join(r.Path, "file_list.txt") }

// EventLogCandidates lists event log locations in lookup order.
func (r *Run) EventLogCandidates() []string {
	return []string{
		filepath.Join(r.Path, "events", "events.jsonl"),
		filepath.Join(r.Path, "logs", "events.jsonl"),
	}
}

// WriteFileList writes one path per line with a trailing newline.
func (r *Run) WriteFileList(paths []string) (string, error) {
	path := r.FileListPath()
	if err := os.MkdirAll(r.Path, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	content := strings.Join(paths, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file list: %w", err)
	}
	return path, nil
}

// WriteStopFlag writes the stop sentinel. Writing it again is harmless.
func (r *Run) WriteStopFlag() (string, error) {
	path := r.StopFlagPath()
	if err := os.MkdirAll(r.StateDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create run state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(stopContent), 0644); err != nil {
		return "", fmt.Errorf("failed to write stop flag: %w", err)
	}
	return path, nil
}

// NewRunID formats a run id as YYYYMMDD_HHMMSS_<8 hex> in UTC.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format(runIDLayout) + "_" + suffix
}

// ValidateID accepts only ids that are a single, non-special path segment.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidID, id)
	}
	return nil
}

// WriteJSONAtomic writes v to a temp file next to path and renames it over
// path, so readers never observe a partial document.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Backup copies <root>/<relPath> into backups/<timestamp>/<relPath> and
// returns the copy's path. A missing source is not an error; the returned
// path is empty.
func (w *Workspace) Backup(relPath string) (string, error) {
	if !filepath.IsLocal(relPath) {
		return "", fmt.Errorf("%w: backup path %q must be relative to the root", ErrInvalidID, relPath)
	}

	src, err := os.Open(filepath.Join(w.Root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open %s: %w", relPath, err)
	}
	defer src.Close()

	dest := filepath.Join(w.BackupsDir(), w.now().Format(backupLayout), relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return dest, nil
}
