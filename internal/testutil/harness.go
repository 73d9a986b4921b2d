package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/config"
	"github.com/Dicklesworthstone/gatekeep/internal/db"
)

// Harness is a temp project with a migrated state database at the default
// location. Everything is removed through t.Cleanup.
type Harness struct {
	T          *testing.T
	ProjectDir string
	StateDir   string
	DBPath     string
	DB         *db.DB
}

// NewHarness creates the project directory and opens its database.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	projectDir := t.TempDir()
	dbPath := config.Config{}.DBPath(projectDir)
	return &Harness{
		T:          t,
		ProjectDir: projectDir,
		StateDir:   config.StateDir(projectDir),
		DBPath:     dbPath,
		DB:         NewTestDBAtPath(t, dbPath),
	}
}

// Path joins parts onto the project directory.
func (h *Harness) Path(parts ...string) string {
	return filepath.Join(append([]string{h.ProjectDir}, parts...)...)
}

// WriteFile writes data relative to the project directory and returns the
// absolute path.
func (h *Harness) WriteFile(rel string, data []byte, perm os.FileMode) string {
	h.T.Helper()
	abs := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		h.T.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		h.T.Fatalf("write %s: %v", rel, err)
	}
	return abs
}

// WriteConfig replaces the project config.toml.
func (h *Harness) WriteConfig(toml string) string {
	h.T.Helper()
	return h.WriteFile(filepath.Join(config.StateDirName, "config.toml"), []byte(toml), 0600)
}

// NewTestDB returns a migrated database in a temp directory.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	return NewTestDBAtPath(t, filepath.Join(t.TempDir(), "state.db"))
}

// NewTestDBAtPath opens and migrates a database at path, creating parent
// directories.
func NewTestDBAtPath(t *testing.T, path string) *db.DB {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("mkdir for test db: %v", err)
	}
	database, err := db.OpenAndMigrate(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// WaitForCondition polls cond until it holds or timeout elapses.
func WaitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %s", msg, timeout)
}
