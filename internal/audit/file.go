package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const segmentExt = ".jsonl"

// FileStore keeps one JSON-lines file per segment in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(segment string) (string, error) {
	if segment == "" {
		return "", ErrSegmentRequired
	}
	if strings.ContainsAny(segment, `/\`) || segment == "." || segment == ".." {
		return "", fmt.Errorf("invalid segment name %q", segment)
	}
	return filepath.Join(s.dir, segment+segmentExt), nil
}

// AppendLinked appends the entry built from the segment's last hash as one
// line and syncs the file. An exclusive flock on the segment file is held
// from reading the last line until the write completes.
func (s *FileStore) AppendLinked(_ context.Context, segment string, build func(prevHash string) (Entry, error)) (Entry, error) {
	path, err := s.path(segment)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit segment: %w", err)
	}
	defer f.Close()

	unlock, err := lockFile(f)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	if err := repairTail(path); err != nil {
		return Entry{}, err
	}
	prev, err := lastHash(path, segment)
	if err != nil {
		return Entry{}, err
	}

	e, err := build(prev)
	if err != nil {
		return Entry{}, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit segment: %w", err)
	}
	return e, nil
}

// lastHash decodes the final line of a repaired segment file.
func lastHash(path, segment string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audit segment: %w", err)
	}
	lines := splitLines(data)
	if len(lines) == 0 {
		return "", nil
	}
	var last Entry
	if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
		return "", &CorruptEntryError{Segment: segment, Index: len(lines) - 1, Total: len(lines), Err: err}
	}
	return last.Hash, nil
}

// ReadSegment decodes every complete line. A torn final line is ignored.
func (s *FileStore) ReadSegment(_ context.Context, segment string) ([]Entry, error) {
	path, err := s.path(segment)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit segment: %w", err)
	}

	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		data = data[:i+1]
	}
	lines := splitLines(data)
	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, &CorruptEntryError{Segment: segment, Index: i, Total: len(lines), Err: err}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Segments lists segment files in ascending name order.
func (s *FileStore) Segments(_ context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}
	var out []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, segmentExt))
	}
	sort.Strings(out)
	return out, nil
}

// repairTail truncates an unterminated final line left by a crash mid-write.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat audit segment: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read audit segment: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read audit segment: %w", err)
	}
	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncate torn audit line: %w", err)
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
