package ticket

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/continuity/continuity/internal/common/errors"
)

const frontMatterDelimiter = "---\n"

// YAMLStore persists continuation records as markdown ticket files with YAML
// front matter, one file per task (<dir>/<taskID>.md). The markdown body
// below the front matter belongs to the ticket's human owner and is
// preserved byte-for-byte across supervisor writes.
type YAMLStore struct {
	dir   string
	locks *taskLocks
}

var _ Store = (*YAMLStore)(nil)

// NewYAMLStore creates a front-matter ticket store rooted at dir.
func NewYAMLStore(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ticket directory: %w", err)
	}
	return &YAMLStore{dir: dir, locks: newTaskLocks()}, nil
}

func (s *YAMLStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".md")
}

// Get returns the record parsed from the task's front matter.
func (s *YAMLStore) Get(ctx context.Context, taskID string) (*Record, error) {
	record, _, err := s.read(taskID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Save creates or replaces a record, preserving any existing markdown body.
func (s *YAMLStore) Save(ctx context.Context, record *Record) error {
	l := s.locks.lock(record.TaskID)
	defer l.Unlock()

	_, body, err := s.read(record.TaskID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	return s.write(record, body)
}

// Update applies fn under the task's lock and rewrites the front matter.
// If fn fails, the file is untouched.
func (s *YAMLStore) Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error) {
	l := s.locks.lock(taskID)
	defer l.Unlock()

	record, body, err := s.read(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.write(record, body); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// FindBySession scans the ticket directory for the open record bound to a
// session. Ticket counts are small enough that a directory scan is fine.
func (s *YAMLStore) FindBySession(ctx context.Context, sessionName string) (*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		taskID := strings.TrimSuffix(entry.Name(), ".md")
		record, _, err := s.read(taskID)
		if err != nil {
			continue
		}
		if record.SessionName == sessionName && record.Open() {
			return record, nil
		}
	}
	return nil, apperrors.NotFound("task for session", sessionName)
}

// Close is a no-op for the file store.
func (s *YAMLStore) Close() error { return nil }

// read parses the ticket file into its record and markdown body.
func (s *YAMLStore) read(taskID string) (*Record, string, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apperrors.NotFound("task", taskID)
		}
		return nil, "", fmt.Errorf("failed to read ticket: %w", err)
	}

	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, "", fmt.Errorf("ticket %s: %w", taskID, err)
	}

	var record Record
	if err := yaml.Unmarshal(front, &record); err != nil {
		return nil, "", fmt.Errorf("ticket %s: invalid front matter: %w", taskID, err)
	}
	if record.QualityGates == nil {
		record.QualityGates = make(map[string]GateResult)
	}
	return &record, body, nil
}

// write renders the record as front matter above the preserved body. The file
// is written via rename so a crash never leaves a half-written ticket.
func (s *YAMLStore) write(record *Record, body string) error {
	front, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelimiter)
	buf.Write(front)
	buf.WriteString(frontMatterDelimiter)
	buf.WriteString(body)

	tmp := s.path(record.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write ticket: %w", err)
	}
	if err := os.Rename(tmp, s.path(record.TaskID)); err != nil {
		return fmt.Errorf("failed to replace ticket: %w", err)
	}
	return nil
}

// splitFrontMatter separates "---\n<yaml>\n---\n<body>" into its parts.
// A file without a front matter block is rejected. The closing delimiter must
// start a line; a yaml value line that merely ends in "---" is front matter
// content, not a terminator.
func splitFrontMatter(data []byte) (front []byte, body string, err error) {
	if !bytes.HasPrefix(data, []byte(frontMatterDelimiter)) {
		return nil, "", fmt.Errorf("missing front matter")
	}
	rest := data[len(frontMatterDelimiter):]
	closing := []byte("\n" + frontMatterDelimiter)
	end := bytes.Index(rest, closing)
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated front matter")
	}
	return rest[:end], string(rest[end+len(closing):]), nil
}
