// Package transcript persists per-conversation logs, one line per message,
// and reads them back bounded by size for history replay.
package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes one log file per conversation under a single directory.
type Store struct {
	dir        string
	timestamps bool
	now        func() time.Time
}

func NewStore(dir string, timestamps bool) *Store {
	return &Store{dir: dir, timestamps: timestamps, now: time.Now}
}

// LogID turns a conversation label into a filesystem-safe log identifier.
func LogID(label string) string {
	id := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(label))
	if id == "" {
		id = "conversation"
	}
	return id
}

func (s *Store) path(logID string) string {
	return filepath.Join(s.dir, logID+".txt")
}

// Append writes one message line. The sender name is prefixed; an optional
// wall-clock timestamp prefix matches the classic viewer log format.
func (s *Store) Append(logID, from, text string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.path(logID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	line := from + ": " + text
	if s.timestamps {
		line = s.now().Format("[2006/01/02 15:04] ") + line
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Tail returns up to maxBytes of the end of the log, split into whole lines.
// A missing log file is not an error: the conversation just has no history.
func (s *Store) Tail(logID string, maxBytes int64) ([]string, error) {
	f, err := os.Open(s.path(logID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - maxBytes
	truncated := offset > 0
	if truncated {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		// The first line after a mid-file seek is almost always partial.
		if first && truncated {
			first = false
			continue
		}
		first = false
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
