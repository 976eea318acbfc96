package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry is one line of the lifecycle journal.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	Event  string    `json:"event"` // "transition" or "exit"
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Epoch  uint32    `json:"epoch"`
	PID    int       `json:"pid,omitempty"`
	Code   *int      `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Journal appends JournalEntry records to a JSON-lines file.
type Journal struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// OpenJournal opens path for appending. An empty path disables the
// journal.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return &Journal{writer: nopWriteCloser{}}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{writer: file}, nil
}

// Log appends entry, stamping it if Time is zero.
func (j *Journal) Log(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writer.Close()
}

// ReadJournal returns every well-formed entry in path. Malformed lines,
// such as a line torn by a crash, are skipped.
func ReadJournal(path string) ([]JournalEntry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
