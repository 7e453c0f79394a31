package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

const maxLineBytes = 4 * 1024 * 1024

// FileStore is an append-only JSONL file, one event per line, fsynced per
// append. The file is the durability record; reads are served from an
// in-memory mirror loaded at open time.
type FileStore struct {
	mu     sync.RWMutex
	f      *os.File
	path   string
	events []*Event
}

// OpenFileStore opens or creates the backing file and loads every record.
// A torn final line, the signature of a crash mid-write, is truncated away;
// a malformed line anywhere else is corruption and fails the open.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger file %s: %w", path, err)
	}

	s := &FileStore{f: f, path: path}
	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Position for appends. O_APPEND is avoided so truncation of a torn
	// tail and subsequent writes share one descriptor.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("ledger file %s: %w", s.path, err)
	}

	var (
		goodEnd int64
		lineNo  int
	)
	reader := bufio.NewReaderSize(s.f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return fmt.Errorf("ledger file %s: %w", s.path, err)
		}

		if len(line) > 0 {
			lineNo++
			if line[len(line)-1] != '\n' {
				// A record is acknowledged only after its newline is
				// fsynced, so an unterminated tail was never confirmed
				// to the writer. Drop it.
				slog.Warn("dropping torn ledger tail", "path", s.path, "line", lineNo)
				if truncErr := s.f.Truncate(goodEnd); truncErr != nil {
					return fmt.Errorf("ledger file %s: truncating torn tail: %w", s.path, truncErr)
				}
				return nil
			}
			if len(line) > maxLineBytes {
				return &CorruptionError{
					Sequence: uint64(len(s.events)),
					Reason:   fmt.Sprintf("record at line %d exceeds size bound", lineNo),
				}
			}
			var ev Event
			if unmarshalErr := json.Unmarshal(line, &ev); unmarshalErr != nil {
				return &CorruptionError{
					Sequence: uint64(len(s.events)),
					Reason:   fmt.Sprintf("unreadable record at line %d: %v", lineNo, unmarshalErr),
				}
			}
			s.events = append(s.events, &ev)
			goodEnd += int64(len(line))
		}

		if atEOF {
			return nil
		}
	}
}

// Append writes the event as one line and fsyncs before returning, so a
// crash immediately after a successful Append never loses the event.
func (s *FileStore) Append(_ context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("write event %d: %w", ev.Sequence, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync event %d: %w", ev.Sequence, err)
	}

	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *FileStore) Last(_ context.Context) (*Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, false, nil
	}
	cp := *s.events[len(s.events)-1]
	return &cp, true, nil
}

func (s *FileStore) Page(_ context.Context, from uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, limit)
	for _, ev := range s.events {
		if ev.Sequence < from {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
