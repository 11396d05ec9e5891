package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

const (
	sessionFileName = "session.json"
	eventsFileName  = "events.jsonl"
)

// Compile-time check that FileEventStore implements EventStore.
var _ EventStore = (*FileEventStore)(nil)

// FileEventStore keeps one directory per session holding session.json and an
// append-only events.jsonl log.
type FileEventStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileEventStore creates the store rooted at dir, creating it if needed.
func NewFileEventStore(dir string) (*FileEventStore, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("FileEventStore: failed to create directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create event directory: %w", err)
	}
	return &FileEventStore{dir: dir}, nil
}

func (s *FileEventStore) sessionDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func (s *FileEventStore) SaveSession(ctx context.Context, sess models.EventSession) error {
	dir, err := s.sessionDir(sess.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(dir, sessionFileName), data); err != nil {
		slog.Error("FileEventStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	slog.Debug("FileEventStore.SaveSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *FileEventStore) AppendEvent(ctx context.Context, e models.Event) error {
	dir, err := s.sessionDir(e.SessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, sessionFileName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("append event to %s: %w", e.SessionID, ErrSessionNotFound)
		}
		return fmt.Errorf("append event to %s: %w", e.SessionID, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		slog.Error("FileEventStore.AppendEvent failed", "error", err, "sessionID", e.SessionID)
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	slog.Debug("FileEventStore.AppendEvent succeeded", "sessionID", e.SessionID, "event", e.Name)
	return nil
}

func (s *FileEventStore) Events(ctx context.Context, sessionID string) ([]models.Event, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(dir, eventsFileName))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event log %s: %w", sessionID, err)
	}

	var events []models.Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e models.Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A crash mid-append leaves a torn final line; skip it.
			slog.Warn("FileEventStore.Events: skipping unreadable line", "sessionID", sessionID, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", sessionID, err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

func (s *FileEventStore) Sessions(ctx context.Context) ([]models.EventSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []models.EventSession
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name(), sessionFileName))
		if err != nil {
			slog.Warn("FileEventStore.Sessions: skipping session without envelope", "dir", entry.Name(), "error", err)
			continue
		}
		var sess models.EventSession
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("FileEventStore.Sessions: skipping corrupt envelope", "dir", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return sessions, nil
}

func (s *FileEventStore) DeleteSession(ctx context.Context, sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	slog.Debug("FileEventStore.DeleteSession succeeded", "sessionID", sessionID)
	return nil
}

func (s *FileEventStore) Close() error {
	return nil
}
