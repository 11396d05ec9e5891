package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/util"
)

const usersDirName = "users"

// ErrUnchanged is returned by an Update callback that left the document as it
// was. Update then skips the write and reports success.
var ErrUnchanged = errors.New("document unchanged")

// DocumentStore persists one JSON document of type T per user at
// <root>/users/<userKey>/<name>.json. Updates to the same user are serialized.
type DocumentStore[T any] struct {
	root string
	name string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDocumentStore creates a document store for documents called name under root.
func NewDocumentStore[T any](root, name string) (*DocumentStore[T], error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid document name %q", name)
	}
	if err := os.MkdirAll(filepath.Join(root, usersDirName), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &DocumentStore[T]{root: root, name: name, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *DocumentStore[T]) path(userID string) string {
	return filepath.Join(s.root, usersDirName, util.UserKey(userID), s.name+".json")
}

func (s *DocumentStore[T]) lockFor(userID string) *sync.Mutex {
	key := util.UserKey(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *DocumentStore[T]) read(userID string) (T, bool, error) {
	var doc T
	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("read %s document: %w", s.name, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		var zero T
		return zero, false, fmt.Errorf("decode %s document: %w", s.name, err)
	}
	return doc, true, nil
}

// Read returns the user's document. A missing document yields the zero value
// and false with no error.
func (s *DocumentStore[T]) Read(userID string) (T, bool, error) {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	return s.read(userID)
}

// Update applies fn to the user's current document and writes the result
// atomically. A corrupt document is replaced by the zero value before fn runs.
// If fn returns an error nothing is written.
func (s *DocumentStore[T]) Update(userID string, fn func(doc *T) error) error {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	doc, _, err := s.read(userID)
	if err != nil {
		slog.Warn("DocumentStore.Update: discarding unreadable document", "document", s.name, "userID", userID, "error", err)
	}
	if err := fn(&doc); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s document: %w", s.name, err)
	}
	if err := writeFileAtomic(s.path(userID), data); err != nil {
		slog.Error("DocumentStore.Update: write failed", "document", s.name, "userID", userID, "error", err)
		return err
	}
	return nil
}

// Delete removes the user's document. A missing document is not an error.
func (s *DocumentStore[T]) Delete(userID string) error {
	l := s.lockFor(userID)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(s.path(userID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s document: %w", s.name, err)
	}
	return nil
}

// Users lists the user ids that have a document, sorted. The anonymous user
// is reported as the empty string.
func (s *DocumentStore[T]) Users() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, usersDirName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var users []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, usersDirName, entry.Name(), s.name+".json")); err != nil {
			continue
		}
		userID, err := util.UserIDFromKey(entry.Name())
		if err != nil {
			slog.Warn("DocumentStore.Users: skipping unknown directory", "dir", entry.Name(), "error", err)
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}
