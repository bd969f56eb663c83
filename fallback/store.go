// Package fallback is the local file-based safety net used when the remote
// store is unreachable. One JSON document per record, written atomically,
// tagged with a synced marker so replay is idempotent.
package fallback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"exam-prep-server/histerrors"
	"exam-prep-server/record"
)

const filePrefix = "rec_"

// Stored is the on-disk document: the full record plus replay bookkeeping.
type Stored struct {
	Record  record.PracticeRecord `json:"record"`
	Synced  bool                  `json:"synced"`
	SavedAt time.Time             `json:"saved_at"`
}

// Store writes and reads fallback documents under a single directory. Writes
// are serialized in-process by a mutex; filenames are keyed by session id so
// two processes racing on the same record land on the same file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore ensures the directory exists and returns the store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("fallback: directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) fileName(rec record.PracticeRecord) string {
	return fmt.Sprintf("%s%d_%s.json", filePrefix, rec.CreatedAt.UnixNano(), rec.SessionID)
}

// Write persists the record with synced=false. The document is written to a
// temp file and renamed into place so readers never observe a torn write.
func (s *Store) Write(rec record.PracticeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := Stored{Record: rec, Synced: false, SavedAt: time.Now().UTC()}
	return s.writeDoc(s.fileName(rec), doc)
}

func (s *Store) writeDoc(name string, doc Stored) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", histerrors.ErrFallbackWriteFailed, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", histerrors.ErrFallbackWriteFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", histerrors.ErrFallbackWriteFailed, err)
	}
	return nil
}

// readDocs loads every document, oldest first (filenames sort by timestamp).
func (s *Store) readDocs() ([]Stored, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	docs := make([]Stored, 0, len(names))
	kept := names[:0]
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, nil, err
		}
		var doc Stored
		if err := json.Unmarshal(data, &doc); err != nil {
			// A corrupt document must not block replay of the others.
			continue
		}
		docs = append(docs, doc)
		kept = append(kept, name)
	}
	return docs, kept, nil
}

// ListUnsynced returns records not yet replayed to the remote store, oldest
// first so replay preserves write order.
func (s *Store) ListUnsynced() ([]record.PracticeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, _, err := s.readDocs()
	if err != nil {
		return nil, err
	}
	var out []record.PracticeRecord
	for _, d := range docs {
		if !d.Synced {
			out = append(out, d.Record)
		}
	}
	return out, nil
}

// MarkSynced flags the record as replayed. Synced documents are kept as
// tombstones until deleted by type; reads skip them so the remote copy wins.
func (s *Store) MarkSynced(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, names, err := s.readDocs()
	if err != nil {
		return err
	}
	for i, d := range docs {
		if d.Record.SessionID != sessionID || d.Synced {
			continue
		}
		d.Synced = true
		return s.writeDoc(names[i], d)
	}
	return nil
}

// ReadAll returns unsynced records for the user, newest first. typeKeys
// holds the canonical key plus aliases; empty means all types.
func (s *Store) ReadAll(userID string, typeKeys []string) ([]record.PracticeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, _, err := s.readDocs()
	if err != nil {
		return nil, err
	}
	keySet := make(map[string]struct{}, len(typeKeys))
	for _, k := range typeKeys {
		keySet[k] = struct{}{}
	}
	var out []record.PracticeRecord
	for _, d := range docs {
		if d.Synced {
			continue
		}
		if userID != "" && d.Record.UserID != userID {
			continue
		}
		if len(keySet) > 0 {
			if _, ok := keySet[d.Record.CanonicalType]; !ok {
				continue
			}
		}
		out = append(out, d.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteByType removes every document (synced or not) for the user and type
// names, so a deleted item cannot reappear after a later merge or replay.
// Returns the number of unsynced records removed; synced tombstones are
// already counted in the remote deletion.
func (s *Store) DeleteByType(userID string, typeKeys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, names, err := s.readDocs()
	if err != nil {
		return 0, err
	}
	keySet := make(map[string]struct{}, len(typeKeys))
	for _, k := range typeKeys {
		keySet[k] = struct{}{}
	}
	deleted := 0
	for i, d := range docs {
		if userID != "" && d.Record.UserID != userID {
			continue
		}
		if len(keySet) > 0 {
			if _, ok := keySet[d.Record.CanonicalType]; !ok {
				continue
			}
		}
		if err := os.Remove(filepath.Join(s.dir, names[i])); err != nil {
			return deleted, err
		}
		if !d.Synced {
			deleted++
		}
	}
	return deleted, nil
}
