// Package replay implements the viewer side of the streaming contract: a
// forward-only frame applicator with a persisted per-terminal cursor, stalled
// replay recovery bounded per reconnect generation, and loop-safe handling of
// invalid terminal references.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrStorageWrite      = errors.New("cursor storage write failed")
	ErrInvalidTerminalID = errors.New("invalid terminal id")
)

// terminalIDRegex keeps cursor filenames to safe characters.
var terminalIDRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Cursor is the persisted resume state for one terminal as seen by this
// viewer. UpdatedAt exists for cache housekeeping only.
type Cursor struct {
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CursorStore persists cursors across viewer restarts.
type CursorStore interface {
	Get(terminalID string) (Cursor, bool)
	Set(terminalID string, seq int64) error
}

// MemoryCursorStore is an in-process store for tests and embedding.
type MemoryCursorStore struct {
	cursors map[string]Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]Cursor)}
}

func (s *MemoryCursorStore) Get(terminalID string) (Cursor, bool) {
	c, ok := s.cursors[terminalID]
	return c, ok
}

func (s *MemoryCursorStore) Set(terminalID string, seq int64) error {
	s.cursors[terminalID] = Cursor{Seq: seq, UpdatedAt: time.Now()}
	return nil
}

// FileCursorStore keeps one JSON file per terminal under baseDir, written
// atomically via temp file and rename.
type FileCursorStore struct {
	baseDir string
}

func NewFileCursorStore(baseDir string) (*FileCursorStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cursor directory: %w", err)
	}
	return &FileCursorStore{baseDir: baseDir}, nil
}

func (s *FileCursorStore) path(terminalID string) string {
	return filepath.Join(s.baseDir, terminalID+".json")
}

func (s *FileCursorStore) Get(terminalID string) (Cursor, bool) {
	if !terminalIDRegex.MatchString(terminalID) {
		return Cursor{}, false
	}
	data, err := os.ReadFile(s.path(terminalID))
	if err != nil {
		return Cursor{}, false
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false
	}
	return c, true
}

func (s *FileCursorStore) Set(terminalID string, seq int64) error {
	if !terminalIDRegex.MatchString(terminalID) {
		return fmt.Errorf("%w: %q", ErrInvalidTerminalID, terminalID)
	}

	data, err := json.Marshal(Cursor{Seq: seq, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	f, err := os.CreateTemp(s.baseDir, terminalID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, s.path(terminalID)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

// CachedCursorStore fronts another store with a TTL cache so hot cursors skip
// the backing store on read; writes go through.
type CachedCursorStore struct {
	backing CursorStore
	cache   *gocache.Cache
}

func NewCachedCursorStore(backing CursorStore, ttl time.Duration) *CachedCursorStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedCursorStore{
		backing: backing,
		cache:   gocache.New(ttl, ttl),
	}
}

func (s *CachedCursorStore) Get(terminalID string) (Cursor, bool) {
	if v, ok := s.cache.Get(terminalID); ok {
		return v.(Cursor), true
	}
	c, ok := s.backing.Get(terminalID)
	if ok {
		s.cache.SetDefault(terminalID, c)
	}
	return c, ok
}

func (s *CachedCursorStore) Set(terminalID string, seq int64) error {
	if err := s.backing.Set(terminalID, seq); err != nil {
		return err
	}
	s.cache.SetDefault(terminalID, Cursor{Seq: seq, UpdatedAt: time.Now()})
	return nil
}
