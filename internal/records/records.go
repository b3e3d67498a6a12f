// Package records stores append-only lists of memory entries, one YAML
// file per owner or scope. Every read-modify-write of a file runs under
// that file's key lock and lands via write-to-temp, fsync and rename,
// so a reader sees either the previous file or the next one in full.
package records

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/events"
	"github.com/nugget/tollgate/internal/keylock"
)

// Scope partitions records: per-owner memories or per-scope (room,
// thread) memories.
type Scope string

const (
	ScopeOwner Scope = "owners"
	ScopeRoom  Scope = "rooms"
)

// ErrInvalidKey is returned for keys that cannot name a record file.
var ErrInvalidKey = errors.New("invalid record key")

// Key identifies one record file.
type Key struct {
	Scope Scope
	ID    string
}

func (k Key) String() string { return string(k.Scope) + ":" + k.ID }

func (k Key) validate() error {
	if k.Scope != ScopeOwner && k.Scope != ScopeRoom {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidKey, k.Scope)
	}
	if k.ID == "" || k.ID == "." || k.ID == ".." {
		return fmt.Errorf("%w: id %q", ErrInvalidKey, k.ID)
	}
	return nil
}

// Entry is one remembered item.
type Entry struct {
	ID           string    `yaml:"id"`
	CreatedAt    time.Time `yaml:"created_at"`
	OwnerID      string    `yaml:"owner_id"`
	ScopeID      string    `yaml:"scope_id,omitempty"`
	Content      string    `yaml:"content"`
	Context      string    `yaml:"context,omitempty"`
	Tags         []string  `yaml:"tags,omitempty"`
	AccessCount  int       `yaml:"access_count"`
	LastAccessed time.Time `yaml:"last_accessed"`
}

// Importance scores an entry by recency and access frequency: newer
// and more frequently recalled entries rank higher.
func (e Entry) Importance(now time.Time) float64 {
	days := now.Sub(e.CreatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := 1 / (days + 1)
	frequency := math.Log(float64(e.AccessCount)+1) + 1
	return recency * frequency
}

type file struct {
	Key     string  `yaml:"key"`
	Entries []Entry `yaml:"entries"`
}

// Config holds the dependencies for a Store.
type Config struct {
	Dir    string
	Locks  *keylock.Locker // nil = a private locker
	Clock  clock.Clock     // nil = wall clock
	Logger *slog.Logger    // nil = slog.Default()
	Events *events.Bus     // optional
}

// Store reads and writes record files under a root directory. All
// methods are safe for concurrent use within one process.
type Store struct {
	dir    string
	locks  *keylock.Locker
	clock  clock.Clock
	logger *slog.Logger
	events *events.Bus
}

// NewStore creates the scope directories under cfg.Dir.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("records directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New("records", cfg.Logger)
	}
	for _, scope := range []Scope{ScopeOwner, ScopeRoom} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, string(scope)), 0o750); err != nil {
			return nil, fmt.Errorf("create records directory: %w", err)
		}
	}
	return &Store{
		dir:    cfg.Dir,
		locks:  cfg.Locks,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		events: cfg.Events,
	}, nil
}

// path maps a key to its file. IDs are path-escaped so distinct IDs
// never share a file and cannot escape the scope directory.
func (s *Store) path(k Key) string {
	return filepath.Join(s.dir, string(k.Scope), fileName(k.ID))
}

// fileName escapes id into a record file name. A leading dot is escaped
// too, so record files never look like the dot-prefixed temp files
// that Keys skips.
func fileName(id string) string {
	name := url.PathEscape(id)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + ".yaml"
}

// update runs a read-modify-write cycle on k's file under its lock. fn
// reports whether the file changed and must be written back.
func (s *Store) update(ctx context.Context, k Key, fn func(f *file) (bool, error)) error {
	if err := k.validate(); err != nil {
		return err
	}
	return s.locks.WithLock(ctx, k.String(), func(ctx context.Context) error {
		f, err := s.read(k)
		if err != nil {
			return err
		}
		changed, err := fn(f)
		if err != nil || !changed {
			return err
		}
		return s.write(k, f)
	})
}

func (s *Store) read(k Key) (*file, error) {
	data, err := os.ReadFile(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return &file{Key: k.String()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", k, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", k, err)
	}
	f.Key = k.String()
	return &f, nil
}

func (s *Store) write(k Key, f *file) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", k, err)
	}
	if err := writeFileAtomic(s.path(k), data, 0o640); err != nil {
		return fmt.Errorf("write record %s: %w", k, err)
	}
	return nil
}

// writeFileAtomic replaces path with data so that concurrent readers
// and a crash mid-write observe either the old or the new contents.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	cleanup = false

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failure here is ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Append adds e to k's record, assigning its ID and timestamps, and
// returns the stored entry.
func (s *Store) Append(ctx context.Context, k Key, e Entry) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate entry ID: %w", err)
	}
	now := s.clock.Now()
	e.ID = id.String()
	e.CreatedAt = now
	e.LastAccessed = now
	e.AccessCount = 0

	var count int
	err = s.update(ctx, k, func(f *file) (bool, error) {
		f.Entries = append(f.Entries, e)
		count = len(f.Entries)
		return true, nil
	})
	if err != nil {
		return Entry{}, err
	}

	s.logger.Debug("record entry appended", "key", k.String(), "id", e.ID, "count", count)
	s.events.Emit(events.SourceRecords, events.KindRecordAppended, "key", k.String(), "id", e.ID, "count", count)
	return e, nil
}

// List returns every entry in k's record in insertion order. It does
// not take the key lock: a rename-replaced file is always whole.
func (s *Store) List(k Key) ([]Entry, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	f, err := s.read(k)
	if err != nil {
		return nil, err
	}
	return f.Entries, nil
}

// Count returns the number of entries in k's record.
func (s *Store) Count(k Key) (int, error) {
	entries, err := s.List(k)
	return len(entries), err
}

// Query filters a Search. Zero fields match everything.
type Query struct {
	Text  string // case-insensitive substring of content, context or a tag
	Since time.Time
	Until time.Time
	Limit int
}

func (q Query) matches(e Entry) bool {
	if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.CreatedAt.After(q.Until) {
		return false
	}
	if q.Text == "" {
		return true
	}
	needle := strings.ToLower(q.Text)
	if strings.Contains(strings.ToLower(e.Content), needle) ||
		strings.Contains(strings.ToLower(e.Context), needle) {
		return true
	}
	return slices.ContainsFunc(e.Tags, func(tag string) bool {
		return strings.Contains(strings.ToLower(tag), needle)
	})
}

// Search returns matching entries ordered by importance, highest first.
// Every returned entry has its access count bumped, which is written
// back to the record.
func (s *Store) Search(ctx context.Context, k Key, q Query) ([]Entry, error) {
	now := s.clock.Now()
	var hits []Entry
	err := s.update(ctx, k, func(f *file) (bool, error) {
		for i := range f.Entries {
			e := &f.Entries[i]
			if !q.matches(*e) {
				continue
			}
			e.AccessCount++
			e.LastAccessed = now
			hits = append(hits, *e)
		}
		return len(hits) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(hits, func(a, b Entry) int {
		ia, ib := a.Importance(now), b.Importance(now)
		switch {
		case ia > ib:
			return -1
		case ia < ib:
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// Recent returns entries created within the last window, most important
// first.
func (s *Store) Recent(ctx context.Context, k Key, window time.Duration) ([]Entry, error) {
	return s.Search(ctx, k, Query{Since: s.clock.Now().Add(-window)})
}

// Delete removes the entry with id from k's record. When ownerID is
// non-empty only an entry created by that owner is removed. It reports
// whether an entry was removed.
func (s *Store) Delete(ctx context.Context, k Key, id, ownerID string) (bool, error) {
	var removed bool
	err := s.update(ctx, k, func(f *file) (bool, error) {
		before := len(f.Entries)
		f.Entries = slices.DeleteFunc(f.Entries, func(e Entry) bool {
			return e.ID == id && (ownerID == "" || e.OwnerID == ownerID)
		})
		removed = len(f.Entries) != before
		return removed, nil
	})
	if err != nil {
		return false, err
	}
	if !removed {
		s.logger.Debug("record entry not found", "key", k.String(), "id", id)
	}
	return removed, nil
}

// Keys lists the record keys that exist in scope, sorted.
func (s *Store) Keys(scope Scope) ([]Key, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.dir, string(scope)))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var keys []Key
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			s.logger.Warn("skipping unrecognized record file", "file", name, "error", err)
			continue
		}
		keys = append(keys, Key{Scope: scope, ID: id})
	}
	slices.SortFunc(keys, func(a, b Key) int { return strings.Compare(a.ID, b.ID) })
	return keys, nil
}

// Stats summarizes one record.
type Stats struct {
	Count         int
	Oldest        time.Time
	Newest        time.Time
	MostAccessed  string // entry ID
	AvgImportance float64
}

// Stats computes summary figures for k's record.
func (s *Store) Stats(k Key) (Stats, error) {
	entries, err := s.List(k)
	if err != nil || len(entries) == 0 {
		return Stats{}, err
	}
	now := s.clock.Now()
	st := Stats{Count: len(entries), Oldest: entries[0].CreatedAt, Newest: entries[0].CreatedAt}
	top := -1
	var total float64
	for _, e := range entries {
		if e.CreatedAt.Before(st.Oldest) {
			st.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(st.Newest) {
			st.Newest = e.CreatedAt
		}
		if e.AccessCount > top {
			top = e.AccessCount
			st.MostAccessed = e.ID
		}
		total += e.Importance(now)
	}
	st.AvgImportance = total / float64(len(entries))
	return st, nil
}
