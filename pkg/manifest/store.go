package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Entry is a single build output as written by the asset builder.
type Entry struct {
	// Content-addressed path of the output, relative to the asset root.
	Src string `json:"src"`
	// Optional subresource integrity hash.
	Integrity string `json:"integrity,omitempty"`
}

// ParseError is returned when manifest bytes cannot be turned into entries.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "manifest: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Snapshot is one complete, immutable build's worth of entries.
// A snapshot is never modified after it has been published by a Store.
type Snapshot struct {
	generation uint64
	entries    map[string]Entry
}

// Get returns the entry stored under the logical filename key (e.g. "index.js").
func (s *Snapshot) Get(key string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[key]
	return e, ok
}

// Len returns the number of entries in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Generation is incremented for every Replace on the owning store.
// The zero generation means nothing was ever loaded.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Entries returns a copy of the snapshot's entries.
func (s *Snapshot) Entries() map[string]Entry {
	out := make(map[string]Entry, s.Len())
	if s == nil {
		return out
	}
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Store holds the current manifest.
// Readers always observe one whole snapshot; Replace swaps the pointer,
// so there is never a moment where old and new entries are mixed.
//
// The zero value is an empty store ready for use.
type Store struct {
	current atomic.Pointer[Snapshot]
	// guards generation and publishing, so generations are published in order
	mutex      sync.Mutex
	generation uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Parse decodes manifest JSON. The top level must be an object and every
// entry must have a non-empty src.
func Parse(raw []byte) (map[string]Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ParseError{Err: fmt.Errorf("expected a JSON object")}
	}
	var entries map[string]Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, &ParseError{Err: err}
	}
	for key, e := range entries {
		if e.Src == "" {
			return nil, &ParseError{Err: fmt.Errorf("entry %q has no src", key)}
		}
	}
	return entries, nil
}

// Load parses raw and, only if it is valid, replaces the store contents.
// On error the currently published snapshot is left untouched.
func (s *Store) Load(raw []byte) error {
	entries, err := Parse(raw)
	if err != nil {
		return err
	}
	s.Replace(entries)
	return nil
}

// Replace publishes a new snapshot holding exactly the given entries.
// The map is copied; the caller may keep using it.
func (s *Store) Replace(entries map[string]Entry) *Snapshot {
	copied := make(map[string]Entry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.generation++
	snap := &Snapshot{
		generation: s.generation,
		entries:    copied,
	}
	s.current.Store(snap)
	return snap
}

// Snapshot returns the currently published snapshot, which is nil before the
// first Load or Replace. A nil snapshot behaves as an empty one.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Get looks a key up in the current snapshot.
func (s *Store) Get(key string) (Entry, bool) {
	return s.Snapshot().Get(key)
}

// Loaded reports whether any manifest has been published yet.
func (s *Store) Loaded() bool {
	return s.Snapshot() != nil
}
