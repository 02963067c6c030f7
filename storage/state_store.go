package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	statePrefix  = "state/"
	entryVersion = 1

	DefaultCacheSize = 16
)

var ErrNotFound = errors.New("saved execution not found")

// Entry is a paused execution: the program that was loaded and the VM
// state reached.
type Entry struct {
	Program string
	State   *vm.State
}

func (e *Entry) EncodeTo(enc *codec.Encoder) {
	enc.Uint8(entryVersion)
	enc.String(e.Program)
	e.State.EncodeTo(enc)
}

func (e *Entry) DecodeFrom(d *codec.Decoder) error {
	if v := d.Uint8(); d.Err() == nil && v != entryVersion {
		return fmt.Errorf("entry version %d: %w", v, vmerrors.ErrDCorruptState)
	}
	e.Program = d.String()
	if err := d.Err(); err != nil {
		return err
	}
	e.State = new(vm.State)
	return e.State.DecodeFrom(d)
}

// StateStore saves entries by name. Decoded entries are kept in an LRU
// cache; callers must treat loaded states as read-only.
type StateStore struct {
	ps    *PersistenceStore
	cache *lru.Cache[string, *Entry]
	mu    sync.Mutex
}

// NewStateStore opens a store at path ("" keeps everything in memory).
func NewStateStore(path string, cacheSize int) (*StateStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	ps, err := NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *Entry](cacheSize)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &StateStore{ps: ps, cache: cache}, nil
}

func key(name string) []byte { return []byte(statePrefix + name) }

// Save stores a copy of s under name, replacing any earlier entry.
func (s *StateStore) Save(name, program string, st *vm.State) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", vmerrors.ErrDBadArguments)
	}
	e := &Entry{Program: program, State: st}
	data, err := codec.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ps.Put(key(name), data); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	s.cache.Remove(name)
	log.Debug(log.Storage, "saved", "name", name, "program", program, "counter", st.Counter, "bytes", len(data))
	return nil
}

// Load returns the entry saved under name.
func (s *StateStore) Load(name string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache.Get(name); ok {
		log.Trace(log.Storage, "cache hit", "name", name)
		return e, nil
	}
	data, found, err := s.ps.Get(key(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	e := new(Entry)
	if err := codec.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("load %s: %w: %w", name, vmerrors.ErrDCorruptState, err)
	}
	s.cache.Add(name, e)
	return e, nil
}

func (s *StateStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(name)
	return s.ps.Delete(key(name))
}

// List returns saved names in order.
func (s *StateStore) List() ([]string, error) {
	keys, err := s.ps.Keys([]byte(statePrefix))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(string(k), statePrefix)
	}
	return names, nil
}

func (s *StateStore) Close() error {
	s.cache.Purge()
	return s.ps.Close()
}
