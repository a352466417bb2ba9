// Package users persists the Telegram-id → display-name mapping and the
// blacklist of banned senders. The whole document lives in one JSON file that
// is loaded lazily and rewritten in full on every mutation; concurrent writers
// from other processes are last-writer-wins.
package users

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
)

type document struct {
	NameMap   map[string]string `json:"name_map"`
	Blacklist []int64           `json:"blacklist"`
}

// Store is the identity store backed by a single JSON document.
type Store struct {
	path string

	mu     sync.Mutex
	loaded bool
	names  map[int64]string
	banned map[int64]bool
}

// NewStore creates a store for the given file path. The file is not read
// until first access.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// load reads the document if not yet cached. Callers hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	s.names = map[int64]string{}
	s.banned = map[int64]bool{}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user database: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse user database: %w", err)
	}
	// JSON object keys are strings; convert back to ids.
	for k, v := range doc.NameMap {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			slog.Warn("skipping malformed user id in name_map", slog.String("key", k))
			continue
		}
		s.names[id] = v
	}
	for _, id := range doc.Blacklist {
		s.banned[id] = true
	}
	s.loaded = true
	slog.Debug("loaded user database", slog.Int("mapped", len(s.names)), slog.Int("blacklisted", len(s.banned)))
	return nil
}

// write rewrites the whole document. Callers hold s.mu.
func (s *Store) write() error {
	doc := document{NameMap: map[string]string{}, Blacklist: []int64{}}
	for id, name := range s.names {
		doc.NameMap[strconv.FormatInt(id, 10)] = name
	}
	for id := range s.banned {
		doc.Blacklist = append(doc.Blacklist, id)
	}
	sort.Slice(doc.Blacklist, func(i, j int) bool { return doc.Blacklist[i] < doc.Blacklist[j] })
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write user database: %w", err)
	}
	return nil
}

// Resolve returns the stored display name for a sender id.
func (s *Store) Resolve(id int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", false, err
	}
	name, ok := s.names[id]
	return name, ok, nil
}

// SetName stores (or overwrites) the display name for a sender id.
func (s *Store) SetName(id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.names[id] = name
	slog.Info("added to name_map", slog.Int64("id", id), slog.String("name", name))
	return s.write()
}

// IsBanned reports whether a sender id is blacklisted.
func (s *Store) IsBanned(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	return s.banned[id], nil
}

// Ban adds a sender id to the blacklist.
func (s *Store) Ban(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.banned[id] = true
	slog.Info("added to blacklist", slog.Int64("id", id))
	return s.write()
}

// Unban removes a sender id from the blacklist; no-op if absent.
func (s *Store) Unban(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	if !s.banned[id] {
		slog.Info("attempted to remove id from blacklist, but it wasn't there", slog.Int64("id", id))
		return nil
	}
	delete(s.banned, id)
	slog.Info("removed from blacklist", slog.Int64("id", id))
	return s.write()
}
