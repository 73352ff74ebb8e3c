// Package memory keeps a bounded, disk-backed turn history per chat channel.
//
// The on-disk format is a single JSON object keyed by channel id, each value
// an ordered array of {speaker, message} records, oldest first. The whole
// file is rewritten after every append.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxTurns is the in-memory window per channel.
	DefaultMaxTurns = 30
	// DefaultPersistTurns caps the array written to disk per channel. It
	// differs from DefaultMaxTurns; which one is intended is still open.
	DefaultPersistTurns = 10

	defaultPath = "./data/memory.json"
)

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a channel's history.
type Turn struct {
	Speaker   string
	Role      Role
	Text      string
	Timestamp time.Time
}

// Render formats the turn for the model, tagging role and speaker so
// participants can be told apart inside a shared context.
func (t Turn) Render() string {
	return fmt.Sprintf("[HISTORY %s %s] %s", t.Role, t.Speaker, t.Text)
}

// record is the persisted shape of a turn.
type record struct {
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

// Config configures a Store.
type Config struct {
	Path         string
	MaxTurns     int
	PersistTurns int
	// BotName is the assistant's display identity; turns spoken under it
	// get RoleAssistant.
	BotName string
}

// Store holds every channel's history. Appends are serialized, including the
// file rewrite, so the file always reflects a consistent snapshot.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	turns     map[string][]Turn
	persisted map[string][]record
}

// Open loads the store at cfg.Path and hydrates every channel. A missing
// file yields an empty store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.PersistTurns <= 0 {
		cfg.PersistTurns = DefaultPersistTurns
	}

	s := &Store{
		cfg:       cfg,
		logger:    logger.With("component", "memory"),
		now:       time.Now,
		turns:     make(map[string][]Turn),
		persisted: make(map[string][]record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read memory file %q: %w", s.cfg.Path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var stored map[string][]record
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse memory file %q: %w", s.cfg.Path, err)
	}

	loadedAt := s.now()
	turns := 0
	for channel, records := range stored {
		s.persisted[channel] = records
		history := make([]Turn, 0, len(records))
		for _, r := range records {
			history = append(history, s.turn(r.Speaker, r.Message, loadedAt))
		}
		s.turns[channel] = trim(history, s.cfg.MaxTurns)
		turns += len(records)
	}
	s.logger.Info("memory hydrated", "channels", len(stored), "turns", turns)
	return nil
}

func (s *Store) turn(speaker, text string, ts time.Time) Turn {
	role := RoleUser
	if s.cfg.BotName != "" && speaker == s.cfg.BotName {
		role = RoleAssistant
	}
	return Turn{Speaker: speaker, Role: role, Text: text, Timestamp: ts}
}

// Append adds a turn to a channel, trims the window, and rewrites the file.
// The in-memory history is updated even when the write fails.
func (s *Store) Append(channelID, speaker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.turns[channelID], s.turn(speaker, text, s.now()))
	s.turns[channelID] = trim(history, s.cfg.MaxTurns)

	records := append(s.persisted[channelID], record{Speaker: speaker, Message: text})
	s.persisted[channelID] = trim(records, s.cfg.PersistTurns)

	if err := s.save(); err != nil {
		s.logger.Warn("memory persist failed", "channel", channelID, "error", err)
		return err
	}
	return nil
}

// Snapshot returns a copy of a channel's turns, oldest first.
func (s *Store) Snapshot(channelID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.turns[channelID]
	out := make([]Turn, len(history))
	copy(out, history)
	return out
}

// Channels lists every channel with history, sorted.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.turns))
	for ch := range s.turns {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// save writes the full snapshot to a temp file and renames it into place.
// Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create memory dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close memory file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}

// trim keeps the last n elements. The result never aliases a dropped prefix.
func trim[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}
