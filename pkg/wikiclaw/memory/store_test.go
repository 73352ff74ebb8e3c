package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"
)

func openTemp(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "memory.json")
	}
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func readFile(t *testing.T, path string) map[string][]record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string][]record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()

	s := openTemp(t, Config{})
	if got := s.Snapshot("c1"); len(got) != 0 {
		t.Errorf("expected empty history, got %d turns", len(got))
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memory.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Path: path}, nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestAppend_Roles(t *testing.T) {
	t.Parallel()

	s := openTemp(t, Config{BotName: "WikiBot"})
	for _, turn := range []struct{ speaker, text string }{
		{"alice", "where is the key?"},
		{"WikiBot", "On floor two."},
		{"wikibot", "impersonator"},
	} {
		if err := s.Append("c1", turn.speaker, turn.text); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Snapshot("c1")
	want := []Role{RoleUser, RoleAssistant, RoleUser}
	if len(got) != len(want) {
		t.Fatalf("got %d turns", len(got))
	}
	for i := range want {
		if got[i].Role != want[i] {
			t.Errorf("turn %d role = %s, want %s", i, got[i].Role, want[i])
		}
		if got[i].Timestamp.IsZero() {
			t.Errorf("turn %d has no timestamp", i)
		}
	}
	if r := got[1].Render(); r != "[HISTORY assistant WikiBot] On floor two." {
		t.Errorf("Render() = %q", r)
	}
}

func TestAppend_ChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	s := openTemp(t, Config{})
	_ = s.Append("a", "u", "one")
	_ = s.Append("b", "u", "two")

	if len(s.Snapshot("a")) != 1 || len(s.Snapshot("b")) != 1 {
		t.Error("channels share history")
	}
	if ch := s.Channels(); len(ch) != 2 || ch[0] != "a" || ch[1] != "b" {
		t.Errorf("Channels() = %v", ch)
	}
}

func TestAppend_PersistCapDiffersFromWindow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "memory.json")
	s := openTemp(t, Config{Path: path})
	for i := 0; i < 25; i++ {
		if err := s.Append("c1", "u", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(s.Snapshot("c1")); n != 25 {
		t.Errorf("in-memory turns = %d, want 25", n)
	}
	stored := readFile(t, path)["c1"]
	if len(stored) != DefaultPersistTurns {
		t.Fatalf("persisted = %d, want %d", len(stored), DefaultPersistTurns)
	}
	if stored[0].Message != "m15" || stored[9].Message != "m24" {
		t.Errorf("persisted window = %q..%q", stored[0].Message, stored[9].Message)
	}
}

func TestOpen_Hydrates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memory.json")
	s := openTemp(t, Config{Path: path, BotName: "WikiBot"})
	_ = s.Append("c1", "alice", "hi")
	_ = s.Append("c1", "WikiBot", "hello")

	reopened := openTemp(t, Config{Path: path, BotName: "WikiBot"})
	got := reopened.Snapshot("c1")
	if len(got) != 2 {
		t.Fatalf("hydrated %d turns, want 2", len(got))
	}
	if got[0].Speaker != "alice" || got[0].Role != RoleUser || got[0].Text != "hi" {
		t.Errorf("turn 0 = %+v", got[0])
	}
	if got[1].Role != RoleAssistant {
		t.Errorf("turn 1 role = %s", got[1].Role)
	}
}

func TestAppend_WriteFailureKeepsMemory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory where the file should be makes the rename fail.
	path := filepath.Join(dir, "memory.json")
	if err := os.Mkdir(path, 0o700); err != nil {
		t.Fatal(err)
	}
	s := openTemp(t, Config{})
	s.cfg.Path = path

	if err := s.Append("c1", "u", "kept"); err == nil {
		t.Error("expected persist error")
	}
	if got := s.Snapshot("c1"); len(got) != 1 || got[0].Text != "kept" {
		t.Errorf("Snapshot = %+v", got)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	t.Parallel()

	s := openTemp(t, Config{})
	_ = s.Append("c1", "u", "original")
	snap := s.Snapshot("c1")
	snap[0].Text = "mutated"
	if s.Snapshot("c1")[0].Text != "original" {
		t.Error("Snapshot aliases internal state")
	}
}

// After M > 30 appends the window holds exactly the last 30, in order.
func TestAppend_WindowBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "memory-prop-*")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)

		s, err := Open(Config{Path: filepath.Join(dir, "memory.json")}, nil)
		if err != nil {
			rt.Fatal(err)
		}

		m := rapid.IntRange(DefaultMaxTurns+1, 80).Draw(rt, "appends")
		for i := 0; i < m; i++ {
			if err := s.Append("c", "u", fmt.Sprintf("msg-%d", i)); err != nil {
				rt.Fatal(err)
			}
		}

		got := s.Snapshot("c")
		if len(got) != DefaultMaxTurns {
			rt.Fatalf("len = %d, want %d", len(got), DefaultMaxTurns)
		}
		for i, turn := range got {
			want := fmt.Sprintf("msg-%d", m-DefaultMaxTurns+i)
			if turn.Text != want {
				rt.Fatalf("turn %d = %q, want %q", i, turn.Text, want)
			}
		}
	})
}
