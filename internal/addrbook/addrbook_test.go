package addrbook

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "address_book.json"), nil)
}

func TestSaveAndResolve(t *testing.T) {
	b := newTestBook(t)

	updated, err := b.Save("Alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if !updated {
		t.Fatalf("expected first save to report updated")
	}

	jid, err := b.Resolve("alice")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if jid != "alice@example.com" {
		t.Fatalf("expected alice@example.com, got %q", jid)
	}

	// Aliases are canonicalized to lower case.
	if jid, err := b.Resolve("ALICE"); err != nil || jid != "alice@example.com" {
		t.Fatalf("case-insensitive resolve failed: %q, %v", jid, err)
	}
}

func TestSaveUnchanged(t *testing.T) {
	b := newTestBook(t)

	if _, err := b.Save("alice", "alice@example.com"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	updated, err := b.Save("alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if updated {
		t.Fatalf("expected identical save to report unchanged")
	}
}

func TestValidation(t *testing.T) {
	b := newTestBook(t)

	longAlias := strings.Repeat("a", 50)
	if _, err := b.Save(longAlias, "x@y.com"); err != nil {
		t.Fatalf("alias of length 50 should be accepted: %v", err)
	}
	if _, err := b.Save(longAlias+"a", "x@y.com"); err == nil {
		t.Fatalf("alias of length 51 should be rejected")
	}

	if _, err := b.Save("ok", "no-at-sign"); err == nil {
		t.Fatalf("JID without @ should be rejected")
	}
	if _, err := b.Save("-leading", "x@y.com"); err == nil {
		t.Fatalf("alias starting with dash should be rejected")
	}
	if _, err := b.Save("", "x@y.com"); err == nil {
		t.Fatalf("empty alias should be rejected")
	}
	if _, err := b.Save("ok", "x@y.com/resource"); err != nil {
		t.Fatalf("JID with resource should be accepted: %v", err)
	}
}

func TestRemove(t *testing.T) {
	b := newTestBook(t)
	b.Save("alice", "alice@example.com")

	if !b.Remove("alice") {
		t.Fatalf("expected removal of existing alias")
	}
	if b.Remove("alice") {
		t.Fatalf("expected second removal to report absent")
	}
}

func TestQueryScoring(t *testing.T) {
	b := newTestBook(t)
	b.Save("alice", "alice@example.com")
	b.Save("bob", "bob@example.com")
	b.Save("carol", "ali-fan@other.net")

	matches := b.Query("alice", 0)
	if len(matches) == 0 || matches[0].Alias != "alice" || matches[0].Score != 100 {
		t.Fatalf("expected exact match first with score 100, got %+v", matches)
	}

	matches = b.Query("ali", 0)
	if len(matches) < 2 {
		t.Fatalf("expected at least two matches for 'ali', got %+v", matches)
	}
	// alias substring (75) beats JID substring (50)
	if matches[0].Alias != "alice" || matches[0].Score != 75 {
		t.Fatalf("expected alice first at 75, got %+v", matches[0])
	}
	if matches[1].Alias != "carol" || matches[1].Score != 50 {
		t.Fatalf("expected carol second at 50, got %+v", matches[1])
	}

	if got := b.Query("", 0); got != nil {
		t.Fatalf("empty term should match nothing, got %+v", got)
	}
}

func TestQueryTieBreaksAlphabetically(t *testing.T) {
	b := newTestBook(t)
	b.Save("team-b", "b@example.com")
	b.Save("team-a", "a@example.com")

	matches := b.Query("team", 0)
	if len(matches) != 2 {
		t.Fatalf("expected two matches, got %+v", matches)
	}
	if matches[0].Alias != "team-a" || matches[1].Alias != "team-b" {
		t.Fatalf("expected alphabetical tie-break, got %+v", matches)
	}
}

func TestResolveNotFound(t *testing.T) {
	b := newTestBook(t)
	if _, err := b.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	b := newTestBook(t)
	b.Save("alice", "alice@a.com")
	b.Save("alice2", "alice@b.com")

	_, err := b.Resolve("ali")
	var ambErr *AmbiguousError
	if !errors.As(err, &ambErr) {
		t.Fatalf("expected AmbiguousError, got %v", err)
	}
	if len(ambErr.Candidates) != 2 {
		t.Fatalf("expected both candidates listed, got %+v", ambErr.Candidates)
	}
}

func TestResolveFuzzyBest(t *testing.T) {
	b := newTestBook(t)
	b.Save("alice", "alice@a.com")
	b.Save("zed", "zed@b.com")

	jid, err := b.Resolve("alic")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if jid != "alice@a.com" {
		t.Fatalf("expected fuzzy resolution to alice@a.com, got %q", jid)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "address_book.json")

	b := New(path, nil)
	b.Save("alice", "alice@example.com")
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	reloaded := New(path, nil)
	jid, err := reloaded.Resolve("alice")
	if err != nil || jid != "alice@example.com" {
		t.Fatalf("reloaded book missing entry: %q, %v", jid, err)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file not cleaned up by rename")
	}
}

func TestPersistencePreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "address_book.json")

	raw := `{"version":1,"entries":[{"alias":"alice","jid":"alice@example.com","origin":"manual","note":"from work"}]}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	b := New(path, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	var f struct {
		Entries []map[string]json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("failed to parse rewritten file: %v", err)
	}
	if len(f.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(f.Entries))
	}
	if string(f.Entries[0]["note"]) != `"from work"` {
		t.Fatalf("unknown field dropped on rewrite: %v", f.Entries[0])
	}
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "address_book.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	b := New(path, nil)
	if b.Len() != 0 {
		t.Fatalf("corrupt file should start book empty, got %d entries", b.Len())
	}
}

func TestLoadLegacyFlatMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "address_book.json")
	if err := os.WriteFile(path, []byte(`{"alice":"alice@example.com"}`), 0600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	b := New(path, nil)
	jid, err := b.Resolve("alice")
	if err != nil || jid != "alice@example.com" {
		t.Fatalf("legacy entry not migrated: %q, %v", jid, err)
	}
}
