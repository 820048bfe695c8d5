// Package addrbook implements a persistent alias-to-JID address book
// with fuzzy lookup and roster synchronization.
package addrbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/meszmate/jabber-mcp/internal/logging"
)

// Origin records how an entry got into the book. Manual entries win
// conflicts against roster-auto ones.
type Origin string

const (
	OriginManual Origin = "manual"
	OriginRoster Origin = "roster-auto"
)

const (
	maxAliasLen       = 50
	maxJIDLen         = 200
	defaultMaxResults = 10

	// Candidates scoring within this many points of the best match make
	// a resolution ambiguous.
	ambiguityWindow = 5
)

var (
	aliasRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	jidRegexp   = regexp.MustCompile(`^[^@/]+@[^@/]+(?:/.+)?$`)
)

// ErrNotFound is returned by Resolve when no entry matches.
var ErrNotFound = errors.New("alias not found")

// AmbiguousError is returned by Resolve when several entries score too
// close together to pick one.
type AmbiguousError struct {
	Term       string
	Candidates []Match
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous alias %q: %d candidates", e.Term, len(e.Candidates))
}

// Entry is a single alias-to-JID mapping. Unknown JSON fields read from
// disk are kept and written back on save.
type Entry struct {
	Alias  string
	JID    string
	Origin Origin

	extra map[string]json.RawMessage
}

// MarshalJSON writes the known fields plus any preserved unknown ones.
func (e Entry) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.extra)+3)
	for k, v := range e.extra {
		obj[k] = v
	}
	var err error
	if obj["alias"], err = json.Marshal(e.Alias); err != nil {
		return nil, err
	}
	if obj["jid"], err = json.Marshal(e.JID); err != nil {
		return nil, err
	}
	if obj["origin"], err = json.Marshal(e.Origin); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// UnmarshalJSON reads the known fields and stashes everything else.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if raw, ok := obj["alias"]; ok {
		if err := json.Unmarshal(raw, &e.Alias); err != nil {
			return err
		}
		delete(obj, "alias")
	}
	if raw, ok := obj["jid"]; ok {
		if err := json.Unmarshal(raw, &e.JID); err != nil {
			return err
		}
		delete(obj, "jid")
	}
	if raw, ok := obj["origin"]; ok {
		if err := json.Unmarshal(raw, &e.Origin); err != nil {
			return err
		}
		delete(obj, "origin")
	}
	if len(obj) > 0 {
		e.extra = obj
	}
	return nil
}

// Match is a ranked query result.
type Match struct {
	Alias string `json:"alias"`
	JID   string `json:"jid"`
	Score int    `json:"score"`
}

// fileFormat is the persisted shape of the book.
type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Book is the address book. A single RWMutex protects the in-memory
// view; saves are serialized and coalesced by a trailing-edge scheduler.
type Book struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	log     *logging.Logger

	saveMu sync.Mutex
	saving bool
	dirty  bool
}

// New creates a Book backed by the JSON file at path and loads it.
// A missing or corrupt file starts the book empty.
func New(path string, log *logging.Logger) *Book {
	if log == nil {
		log = logging.Default()
	}
	b := &Book{
		path:    path,
		entries: make(map[string]Entry),
		log:     log,
	}
	b.load()
	return b
}

// load reads the persisted book. Errors are logged, never fatal.
func (b *Book) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.log.Error("address book: failed to read %s: %v", b.path, err)
		}
		return
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err == nil && f.Version >= 1 {
		loaded := 0
		for _, e := range f.Entries {
			alias := CanonicalAlias(e.Alias)
			if !ValidAlias(alias) || !ValidJID(e.JID) {
				b.log.Warn("address book: skipping invalid entry %q -> %q", e.Alias, e.JID)
				continue
			}
			if e.Origin != OriginRoster {
				e.Origin = OriginManual
			}
			e.Alias = alias
			b.entries[alias] = e
			loaded++
		}
		b.log.Info("address book: loaded %d entries from %s", loaded, b.path)
		return
	}

	// Legacy flat alias->jid map.
	var legacy map[string]string
	if err := json.Unmarshal(data, &legacy); err != nil {
		b.log.Error("address book: corrupt file %s, starting empty", b.path)
		return
	}
	for alias, jid := range legacy {
		alias = CanonicalAlias(alias)
		if ValidAlias(alias) && ValidJID(jid) {
			b.entries[alias] = Entry{Alias: alias, JID: strings.ToLower(strings.TrimSpace(jid)), Origin: OriginManual}
		}
	}
	b.log.Info("address book: migrated %d legacy entries from %s", len(b.entries), b.path)
}

// CanonicalAlias lower-cases and trims an alias.
func CanonicalAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// ValidAlias reports whether a canonical alias is acceptable.
func ValidAlias(alias string) bool {
	if alias == "" || len(alias) > maxAliasLen {
		return false
	}
	return aliasRegexp.MatchString(alias)
}

// ValidJID reports whether a JID has localpart@domain[/resource] shape.
func ValidJID(jid string) bool {
	jid = strings.TrimSpace(jid)
	if jid == "" || len(jid) > maxJIDLen {
		return false
	}
	return jidRegexp.MatchString(jid)
}

// Save stores an alias->JID mapping with manual origin. It returns true
// when the book changed, false when the mapping was already present.
func (b *Book) Save(alias, jid string) (bool, error) {
	return b.put(alias, jid, OriginManual)
}

func (b *Book) put(alias, jid string, origin Origin) (bool, error) {
	canonical := CanonicalAlias(alias)
	if !ValidAlias(canonical) {
		return false, fmt.Errorf("invalid alias: %q", alias)
	}
	jid = strings.ToLower(strings.TrimSpace(jid))
	if !ValidJID(jid) {
		return false, fmt.Errorf("invalid jid: %q", jid)
	}

	b.mu.Lock()
	old, exists := b.entries[canonical]
	if exists && old.JID == jid && old.Origin == origin {
		b.mu.Unlock()
		return false, nil
	}
	entry := Entry{Alias: canonical, JID: jid, Origin: origin}
	if exists {
		entry.extra = old.extra
	}
	b.entries[canonical] = entry
	b.mu.Unlock()

	if exists {
		b.log.Info("address book: updated %q -> %q (was %q)", canonical, jid, old.JID)
	} else {
		b.log.Info("address book: saved %q -> %q", canonical, jid)
	}
	b.scheduleSave()
	return true, nil
}

// Remove deletes an alias. It returns false when the alias was absent.
func (b *Book) Remove(alias string) bool {
	canonical := CanonicalAlias(alias)

	b.mu.Lock()
	_, ok := b.entries[canonical]
	if ok {
		delete(b.entries, canonical)
	}
	b.mu.Unlock()

	if ok {
		b.log.Info("address book: removed %q", canonical)
		b.scheduleSave()
	}
	return ok
}

// Get returns the entry for an exact canonical alias.
func (b *Book) Get(alias string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[CanonicalAlias(alias)]
	return e, ok
}

// Len returns the number of entries.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// List returns all entries ordered by alias.
func (b *Book) List() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Query returns ranked fuzzy matches for term. Exact alias matches
// score 100, alias substrings 75, JID substrings 50, and remaining
// fuzzy alias matches scale below that. An empty term matches nothing.
func (b *Book) Query(term string, limit int) []Match {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	if limit <= 0 {
		limit = defaultMaxResults
	}

	b.mu.RLock()
	var matches []Match
	for alias, e := range b.entries {
		score := scoreEntry(term, alias, e.JID)
		if score > 0 {
			matches = append(matches, Match{Alias: alias, JID: e.JID, Score: score})
		}
	}
	b.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Alias < matches[j].Alias
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// scoreEntry ranks one entry against a lower-case search term.
func scoreEntry(term, alias, jid string) int {
	switch {
	case alias == term:
		return 100
	case strings.Contains(alias, term):
		return 75
	case strings.Contains(strings.ToLower(jid), term):
		return 50
	}

	// Fall back to subsequence matching so typos still find contacts.
	// Rank is the Levenshtein distance between term and alias.
	rank := fuzzy.RankMatchNormalizedFold(term, alias)
	if rank < 0 {
		return 0
	}
	score := 45 - rank
	if score < 1 {
		score = 1
	}
	return score
}

// Resolve maps an alias to a JID. Exact matches win; otherwise the best
// fuzzy match is used unless a second candidate scores within
// ambiguityWindow points of it.
func (b *Book) Resolve(alias string) (string, error) {
	canonical := CanonicalAlias(alias)

	b.mu.RLock()
	e, ok := b.entries[canonical]
	b.mu.RUnlock()
	if ok {
		return e.JID, nil
	}

	matches := b.Query(canonical, defaultMaxResults)
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	if len(matches) >= 2 && matches[1].Score >= matches[0].Score-ambiguityWindow {
		var near []Match
		for _, m := range matches {
			if m.Score >= matches[0].Score-ambiguityWindow {
				near = append(near, m)
			}
		}
		return "", &AmbiguousError{Term: alias, Candidates: near}
	}
	return matches[0].JID, nil
}

// scheduleSave persists the book in the background. At most one save is
// in flight; a change arriving mid-save marks the book dirty so the
// writer runs once more before exiting.
func (b *Book) scheduleSave() {
	b.saveMu.Lock()
	if b.saving {
		b.dirty = true
		b.saveMu.Unlock()
		return
	}
	b.saving = true
	b.saveMu.Unlock()

	go func() {
		for {
			if err := b.Flush(); err != nil {
				b.log.Error("address book: save failed: %v", err)
			}
			b.saveMu.Lock()
			if !b.dirty {
				b.saving = false
				b.saveMu.Unlock()
				return
			}
			b.dirty = false
			b.saveMu.Unlock()
		}
	}()
}

// Flush writes the book to disk synchronously using a temp file and an
// atomic rename.
func (b *Book) Flush() error {
	b.mu.RLock()
	f := fileFormat{Version: 1, Entries: make([]Entry, 0, len(b.entries))}
	for _, e := range b.entries {
		f.Entries = append(f.Entries, e)
	}
	b.mu.RUnlock()

	sort.Slice(f.Entries, func(i, j int) bool { return f.Entries[i].Alias < f.Entries[j].Alias })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode address book: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Close flushes any pending state. Persistence failures are logged, not
// returned, matching the never-block-a-caller policy.
func (b *Book) Close() {
	if err := b.Flush(); err != nil {
		b.log.Error("address book: final save failed: %v", err)
	}
}
