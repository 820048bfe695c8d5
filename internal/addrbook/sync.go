package addrbook

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// RosterEntry is a contact as reported by the XMPP roster.
type RosterEntry struct {
	JID  string
	Name string
}

// SyncStats summarizes a roster synchronization pass.
type SyncStats struct {
	Added   int
	Skipped int
	Errors  int
}

// IncrementalStats summarizes an incremental roster update.
type IncrementalStats struct {
	Added   int
	Removed int
	Errors  int
}

var (
	invalidAliasChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	dashRuns          = regexp.MustCompile(`-+`)
	nonDigits         = regexp.MustCompile(`[^0-9]`)
)

// Slugify turns a display name into a lower-case alias candidate:
// invalid characters become hyphens, runs collapse, edges are trimmed.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = invalidAliasChars.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// aliasFromJID derives an alias candidate from the JID localpart.
// Phone-number localparts become phone<digits>; localparts that slug to
// nothing usable fall back to a short content hash.
func aliasFromJID(jid string) string {
	localpart := strings.ToLower(strings.SplitN(jid, "@", 2)[0])

	if strings.HasPrefix(localpart, "+") {
		digits := nonDigits.ReplaceAllString(localpart, "")
		if digits != "" {
			return "phone" + digits
		}
	}

	slug := Slugify(localpart)
	if strings.Trim(slug, "-_.") == "" {
		sum := sha256.Sum256([]byte(jid))
		return "contact-" + hex.EncodeToString(sum[:])[:8]
	}
	return slug
}

// domainLabel returns the first label of the JID's domain, used to
// build fallback aliases on conflicts.
func domainLabel(jid string) string {
	parts := strings.SplitN(jid, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.SplitN(strings.ToLower(parts[1]), ".", 2)[0]
}

// SyncRoster merges roster entries into the book with roster-auto
// origin. Manual entries are never overwritten; colliding candidates
// retry once as candidate-<domain>.
func (b *Book) SyncRoster(entries []RosterEntry) SyncStats {
	var stats SyncStats
	b.log.Info("address book: roster sync with %d entries", len(entries))

	for _, entry := range entries {
		jid := strings.ToLower(strings.TrimSpace(entry.JID))
		if !ValidJID(jid) {
			b.log.Warn("address book: invalid roster JID, skipping: %q", entry.JID)
			stats.Errors++
			continue
		}

		candidate := ""
		if name := strings.TrimSpace(entry.Name); name != "" {
			candidate = Slugify(name)
		}
		if candidate == "" {
			candidate = aliasFromJID(jid)
		}
		if !ValidAlias(candidate) {
			b.log.Warn("address book: roster entry %q produced invalid alias %q", jid, candidate)
			stats.Errors++
			continue
		}

		existing, exists := b.Get(candidate)
		if exists && existing.JID != jid {
			if existing.Origin == OriginManual {
				// Manual entries win; retry once with a domain suffix.
				fallback := candidate + "-" + domainLabel(jid)
				if !ValidAlias(fallback) {
					stats.Errors++
					continue
				}
				if other, ok := b.Get(fallback); ok && other.JID != jid {
					b.log.Warn("address book: no free alias for %q (%q and %q taken)", jid, candidate, fallback)
					stats.Skipped++
					continue
				}
				candidate = fallback
				existing, exists = b.Get(candidate)
			}
			// Roster-auto collisions are overwritten below.
		}

		if exists && existing.JID == jid {
			stats.Skipped++
			continue
		}

		if !exists && b.jidHasAlias(jid) {
			// Already reachable under some other alias.
			stats.Skipped++
			continue
		}

		changed, err := b.put(candidate, jid, OriginRoster)
		if err != nil {
			b.log.Error("address book: failed to add roster entry %q -> %q: %v", candidate, jid, err)
			stats.Errors++
			continue
		}
		if changed {
			stats.Added++
		} else {
			stats.Skipped++
		}
	}

	b.log.Info("address book: roster sync done: %d added, %d skipped, %d errors",
		stats.Added, stats.Skipped, stats.Errors)
	return stats
}

// jidHasAlias reports whether any entry already maps to jid.
func (b *Book) jidHasAlias(jid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.JID == jid {
			return true
		}
	}
	return false
}

// SyncRosterIncremental applies a roster delta. Removed JIDs only drop
// roster-auto aliases; manual entries stay.
func (b *Book) SyncRosterIncremental(added []RosterEntry, removed []string) IncrementalStats {
	var stats IncrementalStats

	if len(added) > 0 {
		addStats := b.SyncRoster(added)
		stats.Added = addStats.Added
		stats.Errors += addStats.Errors
	}

	for _, jid := range removed {
		jid = strings.ToLower(strings.TrimSpace(jid))

		b.mu.RLock()
		var aliases []string
		for alias, e := range b.entries {
			if e.JID == jid && e.Origin == OriginRoster {
				aliases = append(aliases, alias)
			}
		}
		b.mu.RUnlock()

		for _, alias := range aliases {
			if b.Remove(alias) {
				stats.Removed++
			}
		}
	}

	b.log.Info("address book: incremental roster sync: %d added, %d removed, %d errors",
		stats.Added, stats.Removed, stats.Errors)
	return stats
}
