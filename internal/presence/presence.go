// Package presence tracks the live cursor positions and colors of room members.
package presence

import (
	"sort"
	"unicode/utf16"
)

// Palette holds the cursor colors handed out to users.
var Palette = []string{
	"#FF5733",
	"#33FF57",
	"#3357FF",
	"#FF33A1",
	"#A133FF",
	"#33FFA1",
}

// Color returns the display color of a user. It depends only on the user id, so
// every tab and reconnect of the same user renders identically.
func Color(userID string) string {
	total := 0
	for _, unit := range utf16.Encode([]rune(userID)) {
		total += int(unit)
	}
	return Palette[total%len(Palette)]
}

// Entry is one session's presence in a room. Line and column are 1-based.
type Entry struct {
	SID        string `json:"sid"`
	UserID     string `json:"userId,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`
	Column     int    `json:"column,omitempty"`
	Color      string `json:"color"`
}

// Set is a presence set keyed by session id. It is not safe for concurrent use;
// the owner serializes access.
type Set struct {
	entries map[string]Entry
}

// NewSet creates an empty presence set.
func NewSet() *Set {
	return &Set{entries: make(map[string]Entry)}
}

// Upsert stores e, replacing any entry with the same session id. The color is
// always recomputed from the user id.
func (s *Set) Upsert(e Entry) Entry {
	e.Color = Color(e.UserID)
	s.entries[e.SID] = e
	return e
}

// Move updates the cursor of an existing entry. It returns false if sid is unknown.
func (s *Set) Move(sid string, line, column int) (Entry, bool) {
	e, ok := s.entries[sid]
	if !ok {
		return Entry{}, false
	}
	e.LineNumber = line
	e.Column = column
	s.entries[sid] = e
	return e, true
}

// Remove evicts exactly the entry of sid.
func (s *Set) Remove(sid string) (Entry, bool) {
	e, ok := s.entries[sid]
	if ok {
		delete(s.entries, sid)
	}
	return e, ok
}

// Get returns the entry of sid.
func (s *Set) Get(sid string) (Entry, bool) {
	e, ok := s.entries[sid]
	return e, ok
}

// Len returns the number of entries.
func (s *Set) Len() int {
	return len(s.entries)
}

// Snapshot returns a copy of all entries ordered by session id.
func (s *Set) Snapshot() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// SnapshotExcept is Snapshot without the entry of sid.
func (s *Set) SnapshotExcept(sid string) []Entry {
	all := s.Snapshot()
	out := all[:0]
	for _, e := range all {
		if e.SID != sid {
			out = append(out, e)
		}
	}
	return out
}
