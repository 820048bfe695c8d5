// Package inbox holds received messages in a bounded FIFO store
// addressable by UUID. It lives entirely in memory.
package inbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxLen is the inbox capacity used when none is configured.
const DefaultMaxLen = 500

// Record is an immutable received-message entry.
type Record struct {
	UUID string
	From string
	Body string
	TS   time.Time
}

// Stats describes inbox occupancy.
type Stats struct {
	Total       int
	Capacity    int
	Utilization float64
}

// Inbox is a bounded FIFO of received messages. When full, the oldest
// record is evicted on insert.
type Inbox struct {
	mu      sync.Mutex
	records []Record
	maxLen  int
}

// New creates an inbox with the given capacity. Non-positive values
// fall back to DefaultMaxLen.
func New(maxLen int) *Inbox {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Inbox{
		records: make([]Record, 0, maxLen),
		maxLen:  maxLen,
	}
}

// Append stores a received message and returns its generated UUID,
// evicting the oldest record if the inbox is at capacity.
func (x *Inbox) Append(from, body string, ts time.Time) string {
	rec := Record{
		UUID: uuid.NewString(),
		From: from,
		Body: body,
		TS:   ts,
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.records) >= x.maxLen {
		x.records = x.records[1:]
	}
	x.records = append(x.records, rec)
	return rec.UUID
}

// List returns records newest-first. A positive limit caps the result.
func (x *Inbox) List(limit int) []Record {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := len(x.records)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Record, 0, n)
	for i := len(x.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, x.records[i])
	}
	return out
}

// Get looks up a record by UUID.
func (x *Inbox) Get(id string) (Record, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, rec := range x.records {
		if rec.UUID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// Clear removes all records and returns how many were dropped.
func (x *Inbox) Clear() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := len(x.records)
	x.records = x.records[:0]
	return n
}

// Len returns the number of stored records.
func (x *Inbox) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.records)
}

// Stats returns occupancy statistics.
func (x *Inbox) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()

	return Stats{
		Total:       len(x.records),
		Capacity:    x.maxLen,
		Utilization: float64(len(x.records)) / float64(x.maxLen) * 100,
	}
}
