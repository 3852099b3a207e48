package history

import (
	"fmt"
	"sync"
)

// Sink appends a record and returns its id in the record's stream.
type Sink interface {
	Append(rec Record) (uint64, error)
}

// Entry is a record with its assigned id.
type Entry struct {
	ID     uint64 `json:"id"`
	Kind   Kind   `json:"kind"`
	Record Record `json:"record"`
}

// Writer receives committed entries. Persistence and publishing hang off it.
type Writer interface {
	Write(entries []Entry) error
}

// Journal owns the per-stream counters. Commands append into a Buffer and
// the journal only advances its counters when the buffer is committed, so a
// failed command leaves no gap in any stream.
type Journal struct {
	mu      sync.Mutex
	next    map[Kind]uint64
	writers []Writer
}

func NewJournal(writers ...Writer) *Journal {
	next := make(map[Kind]uint64, len(Kinds))
	for _, k := range Kinds {
		next[k] = 1
	}
	return &Journal{next: next, writers: writers}
}

// AddWriter registers a downstream writer for committed entries.
func (j *Journal) AddWriter(w Writer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writers = append(j.writers, w)
}

// Begin opens a buffer whose ids continue from the committed counters.
func (j *Journal) Begin() *Buffer {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := make(map[Kind]uint64, len(j.next))
	for k, v := range j.next {
		next[k] = v
	}
	return &Buffer{next: next}
}

// Commit publishes the buffer's entries and advances the counters. A buffer
// opened before another commit is rejected.
func (j *Journal) Commit(b *Buffer) ([]Entry, error) {
	j.mu.Lock()
	for _, e := range b.entries {
		if e.ID < j.next[e.Kind] {
			j.mu.Unlock()
			return nil, fmt.Errorf("stale history buffer: %s record %d already committed", e.Kind, e.ID)
		}
	}
	for k, v := range b.next {
		j.next[k] = v
	}
	writers := j.writers
	j.mu.Unlock()

	for _, w := range writers {
		if err := w.Write(b.entries); err != nil {
			return b.entries, fmt.Errorf("history writer: %w", err)
		}
	}
	return b.entries, nil
}

// NextIDs returns the committed counters, for snapshots.
func (j *Journal) NextIDs() map[Kind]uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[Kind]uint64, len(j.next))
	for k, v := range j.next {
		out[k] = v
	}
	return out
}

// Restore resets the counters from a snapshot.
func (j *Journal) Restore(next map[Kind]uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range next {
		j.next[k] = v
	}
}

// Buffer collects the records of one command.
type Buffer struct {
	next    map[Kind]uint64
	entries []Entry
}

func (b *Buffer) Append(rec Record) (uint64, error) {
	k := rec.RecordKind()
	id, ok := b.next[k]
	if !ok {
		return 0, fmt.Errorf("unknown history stream %q", k)
	}
	b.next[k] = id + 1
	b.entries = append(b.entries, Entry{ID: id, Kind: k, Record: rec})
	return id, nil
}

func (b *Buffer) Entries() []Entry { return b.entries }

// MemoryStore keeps committed entries in memory, per stream.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[Kind][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[Kind][]Entry)}
}

func (m *MemoryStore) Write(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.streams[e.Kind] = append(m.streams[e.Kind], e)
	}
	return nil
}

// Stream returns a copy of a stream's entries in id order.
func (m *MemoryStore) Stream(k Kind) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.streams[k]))
	copy(out, m.streams[k])
	return out
}
