package patrol

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source identifies who produced a journal entry.
type Source string

const (
	SourcePerception Source = "PERCEPTION"
	SourceReasoning  Source = "REASONING"
	SourceSystem     Source = "SYSTEM"
)

// LogEntry is one user-visible journal line.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Source    Source    `json:"source"`
}

// Journal is the append-only patrol log. Entries are ordered by append
// time. Safe for concurrent use.
type Journal struct {
	now func() time.Time

	mu      sync.RWMutex
	entries []LogEntry
}

// NewJournal creates an empty journal. A nil now uses time.Now.
func NewJournal(now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{now: now}
}

// Append records message and returns the stored entry.
func (j *Journal) Append(source Source, message string) LogEntry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	e := LogEntry{
		ID:        id.String(),
		Timestamp: j.now(),
		Message:   message,
		Source:    source,
	}
	j.entries = append(j.entries, e)
	return e
}

// Entries returns a copy of the entries appended after the first skip.
func (j *Journal) Entries(skip int) []LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if skip < 0 {
		skip = 0
	}
	if skip >= len(j.entries) {
		return []LogEntry{}
	}
	out := make([]LogEntry, len(j.entries)-skip)
	copy(out, j.entries[skip:])
	return out
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Reset clears the journal at the end of a patrol.
func (j *Journal) Reset() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}
