// Package evidence retains intrusion snapshots captured during an active
// patrol, bounded in count and spaced in time.
package evidence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the maximum number of retained items.
	DefaultCapacity = 8
	// DefaultSpacing is the minimum gap between the last item and a new one.
	DefaultSpacing = 2 * time.Second
)

var (
	// ErrStoreFull is returned when the store already holds its capacity.
	ErrStoreFull = errors.New("evidence store full")
	// ErrTooSoon is returned when the last capture is inside the spacing window.
	ErrTooSoon = errors.New("evidence captured too recently")
)

// Kind tags how an item was captured.
type Kind string

const (
	KindSnapshot  Kind = "SNAPSHOT"
	KindIntrusion Kind = "INTRUSION"
)

// Item is one immutable piece of captured evidence.
type Item struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	Image      []byte    `json:"image"`
	Kind       Kind      `json:"kind"`
}

// SnapshotFunc grabs a single encoded frame.
type SnapshotFunc func() ([]byte, error)

// Store is an append-only, capped evidence list. Safe for concurrent use.
type Store struct {
	capacity int
	spacing  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	items []Item
}

// NewStore creates a Store. Non-positive capacity or negative spacing fall
// back to the defaults.
func NewStore(capacity int, spacing time.Duration, logger *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if spacing < 0 {
		spacing = DefaultSpacing
	}
	return &Store{
		capacity: capacity,
		spacing:  spacing,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Capture appends an INTRUSION item taken from snap. The capacity and
// last-item spacing checks and the append happen under one lock, so
// concurrent callers can never both pass the checks. Rejected captures
// have no side effect and do not invoke snap.
func (s *Store) Capture(snap SnapshotFunc) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.items) >= s.capacity {
		return Item{}, ErrStoreFull
	}
	if n := len(s.items); n > 0 && now.Sub(s.items[n-1].CapturedAt) < s.spacing {
		return Item{}, ErrTooSoon
	}

	img, err := snap()
	if err != nil {
		return Item{}, fmt.Errorf("Capture: %w", err)
	}

	item := Item{
		ID:         newID(),
		CapturedAt: now,
		Image:      img,
		Kind:       KindIntrusion,
	}
	s.items = append(s.items, item)

	s.logger.Info("evidence captured",
		zap.String("id", item.ID),
		zap.Int("count", len(s.items)),
		zap.Int("bytes", len(img)),
	)
	return item, nil
}

// Items returns a copy of the stored items in capture order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Reset drops every item.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
