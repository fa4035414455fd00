package evidence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(DefaultCapacity, DefaultSpacing, zap.NewNop())
	s.SetClock(clock.Now)
	return s, clock
}

func jpegStub() ([]byte, error) { return []byte{0xff, 0xd8}, nil }

func TestCapture_SpacingWindow(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{"within window", 1999 * time.Millisecond, 1},
		{"exactly window", 2000 * time.Millisecond, 2},
		{"beyond window", 2001 * time.Millisecond, 2},
		{"same instant", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore(t)
			if _, err := s.Capture(jpegStub); err != nil {
				t.Fatalf("first capture: %v", err)
			}
			clock.Advance(tt.gap)
			_, err := s.Capture(jpegStub)
			if tt.want == 1 && !errors.Is(err, ErrTooSoon) {
				t.Errorf("second capture err = %v, want ErrTooSoon", err)
			}
			if got := s.Len(); got != tt.want {
				t.Errorf("Len() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCapture_SpacingChecksLastItemOnly(t *testing.T) {
	s, clock := newTestStore(t)
	if _, err := s.Capture(jpegStub); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2500 * time.Millisecond)
	if _, err := s.Capture(jpegStub); err != nil {
		t.Fatal(err)
	}
	clock.Advance(1 * time.Second)
	// 3.5s after the first item but 1s after the last one.
	if _, err := s.Capture(jpegStub); !errors.Is(err, ErrTooSoon) {
		t.Errorf("err = %v, want ErrTooSoon", err)
	}
}

func TestCapture_Capacity(t *testing.T) {
	s, clock := newTestStore(t)
	for i := 0; i < 20; i++ {
		_, err := s.Capture(jpegStub)
		if i >= DefaultCapacity && !errors.Is(err, ErrStoreFull) {
			t.Errorf("capture %d err = %v, want ErrStoreFull", i, err)
		}
		clock.Advance(3 * time.Second)
	}
	if got := s.Len(); got != DefaultCapacity {
		t.Errorf("Len() = %d, want %d", got, DefaultCapacity)
	}
}

func TestCapture_Item(t *testing.T) {
	s, clock := newTestStore(t)
	item, err := s.Capture(jpegStub)
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != KindIntrusion {
		t.Errorf("Kind = %q, want INTRUSION", item.Kind)
	}
	if item.ID == "" {
		t.Error("ID is empty")
	}
	if !item.CapturedAt.Equal(clock.Now()) {
		t.Errorf("CapturedAt = %v, want %v", item.CapturedAt, clock.Now())
	}
}

func TestCapture_SnapshotFailure(t *testing.T) {
	s, _ := newTestStore(t)
	boom := errors.New("no frame")
	_, err := s.Capture(func() ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestCapture_RejectedDoesNotSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Capture(jpegStub); err != nil {
		t.Fatal(err)
	}
	called := false
	_, _ = s.Capture(func() ([]byte, error) {
		called = true
		return nil, nil
	})
	if called {
		t.Error("snapshot taken for a rejected capture")
	}
}

func TestCapture_ConcurrentBurst(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Capture(jpegStub)
		}()
	}
	wg.Wait()

	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d after a same-instant burst, want 1", got)
	}
}

func TestReset(t *testing.T) {
	s, clock := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, _ = s.Capture(jpegStub)
		clock.Advance(3 * time.Second)
	}
	items := s.Items()
	s.Reset()
	if s.Len() != 0 {
		t.Errorf("Len() = %d after reset, want 0", s.Len())
	}
	if len(items) != 3 {
		t.Errorf("copy taken before reset has %d items, want 3", len(items))
	}
	if _, err := s.Capture(jpegStub); err != nil {
		t.Errorf("capture after reset: %v", err)
	}
}
