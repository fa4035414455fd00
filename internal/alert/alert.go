// Package alert raises the local audible alarm on a DANGER classification.
package alert

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Alerter is a fire-and-forget alarm. Sound must not block the caller.
type Alerter interface {
	Sound(reason string)
}

// Bell writes the terminal bell to w and logs the alarm. Repeated alarms
// within the cooldown are logged but ring only once.
type Bell struct {
	w        io.Writer
	cooldown time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	lastRing time.Time
}

// NewBell creates a Bell. A nil writer only logs.
func NewBell(w io.Writer, cooldown time.Duration, logger *zap.Logger) *Bell {
	return &Bell{w: w, cooldown: cooldown, logger: logger}
}

func (b *Bell) Sound(reason string) {
	b.logger.Warn("threat alarm", zap.String("reason", reason))
	if b.w == nil {
		return
	}

	b.mu.Lock()
	now := time.Now()
	if !b.lastRing.IsZero() && now.Sub(b.lastRing) < b.cooldown {
		b.mu.Unlock()
		return
	}
	b.lastRing = now
	b.mu.Unlock()

	go func() {
		if _, err := io.WriteString(b.w, "\a"); err != nil {
			b.logger.Debug("alarm bell write failed", zap.Error(err))
		}
	}()
}

// Func adapts a plain function to Alerter.
type Func func(reason string)

func (f Func) Sound(reason string) { f(reason) }
