package orchestrator

import (
	"sync"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// counter is the install step counter. It only moves forward and never
// passes its total.
type counter struct {
	mu       sync.Mutex
	step     int
	total    int
	progress domain.ProgressFunc
}

func newCounter(total int, progress domain.ProgressFunc) *counter {
	return &counter{total: total, progress: progress}
}

func (c *counter) advance(unit string) {
	c.mu.Lock()
	if c.step >= c.total {
		c.mu.Unlock()
		return
	}
	c.step++
	ev := domain.ProgressEvent{Kind: domain.ProgressStep, Unit: unit, Step: c.step, Total: c.total}
	// emitted under the lock so callers observe steps in order
	c.progress.Emit(ev)
	c.mu.Unlock()
}
