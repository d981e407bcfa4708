package core

import (
	"fmt"
	"sync"
)

// IterationBudget enforces a maximum number of steps per run.
type IterationBudget struct {
	max  int
	used int
	mu   sync.Mutex
}

// NewIterationBudget creates a budget allowing max steps.
// If max == 0, unlimited steps are allowed.
func NewIterationBudget(max int) *IterationBudget {
	return &IterationBudget{max: max}
}

// Consume records one step and returns an error if the budget was already spent.
func (b *IterationBudget) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && b.used >= b.max {
		return fmt.Errorf("iteration budget of %d exhausted", b.max)
	}
	b.used++

	return nil
}

// Used returns the number of steps consumed.
func (b *IterationBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.used
}

// Remaining returns how many steps are left before hitting the limit.
func (b *IterationBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max == 0 {
		return -1 // unlimited
	}

	return b.max - b.used
}

// Exhausted reports whether no further step may start.
func (b *IterationBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.max > 0 && b.used >= b.max
}

// Max returns the configured limit, 0 meaning unlimited.
func (b *IterationBudget) Max() int { return b.max }

// Reset clears the consumed count for a new run.
func (b *IterationBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used = 0
}
