package dref

import "sync/atomic"

// Budget tracks the process-wide count of open kernel descriptors held by
// descriptor cells. It does not itself enforce the limit; callers consult
// Exceeded and close idle cells until it no longer is.
type Budget struct {
	max  int64
	open atomic.Int64
}

// NewBudget creates a budget allowing up to max simultaneously open
// descriptors. max <= 0 disables the limit (Exceeded always reports false).
func NewBudget(max int64) *Budget {
	return &Budget{max: max}
}

func (b *Budget) noteOpen()  { b.open.Add(1) }
func (b *Budget) noteClose() { b.open.Add(-1) }

// Open returns the current count of open descriptors tracked by this budget.
func (b *Budget) Open() int64 { return b.open.Load() }

// Exceeded reports whether the current open count is over the configured
// maximum.
func (b *Budget) Exceeded() bool {
	return b.max > 0 && b.open.Load() > b.max
}
