package policy

import (
	"fmt"
	"sync"
)

// Budget tracks projected spend for one request. A zero max disables the
// ceiling.
type Budget struct {
	mu       sync.Mutex
	max      float64
	reserved float64
	exceeded bool
	reason   string
}

// NewBudget creates a per-request budget.
func NewBudget(maxUSD float64) *Budget {
	return &Budget{max: maxUSD}
}

// Reserve adds cost to the running total unless that would exceed the ceiling.
func (b *Budget) Reserve(capabilityID string, cost float64) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.reserved += cost
		return nil
	}
	projected := b.reserved + cost
	if projected > b.max {
		b.exceeded = true
		b.reason = fmt.Sprintf("budget %.4f exceeded by %s (projected total %.4f)", b.max, capabilityID, projected)
		return fmt.Errorf("%s", b.reason)
	}
	b.reserved = projected
	return nil
}

// Status reports the reserved total and whether the ceiling was hit.
func (b *Budget) Status() BudgetStatus {
	if b == nil {
		return BudgetStatus{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetStatus{MaxUSD: b.max, ReservedUSD: b.reserved, Exceeded: b.exceeded, Reason: b.reason}
}

// BudgetStatus is a point-in-time view of a Budget.
type BudgetStatus struct {
	MaxUSD      float64 `json:"max_usd"`
	ReservedUSD float64 `json:"reserved_usd"`
	Exceeded    bool    `json:"exceeded"`
	Reason      string  `json:"reason,omitempty"`
}
