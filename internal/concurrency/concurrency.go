// Package concurrency enforces a per-user streaming slot cap.
package concurrency

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/store"
)

// Plan-derived streaming concurrency caps. A user's own override, when set,
// takes precedence.
const (
	planStarter = "starter"
	planPro     = "pro"
	planAgency  = "agency"

	capStarter = 1
	capPro     = 2
	capAgency  = 5
)

// Ledger tracks in-flight streaming slots per user under a single mutex.
// Contention is low in practice (per-user activity is sparse); a striped
// map would be a valid optimization but is not needed here.
type Ledger struct {
	mu         sync.Mutex
	counts     map[uuid.UUID]int
	defaultCap int
}

// NewLedger builds a Ledger. defaultCap is used when a user has no plan and
// no override.
func NewLedger(defaultCap int) *Ledger {
	return &Ledger{counts: make(map[uuid.UUID]int), defaultCap: defaultCap}
}

func (l *Ledger) resolveCap(limits store.UserLimits) int {
	if limits.StreamingConcurrencyCap != nil {
		return *limits.StreamingConcurrencyCap
	}
	switch limits.Plan {
	case planStarter:
		return capStarter
	case planPro:
		return capPro
	case planAgency:
		return capAgency
	default:
		return l.defaultCap
	}
}

// Acquire attempts to reserve one streaming slot for userID. It returns
// true and the resolved cap if a slot was available, false and the cap
// otherwise.
func (l *Ledger) Acquire(userID uuid.UUID, limits store.UserLimits) (ok bool, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity = l.resolveCap(limits)
	if l.counts[userID] >= capacity {
		return false, capacity
	}
	l.counts[userID]++
	return true, capacity
}

// Release gives back one streaming slot for userID. It is safe to call
// even if userID currently holds no slots; the count is clamped at zero.
func (l *Ledger) Release(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[userID] > 0 {
		l.counts[userID]--
	}
	if l.counts[userID] == 0 {
		delete(l.counts, userID)
	}
}

// InUse returns the current slot count for userID, for tests and diagnostics.
func (l *Ledger) InUse(userID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[userID]
}
