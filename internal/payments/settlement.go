package payments

import (
	"strings"
	"sync"
)

// SettlementHub routes asynchronous gateway events to the attempt waiting on them, keyed by the
// gateway session id. Each attempt is removed once an event resolves it.
type SettlementHub struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewSettlementHub constructs an empty hub.
func NewSettlementHub() *SettlementHub {
	return &SettlementHub{attempts: make(map[string]*Attempt)}
}

// Register tracks attempt under sessionID.
func (h *SettlementHub) Register(sessionID string, attempt *Attempt) {
	sessionID = strings.TrimSpace(sessionID)
	if h == nil || sessionID == "" || attempt == nil {
		return
	}
	h.mu.Lock()
	h.attempts[sessionID] = attempt
	h.mu.Unlock()
}

// Forget drops the attempt without resolving it.
func (h *SettlementHub) Forget(sessionID string) {
	h.take(sessionID)
}

// Pending reports how many attempts are awaiting settlement.
func (h *SettlementHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attempts)
}

// Settle resolves the attempt successfully. It reports whether an attempt was resolved.
func (h *SettlementHub) Settle(sessionID, transactionID string) bool {
	attempt := h.take(sessionID)
	return attempt != nil && attempt.Succeed(transactionID)
}

// Dismiss resolves the attempt as cancelled by the buyer.
func (h *SettlementHub) Dismiss(sessionID string) bool {
	attempt := h.take(sessionID)
	return attempt != nil && attempt.Cancel()
}

// Fail resolves the attempt with a gateway failure.
func (h *SettlementHub) Fail(sessionID, reason string) bool {
	attempt := h.take(sessionID)
	return attempt != nil && attempt.Fail(reason)
}

func (h *SettlementHub) take(sessionID string) *Attempt {
	if h == nil {
		return nil
	}
	sessionID = strings.TrimSpace(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	attempt, ok := h.attempts[sessionID]
	if !ok {
		return nil
	}
	delete(h.attempts, sessionID)
	return attempt
}
