package services

import (
	"context"
	"sync"
	"time"

	"github.com/hanko-field/checkout/internal/payments"
)

// SideEffectReport records the outcome of a best-effort step run after the order committed.
type SideEffectReport struct {
	Step  string
	OK    bool
	Error string
}

// checkoutRecord is the mutable session state. Copies handed out by the store share no
// mutable memory with the stored value: slices and pointers are replaced, never edited in place.
type checkoutRecord struct {
	ID          string
	State       CheckoutState
	Product     Product
	Buyer       *AuthSession
	Billing     BillingInfo
	Coupon      *CouponApplication
	Totals      Totals
	Currency    string
	Method      PaymentMethod
	Message     string
	Surface     *payments.Surface
	OrderID     string
	OrderNumber string
	PaymentID   string
	InvoiceURL  *string
	SideEffects []SideEffectReport
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

type sessionEntry struct {
	mu        sync.Mutex
	record    checkoutRecord
	expiresAt time.Time
	changed   chan struct{}

	attempt    *payments.Attempt
	stopWaiter context.CancelFunc

	credentials      *GuestCredentials
	credentialsShown bool
}

// evictedSession is handed to the eviction hook after an entry has been removed.
type evictedSession struct {
	Record  checkoutRecord
	Attempt *payments.Attempt
}

// sessionStore keeps checkout sessions in process memory. Every update refreshes the TTL and
// wakes goroutines waiting on the session.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	ttl     time.Duration
	clock   func() time.Time
	onEvict func(evictedSession)
}

func newSessionStore(ttl time.Duration, clock func() time.Time, onEvict func(evictedSession)) *sessionStore {
	if onEvict == nil {
		onEvict = func(evictedSession) {}
	}
	return &sessionStore{
		entries: make(map[string]*sessionEntry),
		ttl:     ttl,
		clock:   clock,
		onEvict: onEvict,
	}
}

func (s *sessionStore) create(record checkoutRecord) checkoutRecord {
	now := s.clock()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Version = 1
	entry := &sessionEntry{
		record:    record,
		expiresAt: now.Add(s.ttl),
		changed:   make(chan struct{}),
	}
	s.mu.Lock()
	s.entries[record.ID] = entry
	s.mu.Unlock()
	return record
}

func (s *sessionStore) entry(id string) (*sessionEntry, bool) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	expired := !s.clock().Before(entry.expiresAt)
	entry.mu.Unlock()
	if expired {
		s.evict(id, entry)
		return nil, false
	}
	return entry, true
}

func (s *sessionStore) get(id string) (checkoutRecord, bool) {
	entry, ok := s.entry(id)
	if !ok {
		return checkoutRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true
}

// update applies fn to a copy of the record and stores the copy when fn returns nil.
func (s *sessionStore) update(id string, fn func(*checkoutRecord) error) (checkoutRecord, error) {
	entry, ok := s.entry(id)
	if !ok {
		return checkoutRecord{}, ErrCheckoutSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.record
	if err := fn(&working); err != nil {
		return entry.record, err
	}
	now := s.clock()
	working.Version = entry.record.Version + 1
	working.UpdatedAt = now
	entry.record = working
	entry.expiresAt = now.Add(s.ttl)
	close(entry.changed)
	entry.changed = make(chan struct{})
	return working, nil
}

// waitChange blocks until the record moves past version or ctx ends, returning the latest record.
func (s *sessionStore) waitChange(ctx context.Context, id string, version int64) (checkoutRecord, error) {
	entry, ok := s.entry(id)
	if !ok {
		return checkoutRecord{}, ErrCheckoutSessionNotFound
	}
	entry.mu.Lock()
	if entry.record.Version != version {
		record := entry.record
		entry.mu.Unlock()
		return record, nil
	}
	changed := entry.changed
	entry.mu.Unlock()

	select {
	case <-changed:
	case <-ctx.Done():
	}
	record, ok := s.get(id)
	if !ok {
		return checkoutRecord{}, ErrCheckoutSessionNotFound
	}
	return record, nil
}

func (s *sessionStore) attach(id string, attempt *payments.Attempt, stop context.CancelFunc) bool {
	entry, ok := s.entry(id)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.attempt = attempt
	entry.stopWaiter = stop
	return true
}

// detach clears the attempt if it is still the current one.
func (s *sessionStore) detach(id string, attempt *payments.Attempt) {
	entry, ok := s.entry(id)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.attempt == attempt {
		entry.attempt = nil
		entry.stopWaiter = nil
	}
}

func (s *sessionStore) currentAttempt(id string) (*payments.Attempt, bool) {
	entry, ok := s.entry(id)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.attempt, true
}

func (s *sessionStore) setCredentials(id string, creds *GuestCredentials) {
	entry, ok := s.entry(id)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.credentials = creds
	entry.credentialsShown = false
}

// revealCredentials returns the credentials the first time it is called.
func (s *sessionStore) revealCredentials(id string) (*GuestCredentials, error) {
	entry, ok := s.entry(id)
	if !ok {
		return nil, ErrCheckoutSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.credentials == nil || entry.credentialsShown {
		return nil, ErrCheckoutCredentialsUnavailable
	}
	entry.credentialsShown = true
	creds := *entry.credentials
	return &creds, nil
}

func (s *sessionStore) credentials(id string) (*GuestCredentials, error) {
	entry, ok := s.entry(id)
	if !ok {
		return nil, ErrCheckoutSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.credentials == nil {
		return nil, ErrCheckoutCredentialsUnavailable
	}
	creds := *entry.credentials
	return &creds, nil
}

func (s *sessionStore) clearCredentials(id string) {
	entry, ok := s.entry(id)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.credentials = nil
}

func (s *sessionStore) credentialsAvailable(id string) bool {
	entry, ok := s.entry(id)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.credentials != nil && !entry.credentialsShown
}

func (s *sessionStore) expiresAt(id string) time.Time {
	entry, ok := s.entry(id)
	if !ok {
		return time.Time{}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.expiresAt
}

// sweep evicts every expired entry and returns how many were removed.
func (s *sessionStore) sweep() int {
	now := s.clock()
	s.mu.Lock()
	var expired []string
	for id, entry := range s.entries {
		entry.mu.Lock()
		if !now.Before(entry.expiresAt) {
			expired = append(expired, id)
		}
		entry.mu.Unlock()
	}
	s.mu.Unlock()

	removed := 0
	for _, id := range expired {
		s.mu.Lock()
		entry, ok := s.entries[id]
		s.mu.Unlock()
		if ok && s.evict(id, entry) {
			removed++
		}
	}
	return removed
}

func (s *sessionStore) evict(id string, entry *sessionEntry) bool {
	s.mu.Lock()
	current, ok := s.entries[id]
	if !ok || current != entry {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	s.mu.Unlock()

	entry.mu.Lock()
	evicted := evictedSession{Record: entry.record, Attempt: entry.attempt}
	stop := entry.stopWaiter
	entry.credentials = nil
	entry.attempt = nil
	entry.stopWaiter = nil
	close(entry.changed)
	entry.changed = make(chan struct{})
	entry.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.onEvict(evicted)
	return true
}

func (s *sessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
