package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return false }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errNotFound    = &stubRepoError{notFound: true}
	errUnavailable = &stubRepoError{unavailable: true}
)

func fixedClock() time.Time {
	return time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
}

type stubCouponRepository struct {
	coupons map[string]Coupon
	err     error
	lookups []string
}

func (s *stubCouponRepository) FindActiveByCode(_ context.Context, code string) (Coupon, error) {
	s.lookups = append(s.lookups, code)
	if s.err != nil {
		return Coupon{}, s.err
	}
	coupon, ok := s.coupons[code]
	if !ok {
		return Coupon{}, errNotFound
	}
	return coupon, nil
}

type stubProductRepository struct {
	products map[string]Product
}

func (s *stubProductRepository) FindByID(_ context.Context, id string) (Product, error) {
	product, ok := s.products[id]
	if !ok {
		return Product{}, errNotFound
	}
	return product, nil
}

type stubCounterRepository struct {
	mu    sync.Mutex
	value int64
	ids   []string
	err   error
}

func (s *stubCounterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, counterID)
	if s.err != nil {
		return 0, s.err
	}
	if step <= 0 {
		step = 1
	}
	s.value += step
	return s.value, nil
}

type stubGatewayConfigs struct {
	cfg domain.GatewayConfig
	err error
}

func (s *stubGatewayConfigs) FindActive(context.Context, string) (domain.GatewayConfig, error) {
	return s.cfg, s.err
}

// memoryStore is an in-memory stand-in for the persistence collaborator.
type memoryStore struct {
	mu          sync.Mutex
	orders      map[string]Order
	payments    map[string]Payment
	submissions map[string]CheckoutSubmission
	invoices    map[string]Invoice
	commitErr   error
	assignErr   error
	insertErr   error
	countErr    error
	commits     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:      map[string]Order{},
		payments:    map[string]Payment{},
		submissions: map[string]CheckoutSubmission{},
		invoices:    map[string]Invoice{},
	}
}

func (m *memoryStore) Commit(_ context.Context, records repositories.CheckoutRecords) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.commitErr != nil {
		return m.commitErr
	}
	m.orders[records.Order.ID] = records.Order
	m.payments[records.Payment.ID] = records.Payment
	m.submissions[records.Submission.ID] = records.Submission
	return nil
}

func (m *memoryStore) FindByID(_ context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, errNotFound
	}
	return order, nil
}

func (m *memoryStore) AssignBuyer(_ context.Context, orderID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignErr != nil {
		return m.assignErr
	}
	order, ok := m.orders[orderID]
	if !ok {
		return errNotFound
	}
	order.UserID = userID
	m.orders[orderID] = order
	return nil
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memoryStore) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memoryStore) onlyOrder() (Order, Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var order Order
	var payment Payment
	for _, o := range m.orders {
		order = o
	}
	for _, p := range m.payments {
		payment = p
	}
	return order, payment
}

// memoryPayments adapts memoryStore to repositories.PaymentRepository.
type memoryPayments struct{ store *memoryStore }

func (p memoryPayments) FindByID(_ context.Context, id string) (Payment, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	payment, ok := p.store.payments[id]
	if !ok {
		return Payment{}, errNotFound
	}
	return payment, nil
}

func (p memoryPayments) AssignBuyer(_ context.Context, id, userID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	payment, ok := p.store.payments[id]
	if !ok {
		return errNotFound
	}
	payment.UserID = userID
	p.store.payments[id] = payment
	return nil
}

// memoryInvoices adapts memoryStore to repositories.InvoiceRepository.
type memoryInvoices struct{ store *memoryStore }

func (i memoryInvoices) Insert(_ context.Context, invoice Invoice) error {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	if i.store.insertErr != nil {
		return i.store.insertErr
	}
	i.store.invoices[invoice.ID] = invoice
	return nil
}

func (i memoryInvoices) CountIssuedSince(_ context.Context, since time.Time) (int64, error) {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	if i.store.countErr != nil {
		return 0, i.store.countErr
	}
	var count int64
	for _, inv := range i.store.invoices {
		if !inv.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (i memoryInvoices) SetDocumentURL(_ context.Context, invoiceID, url string) error {
	i.store.mu.Lock()
	defer i.store.mu.Unlock()
	inv, ok := i.store.invoices[invoiceID]
	if !ok {
		return errNotFound
	}
	inv.DocumentURL = &url
	i.store.invoices[invoiceID] = inv
	return nil
}

type stubIdentity struct {
	mu        sync.Mutex
	accounts  map[string]string
	passwords map[string]string
	profiles  map[string]IdentityProfile
	signUpErr error
	profErr   error
	sessions  map[string]AuthSession
	nextID    int
}

func newStubIdentity() *stubIdentity {
	return &stubIdentity{
		accounts:  map[string]string{},
		passwords: map[string]string{},
		profiles:  map[string]IdentityProfile{},
		sessions:  map[string]AuthSession{},
	}
}

func (s *stubIdentity) SignUp(_ context.Context, email, password, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signUpErr != nil {
		return "", s.signUpErr
	}
	if _, ok := s.accounts[email]; ok {
		return "", domain.ErrEmailExists
	}
	s.nextID++
	uid := "uid-" + string(rune('0'+s.nextID))
	s.accounts[email] = uid
	s.passwords[email] = password
	return uid, nil
}

func (s *stubIdentity) AttachProfile(_ context.Context, uid string, profile IdentityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profErr != nil {
		return s.profErr
	}
	s.profiles[uid] = profile
	return nil
}

func (s *stubIdentity) SignIn(_ context.Context, email, password string) (AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.accounts[email]
	if !ok || s.passwords[email] != password {
		return AuthSession{}, domain.ErrInvalidCredentials
	}
	return AuthSession{UserID: uid, Email: email, IDToken: "token-" + uid}, nil
}

func (s *stubIdentity) CurrentSession(_ context.Context, idToken string) (AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[idToken]
	if !ok {
		return AuthSession{}, errors.New("invalid token")
	}
	return session, nil
}

type stubBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *stubBlobStore) Upload(_ context.Context, path string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[path] = data
	return nil
}

func (s *stubBlobStore) PublicURL(path string) string {
	return "https://storage.example.com/invoices-bucket/" + path
}

type stubRenderer struct {
	err error
}

func (r stubRenderer) Render(doc InvoiceDocument) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF " + doc.Number), nil
}

func (stubRenderer) ContentType() string { return "application/pdf" }

// stubGateway records attempts and lets tests settle them.
type stubGateway struct {
	mu       sync.Mutex
	calls    []payments.Options
	attempts []*payments.Attempt
	err      error
	opened   chan *payments.Attempt
}

func newStubGateway() *stubGateway {
	return &stubGateway{opened: make(chan *payments.Attempt, 4)}
}

func (g *stubGateway) Initiate(_ context.Context, opts payments.Options) (*payments.Attempt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, opts)
	if g.err != nil {
		return nil, g.err
	}
	attempt := payments.NewAttempt(payments.Surface{
		Gateway:     "stub",
		SessionID:   "cs_" + opts.Metadata["checkoutId"],
		RedirectURL: "https://pay.example.com/" + opts.Metadata["checkoutId"],
	})
	g.attempts = append(g.attempts, attempt)
	g.opened <- attempt
	return attempt, nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []OrderPlacedEvent
}

func (p *stubPublisher) PublishOrderPlaced(_ context.Context, event OrderPlacedEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return "msg-1", nil
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, fields: fields})
}

func (r *eventRecorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}
