package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gli-international/gli-payments/internal/adapters/inmemory"
	"github.com/gli-international/gli-payments/internal/core/domain"
)

var testRetry = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu          sync.Mutex
	createErrs  []error
	createCalls int
	queryErr    error
	queryCalls  int
	statuses    map[string]domain.Status
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]domain.Status)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateOrder(_ context.Context, req domain.GatewayOrderRequest) (*domain.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	if len(g.createErrs) > 0 {
		err := g.createErrs[0]
		g.createErrs = g.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx := "tx-" + req.OrderID
	g.statuses[tx] = domain.StatusPendingGateway
	return &domain.GatewayOrder{
		TransactionID: tx,
		PaymentURL:    fmt.Sprintf("https://pay.example/%s", tx),
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, q domain.StatusQuery) (*domain.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queryCalls++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	status, ok := g.statuses[q.TransactionID]
	if !ok {
		return nil, domain.ErrUnknownTransaction
	}
	return &domain.GatewayResult{TransactionID: q.TransactionID, Status: status, RawStatus: string(status)}, nil
}

func (g *fakeGateway) setStatus(tx string, s domain.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[tx] = s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

// failingRepo wraps a repository and fails Update with err while set.
type failingRepo struct {
	*inmemory.OrderRepository
	mu        sync.Mutex
	updateErr error
}

func (r *failingRepo) Update(ctx context.Context, o *domain.PaymentOrder, expected domain.Status) error {
	r.mu.Lock()
	err := r.updateErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.OrderRepository.Update(ctx, o, expected)
}

type fixture struct {
	clock   *fakeClock
	repo    *inmemory.OrderRepository
	gateway *fakeGateway
	events  *recordingPublisher
	svc     *PaymentService
}

func newFixture() *fixture {
	clock := newFakeClock()
	repo := inmemory.NewOrderRepository(clock.Now)
	gw := newFakeGateway()
	events := &recordingPublisher{}
	svc := NewPaymentService(repo, gw, events, PaymentServiceOptions{
		SupportedCurrencies: []string{"GEL"},
		Retry:               testRetry,
		Now:                 clock.Now,
	})
	return &fixture{clock: clock, repo: repo, gateway: gw, events: events, svc: svc}
}

func gel(minor int64) domain.Money {
	return domain.Money{Minor: minor, Currency: "GEL"}
}
