package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v74"

	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/notify"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
	"github.com/PortNumber53/boxing-coach/backend/internal/stripe"
)

type fakeGateway struct {
	mu sync.Mutex

	customers      map[string]*stripeapi.Customer
	paymentIntents map[string]*stripeapi.PaymentIntent
	setupIntents   map[string]*stripeapi.SetupIntent
	subscriptions  []*stripeapi.Subscription

	sessions      []*stripeapi.CheckoutSessionParams
	createdPIs    []*stripeapi.PaymentIntentParams
	updatedPIs    map[string][]*stripeapi.PaymentIntentParams
	createdSubs   []*stripeapi.SubscriptionParams
	defaultPMs    map[string]string
	createPIErr   error
	createPIDelay time.Duration
	// createSubErr is returned after the subscription is stored, as when a
	// concurrent request with the same key won the race.
	createSubErr error
	seq           int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		customers:      map[string]*stripeapi.Customer{},
		paymentIntents: map[string]*stripeapi.PaymentIntent{},
		setupIntents:   map[string]*stripeapi.SetupIntent{},
		updatedPIs:     map[string][]*stripeapi.PaymentIntentParams{},
		defaultPMs:     map[string]string{},
	}
}

func (g *fakeGateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func missing() error {
	return &stripeapi.Error{Code: stripeapi.ErrorCodeResourceMissing, HTTPStatusCode: 404}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, in stripe.CustomerInput) (*stripeapi.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := &stripeapi.Customer{ID: g.nextID("cus"), Email: in.Email, Name: in.Name, Metadata: in.Metadata}
	g.customers[c.ID] = c
	return c, nil
}

func (g *fakeGateway) GetCustomer(_ context.Context, id string) (*stripeapi.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.customers[id]
	if !ok {
		return nil, missing()
	}
	return c, nil
}

func (g *fakeGateway) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultPMs[customerID] = paymentMethodID
	return nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append(g.sessions, params)
	id := g.nextID("cs")
	return &stripeapi.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) GetPaymentIntent(_ context.Context, id string) (*stripeapi.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.paymentIntents[id]
	if !ok {
		return nil, missing()
	}
	cp := *pi
	cp.Metadata = copyMap(pi.Metadata)
	return &cp, nil
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	if g.createPIDelay > 0 {
		time.Sleep(g.createPIDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdPIs = append(g.createdPIs, params)
	if g.createPIErr != nil {
		return nil, g.createPIErr
	}
	pi := &stripeapi.PaymentIntent{
		ID:           g.nextID("pi"),
		ClientSecret: "secret",
		Amount:       stripeapi.Int64Value(params.Amount),
		Currency:     stripeapi.Currency(stripeapi.StringValue(params.Currency)),
		Metadata:     copyMap(params.Metadata),
		Status:       stripeapi.PaymentIntentStatusRequiresPaymentMethod,
	}
	if stripeapi.BoolValue(params.Confirm) {
		pi.Status = stripeapi.PaymentIntentStatusSucceeded
	}
	g.paymentIntents[pi.ID] = pi
	return pi, nil
}

func (g *fakeGateway) UpdatePaymentIntent(_ context.Context, id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.paymentIntents[id]
	if !ok {
		return nil, missing()
	}
	g.updatedPIs[id] = append(g.updatedPIs[id], params)
	if params.Amount != nil {
		pi.Amount = *params.Amount
	}
	if pi.Metadata == nil {
		pi.Metadata = map[string]string{}
	}
	for k, v := range params.Metadata {
		pi.Metadata[k] = v
	}
	return pi, nil
}

func (g *fakeGateway) ListSubscriptions(_ context.Context, customerID, priceID string) ([]*stripeapi.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*stripeapi.Subscription
	for _, sub := range g.subscriptions {
		if sub.Customer != nil && sub.Customer.ID == customerID && sub.Metadata["price"] == priceID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdSubs = append(g.createdSubs, params)
	sub := &stripeapi.Subscription{
		ID:       g.nextID("sub"),
		Status:   stripeapi.SubscriptionStatusTrialing,
		Customer: &stripeapi.Customer{ID: stripeapi.StringValue(params.Customer)},
		TrialEnd: stripeapi.Int64Value(params.TrialEnd),
		Metadata: map[string]string{"price": stripeapi.StringValue(params.Items[0].Price)},
	}
	g.subscriptions = append(g.subscriptions, sub)
	if g.createSubErr != nil {
		return nil, g.createSubErr
	}
	return sub, nil
}

func (g *fakeGateway) CreateSetupIntent(_ context.Context, params *stripeapi.SetupIntentParams) (*stripeapi.SetupIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	si := &stripeapi.SetupIntent{
		ID:           g.nextID("seti"),
		ClientSecret: "seti_secret",
		Customer:     &stripeapi.Customer{ID: stripeapi.StringValue(params.Customer)},
		Metadata:     copyMap(params.Metadata),
		Status:       stripeapi.SetupIntentStatusRequiresPaymentMethod,
	}
	g.setupIntents[si.ID] = si
	return si, nil
}

func (g *fakeGateway) GetSetupIntent(_ context.Context, id string) (*stripeapi.SetupIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	si, ok := g.setupIntents[id]
	if !ok {
		return nil, missing()
	}
	return si, nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.createdPIs {
		if stripeapi.BoolValue(p.OffSession) {
			n++
		}
	}
	return n
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// fakeLedger mirrors the unique first_payment_intent_id constraint.
type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*models.SplitPayment
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*models.SplitPayment{}}
}

func (l *fakeLedger) CreateSplitPayment(_ context.Context, sp *models.SplitPayment) (*models.SplitPayment, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.FirstPaymentIntentID == sp.FirstPaymentIntentID {
			cp := *row
			return &cp, false, nil
		}
	}
	row := *sp
	row.ID = uuid.NewString()
	l.rows[row.ID] = &row
	cp := row
	return &cp, true, nil
}

func (l *fakeLedger) FindSplitPaymentByFirstIntent(_ context.Context, pi string) (*models.SplitPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range l.rows {
		if row.FirstPaymentIntentID == pi {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) GetSplitPayment(_ context.Context, id string) (*models.SplitPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (l *fakeLedger) MarkSplitPaymentCompleted(_ context.Context, id string, secondPI *string, paidAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok || row.SecondPaymentStatus == models.SplitPaymentCompleted {
		return store.ErrSplitPaymentSettled
	}
	row.SecondPaymentStatus = models.SplitPaymentCompleted
	row.SecondPaymentIntentID = secondPI
	row.SecondPaymentDate = &paidAt
	return nil
}

func (l *fakeLedger) MarkSplitPaymentFailed(_ context.Context, id, reason string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok || row.SecondPaymentStatus == models.SplitPaymentCompleted {
		return 0, store.ErrSplitPaymentSettled
	}
	row.SecondPaymentStatus = models.SplitPaymentFailed
	row.RetryCount++
	row.LastError = &reason
	return row.RetryCount, nil
}

func (l *fakeLedger) ListDueSplitPayments(_ context.Context, asOf time.Time, _ int) ([]models.SplitPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SplitPayment
	for _, row := range l.rows {
		if row.SecondPaymentStatus == models.SplitPaymentPending && !row.SecondPaymentDueDate.After(asOf) {
			out = append(out, *row)
		}
	}
	return out, nil
}

// fakeReservations mirrors the conditional upsert in the store.
type fakeReservations struct {
	mu   sync.Mutex
	rows map[string]*models.SecondPaymentAttempt
}

func newFakeReservations() *fakeReservations {
	return &fakeReservations{rows: map[string]*models.SecondPaymentAttempt{}}
}

func (r *fakeReservations) ReserveSecondPayment(_ context.Context, a *models.SecondPaymentAttempt) (*models.SecondPaymentAttempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[a.IdempotencyKey]
	if !ok {
		row = &models.SecondPaymentAttempt{
			IdempotencyKey:       a.IdempotencyKey,
			FirstPaymentIntentID: a.FirstPaymentIntentID,
			CustomerID:           a.CustomerID,
			AmountCents:          a.AmountCents,
			Status:               models.AttemptProcessing,
			Attempts:             1,
		}
		r.rows[a.IdempotencyKey] = row
		cp := *row
		return &cp, true, nil
	}
	if row.Status != models.AttemptFailed {
		cp := *row
		return &cp, false, nil
	}
	row.Status = models.AttemptProcessing
	row.Attempts++
	cp := *row
	return &cp, true, nil
}

func (r *fakeReservations) MarkSecondPaymentSucceeded(_ context.Context, key, pi string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[key]; ok {
		row.Status = models.AttemptSucceeded
		row.PaymentIntentID = &pi
	}
	return nil
}

func (r *fakeReservations) MarkSecondPaymentFailed(_ context.Context, key, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[key]; ok && row.Status == models.AttemptProcessing {
		row.Status = models.AttemptFailed
		row.LastError = &reason
	}
	return nil
}

type fakeContexts struct {
	mu   sync.Mutex
	rows map[string]*models.CheckoutContext
}

func (c *fakeContexts) UpsertCheckoutContext(_ context.Context, cc *models.CheckoutContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = map[string]*models.CheckoutContext{}
	}
	c.rows[cc.ProcessorObjectID] = cc
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *fakeNotifier) Notify(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

type fixture struct {
	svc          *Service
	gateway      *fakeGateway
	ledger       *fakeLedger
	reservations *fakeReservations
	contexts     *fakeContexts
	notifier     *fakeNotifier
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	f := &fixture{
		gateway:      newFakeGateway(),
		ledger:       newFakeLedger(),
		reservations: newFakeReservations(),
		contexts:     &fakeContexts{},
		notifier:     &fakeNotifier{},
		now:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc, err = NewService(Deps{
		Gateway:      f.gateway,
		Ledger:       f.ledger,
		Reservations: f.reservations,
		Contexts:     f.contexts,
		Notifier:     f.notifier,
		Catalog:      cat,
		SiteBaseURL:  "https://boxing.test/",
		Now:          func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

// addCustomer registers a customer with a default card.
func (f *fixture) addCustomer(id, pm string) *stripeapi.Customer {
	c := &stripeapi.Customer{ID: id, Email: id + "@example.com"}
	if pm != "" {
		c.InvoiceSettings = &stripeapi.CustomerInvoiceSettings{
			DefaultPaymentMethod: &stripeapi.PaymentMethod{ID: pm},
		}
	}
	f.gateway.customers[id] = c
	return c
}

func (f *fixture) addPaymentIntent(pi *stripeapi.PaymentIntent) {
	f.gateway.paymentIntents[pi.ID] = pi
}
