package billing

import (
	"context"
	"sync"
	"time"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// In-memory stores mirroring the gorm-backed contracts, including the
// ErrConflict behavior of the unique indexes.

type memTransactions struct {
	mu   sync.Mutex
	rows map[string]*models.Transaction // by reference
}

func newMemTransactions() *memTransactions {
	return &memTransactions{rows: make(map[string]*models.Transaction)}
}

func (m *memTransactions) FindByReference(_ context.Context, reference string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTransactions) InsertUnique(_ context.Context, t *models.Transaction) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[t.Reference]; ok {
		return nil, ErrConflict
	}
	cp := *t
	m.rows[t.Reference] = &cp
	return t, nil
}

func (m *memTransactions) Update(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.ID != id {
			continue
		}
		if v, ok := fields["status"]; ok {
			t.Status = v.(types.TransactionStatus)
		}
		if v, ok := fields["paid_at"]; ok {
			at := v.(time.Time)
			t.PaidAt = &at
		}
		if v, ok := fields["gateway_response"]; ok {
			t.GatewayResponse = v.(datatypes.JSON)
		}
		return nil
	}
	return ErrNotFound
}

type memSubscriptions struct {
	mu   sync.Mutex
	rows []*models.Subscription
	// insertConflict forces the next InsertUnique to report a lost race
	insertConflict bool
}

func newMemSubscriptions() *memSubscriptions { return &memSubscriptions{} }

func (m *memSubscriptions) FindByGatewayID(_ context.Context, gw types.Gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.Gateway == gw && s.GatewaySubscriptionID == gatewaySubscriptionID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSubscriptions) FindByBillable(_ context.Context, billableID string) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.rows {
		if s.BillableID == billableID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubscriptions) InsertUnique(_ context.Context, s *models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertConflict {
		// simulate another writer landing the row first
		m.insertConflict = false
		cp := *s
		cp.ID = "sub-other"
		m.rows = append(m.rows, &cp)
		return nil, ErrConflict
	}
	for _, row := range m.rows {
		if row.Gateway == s.Gateway && row.GatewaySubscriptionID == s.GatewaySubscriptionID {
			return nil, ErrConflict
		}
	}
	cp := *s
	m.rows = append(m.rows, &cp)
	return s, nil
}

func (m *memSubscriptions) Update(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.ID != id {
			continue
		}
		if v, ok := fields["status"]; ok {
			s.Status = v.(types.SubscriptionStatus)
		}
		if v, ok := fields["ends_at"]; ok {
			if at, ok := v.(*time.Time); ok {
				s.EndsAt = at
			}
		}
		if v, ok := fields["plan_id"]; ok {
			s.PlanID = v.(string)
		}
		return nil
	}
	return ErrNotFound
}

// seed adds a row directly, bypassing the engine.
func (m *memSubscriptions) seed(s *models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows = append(m.rows, &cp)
}

type memPlans struct {
	plans []*models.Plan
}

func (m *memPlans) FindByID(_ context.Context, id string) (*models.Plan, error) {
	for _, p := range m.plans {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPlans) FindBySlug(_ context.Context, slug string) (*models.Plan, error) {
	for _, p := range m.plans {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPlans) FindByGatewayPlanID(_ context.Context, gw types.Gateway, gatewayPlanID string) (*models.Plan, error) {
	for _, p := range m.plans {
		if p.GatewayPlanID(gw) == gatewayPlanID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

type memBillables struct {
	byEmail map[string]string
}

func (m *memBillables) FindIDByEmail(_ context.Context, email string) (string, error) {
	if id, ok := m.byEmail[email]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

type recordedEvent struct {
	name    string
	payload any
}

type recordSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordSink) Publish(_ context.Context, name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{name: name, payload: payload})
}

func (s *recordSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.name)
	}
	return out
}

type testEnv struct {
	engine        *Engine
	transactions  *memTransactions
	subscriptions *memSubscriptions
	plans         *memPlans
	billables     *memBillables
	sink          *recordSink
}

func newTestEnv() *testEnv {
	env := &testEnv{
		transactions:  newMemTransactions(),
		subscriptions: newMemSubscriptions(),
		plans:         &memPlans{},
		billables:     &memBillables{byEmail: map[string]string{}},
		sink:          &recordSink{},
	}
	env.engine = NewEngine(env.transactions, env.subscriptions, env.plans, env.billables, env.sink, zap.NewNop().Sugar())
	return env
}
