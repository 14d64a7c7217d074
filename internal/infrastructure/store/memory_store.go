package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	byRef    map[string]string // gateway#ref -> order id
	byIdem   map[string]string // gateway#key -> order id
	products map[string]*memoryProduct
	now      func() time.Time
}

type memoryProduct struct {
	name  string
	stock int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*order.Order),
		byRef:    make(map[string]string),
		byIdem:   make(map[string]string),
		products: make(map[string]*memoryProduct),
		now:      time.Now,
	}
}

func indexKey(gateway, value string) string {
	return gateway + "#" + value
}

func (s *MemoryStore) UpsertProduct(ctx context.Context, productID, name string, stock int) error {
	if stock < 0 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productID] = &memoryProduct{name: name, stock: stock}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = order.StatusPending
	}

	if o.IdempotencyKey != "" {
		if _, exists := s.byIdem[indexKey(o.Gateway, o.IdempotencyKey)]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if o.GatewayOrderRef != "" {
		if _, exists := s.byRef[indexKey(o.Gateway, o.GatewayOrderRef)]; exists {
			return order.ErrDuplicateReference
		}
		s.byRef[indexKey(o.Gateway, o.GatewayOrderRef)] = o.ID
	}
	if o.IdempotencyKey != "" {
		s.byIdem[indexKey(o.Gateway, o.IdempotencyKey)] = o.ID
	}

	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) AttachGatewayReference(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	if o.GatewayOrderRef != "" {
		if o.GatewayOrderRef == ref {
			return nil
		}
		return order.ErrReferenceAssigned
	}
	key := indexKey(o.Gateway, ref)
	if _, exists := s.byRef[key]; exists {
		return order.ErrDuplicateReference
	}

	s.byRef[key] = id
	o.GatewayOrderRef = ref
	o.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkInitiationFailed(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrOrderNotFound
	}
	if !order.CanTransition(o.Status, order.StatusFailedToInitiate) {
		return false, nil
	}

	if o.IdempotencyKey != "" {
		delete(s.byIdem, indexKey(o.Gateway, o.IdempotencyKey))
		o.IdempotencyKey = ""
	}
	now := s.now()
	o.Status = order.StatusFailedToInitiate
	o.InitiationError = reason
	o.FailedAt = &now
	o.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetByGatewayReference(ctx context.Context, gateway, ref string) (*order.Order, error) {
	return s.lookup(s.byRef, indexKey(gateway, ref))
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, gateway, key string) (*order.Order, error) {
	return s.lookup(s.byIdem, indexKey(gateway, key))
}

func (s *MemoryStore) lookup(index map[string]string, key string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := index[key]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) TransitionPayment(ctx context.Context, id string, to order.Status, upd order.PaymentUpdate) (bool, error) {
	if err := order.CheckPaymentTransition(to); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrOrderNotFound
	}
	if !order.CanTransition(o.Status, to) {
		return false, nil
	}

	at := upd.At
	if at.IsZero() {
		at = s.now()
	}
	o.Status = to
	o.Payment = upd.Payment
	o.UpdatedAt = at
	if to == order.StatusPaid {
		o.PaymentRef = upd.PaymentRef
		o.PaidAt = &at
		o.SideEffectsPending = true
	} else {
		o.FailedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) ClaimEffect(ctx context.Context, id, effect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrOrderNotFound
	}
	if !o.SideEffects[effect].Claimable() {
		return false, nil
	}
	if o.SideEffects == nil {
		o.SideEffects = make(map[string]order.Effect)
	}
	o.SideEffects[effect] = order.Effect{State: order.EffectClaimed, UpdatedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) CompleteEffect(ctx context.Context, id, effect string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	state := order.EffectDone
	if cause != nil {
		state = order.EffectFailed
	}
	if o.SideEffects == nil {
		o.SideEffects = make(map[string]order.Effect)
	}
	o.SideEffects[effect] = order.Effect{State: state, Error: effectError(cause), UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) AddManualReview(ctx context.Context, id, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	for _, p := range o.ManualReview {
		if p == productID {
			return nil
		}
	}
	o.ManualReview = append(o.ManualReview, productID)
	return nil
}

func (s *MemoryStore) SetSideEffectsPending(ctx context.Context, id string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	o.SideEffectsPending = pending
	return nil
}

func (s *MemoryStore) ListPendingSideEffects(ctx context.Context, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*order.Order
	for _, o := range s.orders {
		if o.SideEffectsPending {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DecrementStock(ctx context.Context, productID string, qty int) (StockResult, error) {
	if qty <= 0 {
		return StockResult{}, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return StockResult{}, ErrProductNotFound
	}
	res := clampDecrement(p.stock, qty)
	p.stock = res.Remaining
	return res, nil
}

func (s *MemoryStore) GetStock(ctx context.Context, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	return p.stock, nil
}
