package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

// orderSlot holds the order-bearing entries of one order. Its lock is
// always acquired after an account lock.
type orderSlot struct {
	mu      sync.Mutex
	entries map[models.EntryKind]models.LedgerEntry
}

// account is one user's slot in the memory arena. Its lock serializes
// writers for that user only.
type account struct {
	mu        sync.RWMutex
	points    int64
	entries   []models.LedgerEntry
	updatedAt time.Time
}

type discountSlot struct {
	mu   sync.Mutex
	code models.DiscountCode
}

type settlementSlot struct {
	mu     sync.Mutex
	rec    models.OrderSettlementRecord
	exists bool
}

// MemoryRepository implements Repository in process memory
type MemoryRepository struct {
	accountsMu sync.Mutex
	accounts   map[string]*account

	// orders enforces (order, kind) uniqueness across users
	ordersMu sync.Mutex
	orders   map[string]*orderSlot

	discountsMu sync.RWMutex
	discounts   map[string]*discountSlot

	settlementsMu sync.Mutex
	settlements   map[string]*settlementSlot

	now func() time.Time
}

// NewMemoryRepository creates an empty memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[string]*account),
		orders:      make(map[string]*orderSlot),
		discounts:   make(map[string]*discountSlot),
		settlements: make(map[string]*settlementSlot),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op for the memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) account(userID string) *account {
	r.accountsMu.Lock()
	defer r.accountsMu.Unlock()

	a, ok := r.accounts[userID]
	if !ok {
		a = &account{}
		r.accounts[userID] = a
	}
	return a
}

func (r *MemoryRepository) orderSlot(orderID string) *orderSlot {
	r.ordersMu.Lock()
	defer r.ordersMu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		o = &orderSlot{entries: make(map[models.EntryKind]models.LedgerEntry)}
		r.orders[orderID] = o
	}
	return o
}

func (r *MemoryRepository) lookup(userID string) (*account, bool) {
	r.accountsMu.Lock()
	defer r.accountsMu.Unlock()
	a, ok := r.accounts[userID]
	return a, ok
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}
	return nil
}

// GuardedAppend implements LedgerStore
func (r *MemoryRepository) GuardedAppend(ctx context.Context, entry models.LedgerEntry, guard BalancePredicate, exclusive ...models.EntryKind) (Adjustment, error) {
	if err := checkContext(ctx); err != nil {
		return Adjustment{}, err
	}
	if err := validateEntry(entry); err != nil {
		return Adjustment{}, err
	}

	a := r.account(entry.UserID)
	a.mu.Lock()
	defer a.mu.Unlock()

	var order *orderSlot
	if entry.OrderID != "" {
		order = r.orderSlot(entry.OrderID)
		order.mu.Lock()
		defer order.mu.Unlock()

		for _, kind := range append([]models.EntryKind{entry.Kind}, exclusive...) {
			if _, ok := order.entries[kind]; ok {
				return Adjustment{Balance: a.points}, fmt.Errorf("%w: order %s already has %s", ErrDuplicateEntry, entry.OrderID, kind)
			}
		}
	}

	next := a.points + entry.Delta()
	if next < 0 || (guard != nil && !guard(a.points)) {
		return Adjustment{Balance: a.points}, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	a.points = next
	a.updatedAt = entry.CreatedAt
	a.entries = append(a.entries, entry)
	if order != nil {
		order.entries[entry.Kind] = entry
	}

	return Adjustment{Entry: entry, Balance: next, Applied: true}, nil
}

// Balance implements LedgerStore
func (r *MemoryRepository) Balance(ctx context.Context, userID string) (models.PointBalance, error) {
	if err := checkContext(ctx); err != nil {
		return models.PointBalance{}, err
	}
	a, ok := r.lookup(userID)
	if !ok {
		return models.PointBalance{UserID: userID}, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.PointBalance{UserID: userID, Points: a.points, UpdatedAt: a.updatedAt}, nil
}

// FindByOrder implements LedgerStore
func (r *MemoryRepository) FindByOrder(ctx context.Context, orderID string, kind models.EntryKind) (models.LedgerEntry, error) {
	if err := checkContext(ctx); err != nil {
		return models.LedgerEntry{}, err
	}
	r.ordersMu.Lock()
	order, ok := r.orders[orderID]
	r.ordersMu.Unlock()
	if !ok {
		return models.LedgerEntry{}, fmt.Errorf("%s entry for order %s: %w", kind, orderID, models.ErrNotFound)
	}

	order.mu.Lock()
	defer order.mu.Unlock()
	e, ok := order.entries[kind]
	if !ok {
		return models.LedgerEntry{}, fmt.Errorf("%s entry for order %s: %w", kind, orderID, models.ErrNotFound)
	}
	return e, nil
}

// History implements LedgerStore
func (r *MemoryRepository) History(ctx context.Context, userID string, filter models.HistoryFilter) ([]models.LedgerEntry, int, error) {
	if err := checkContext(ctx); err != nil {
		return nil, 0, err
	}
	a, ok := r.lookup(userID)
	if !ok {
		return nil, 0, nil
	}

	a.mu.RLock()
	matched := make([]models.LedgerEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		if filter.Kind == "" || a.entries[i].Kind == filter.Kind {
			matched = append(matched, a.entries[i])
		}
	}
	a.mu.RUnlock()

	offset := (filter.Page - 1) * filter.Limit
	if offset >= len(matched) {
		return []models.LedgerEntry{}, len(matched), nil
	}
	end := offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], len(matched), nil
}

// LedgerSum implements LedgerStore
func (r *MemoryRepository) LedgerSum(ctx context.Context, userID string) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	a, ok := r.lookup(userID)
	if !ok {
		return 0, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var sum int64
	for _, e := range a.entries {
		sum += e.Delta()
	}
	return sum, nil
}

// CreateDiscount implements DiscountStore
func (r *MemoryRepository) CreateDiscount(ctx context.Context, d models.DiscountCode) (models.DiscountCode, error) {
	if err := checkContext(ctx); err != nil {
		return models.DiscountCode{}, err
	}
	r.discountsMu.Lock()
	defer r.discountsMu.Unlock()

	if _, ok := r.discounts[d.Code]; ok {
		return models.DiscountCode{}, fmt.Errorf("%w: discount %s", ErrDuplicateEntry, d.Code)
	}
	now := r.now()
	d.CreatedAt, d.UpdatedAt = now, now
	d.UsedCount = 0
	d.AppliedOrders = []string{}
	r.discounts[d.Code] = &discountSlot{code: d}
	return copyDiscount(d), nil
}

func (r *MemoryRepository) discountSlot(code string) (*discountSlot, error) {
	r.discountsMu.RLock()
	defer r.discountsMu.RUnlock()
	s, ok := r.discounts[code]
	if !ok {
		return nil, fmt.Errorf("discount %s: %w", code, models.ErrNotFound)
	}
	return s, nil
}

// GetDiscount implements DiscountStore
func (r *MemoryRepository) GetDiscount(ctx context.Context, code string) (models.DiscountCode, error) {
	if err := checkContext(ctx); err != nil {
		return models.DiscountCode{}, err
	}
	s, err := r.discountSlot(code)
	if err != nil {
		return models.DiscountCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDiscount(s.code), nil
}

// ListDiscounts implements DiscountStore
func (r *MemoryRepository) ListDiscounts(ctx context.Context) ([]models.DiscountCode, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	r.discountsMu.RLock()
	slots := make([]*discountSlot, 0, len(r.discounts))
	for _, s := range r.discounts {
		slots = append(slots, s)
	}
	r.discountsMu.RUnlock()

	codes := make([]models.DiscountCode, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		codes = append(codes, copyDiscount(s.code))
		s.mu.Unlock()
	}
	sort.Slice(codes, func(i, j int) bool {
		return codes[i].CreatedAt.After(codes[j].CreatedAt) ||
			(codes[i].CreatedAt.Equal(codes[j].CreatedAt) && codes[i].Code < codes[j].Code)
	})
	return codes, nil
}

// UpdateDiscount implements DiscountStore
func (r *MemoryRepository) UpdateDiscount(ctx context.Context, code string, fn func(*models.DiscountCode) error) (models.DiscountCode, error) {
	if err := checkContext(ctx); err != nil {
		return models.DiscountCode{}, err
	}
	s, err := r.discountSlot(code)
	if err != nil {
		return models.DiscountCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copyDiscount(s.code)
	if err := fn(&next); err != nil {
		return models.DiscountCode{}, err
	}
	next.Code = s.code.Code
	next.UsedCount = s.code.UsedCount
	next.AppliedOrders = s.code.AppliedOrders
	next.CreatedAt = s.code.CreatedAt
	next.UpdatedAt = r.now()
	s.code = next
	return copyDiscount(next), nil
}

// IncrementUsage implements DiscountStore
func (r *MemoryRepository) IncrementUsage(ctx context.Context, code, orderID string) (models.DiscountCode, error) {
	if err := checkContext(ctx); err != nil {
		return models.DiscountCode{}, err
	}
	s, err := r.discountSlot(code)
	if err != nil {
		return models.DiscountCode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.code.HasOrder(orderID) {
		return copyDiscount(s.code), fmt.Errorf("discount %s, order %s: %w", code, orderID, models.ErrAlreadyApplied)
	}
	if s.code.UsedCount >= s.code.UsageLimit {
		return copyDiscount(s.code), fmt.Errorf("discount %s: %w", code, models.ErrLimitExceeded)
	}
	s.code.UsedCount++
	s.code.AppliedOrders = append(s.code.AppliedOrders, orderID)
	s.code.UpdatedAt = r.now()
	return copyDiscount(s.code), nil
}

func copyDiscount(d models.DiscountCode) models.DiscountCode {
	d.AppliedOrders = append([]string{}, d.AppliedOrders...)
	return d
}

// GetSettlement implements SettlementStore
func (r *MemoryRepository) GetSettlement(ctx context.Context, orderID string) (models.OrderSettlementRecord, error) {
	if err := checkContext(ctx); err != nil {
		return models.OrderSettlementRecord{}, err
	}
	s := r.settlementSlot(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return models.OrderSettlementRecord{}, fmt.Errorf("settlement for order %s: %w", orderID, models.ErrNotFound)
	}
	return s.rec, nil
}

// UpdateSettlement implements SettlementStore
func (r *MemoryRepository) UpdateSettlement(ctx context.Context, orderID string, fn func(*models.OrderSettlementRecord, bool) error) (models.OrderSettlementRecord, error) {
	if err := checkContext(ctx); err != nil {
		return models.OrderSettlementRecord{}, err
	}
	s := r.settlementSlot(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec
	if !s.exists {
		next = models.OrderSettlementRecord{OrderID: orderID, Status: models.StatusPending}
	}
	if err := fn(&next, s.exists); err != nil {
		return models.OrderSettlementRecord{}, err
	}
	next.OrderID = orderID
	next.UpdatedAt = r.now()
	s.rec, s.exists = next, true
	return next, nil
}

func (r *MemoryRepository) settlementSlot(orderID string) *settlementSlot {
	r.settlementsMu.Lock()
	defer r.settlementsMu.Unlock()
	s, ok := r.settlements[orderID]
	if !ok {
		s = &settlementSlot{}
		r.settlements[orderID] = s
	}
	return s
}

func validateEntry(e models.LedgerEntry) error {
	switch {
	case e.UserID == "":
		return fmt.Errorf("%w: entry without user", models.ErrInvalidArgument)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: entry kind %q", models.ErrInvalidArgument, e.Kind)
	case e.Points <= 0:
		return fmt.Errorf("%w: entry points must be positive", models.ErrInvalidArgument)
	}
	return nil
}
