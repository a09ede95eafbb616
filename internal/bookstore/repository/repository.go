package repository

import (
	"context"
	"errors"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

// ErrDuplicateEntry is returned when an order already carries a ledger entry
// of a conflicting kind, or when a record with the same key exists.
var ErrDuplicateEntry = errors.New("duplicate entry")

// BalancePredicate decides whether a balance change may be applied given the
// balance at the moment of the change.
type BalancePredicate func(current int64) bool

// AtLeast returns a predicate that holds while the balance covers points
func AtLeast(points int64) BalancePredicate {
	return func(current int64) bool { return current >= points }
}

// Adjustment is the outcome of a guarded ledger write
type Adjustment struct {
	Entry   models.LedgerEntry
	Balance int64
	Applied bool
}

// LedgerStore persists the point ledger and the balance derived from it
type LedgerStore interface {
	// GuardedAppend atomically applies entry's signed delta to the user's
	// balance and appends entry, but only if guard holds for the current
	// balance and the result stays non-negative. When the guard fails nothing
	// is written and Applied is false.
	//
	// Entries with an OrderID are unique per (OrderID, Kind). exclusive lists
	// further kinds whose presence for the same order rejects the write.
	// Both cases return ErrDuplicateEntry.
	GuardedAppend(ctx context.Context, entry models.LedgerEntry, guard BalancePredicate, exclusive ...models.EntryKind) (Adjustment, error)

	// Balance returns the stored balance; unknown users have zero points.
	Balance(ctx context.Context, userID string) (models.PointBalance, error)

	// FindByOrder returns the entry of kind written for orderID.
	FindByOrder(ctx context.Context, orderID string, kind models.EntryKind) (models.LedgerEntry, error)

	// History returns a newest-first page of the user's entries and the
	// number of entries matching the filter.
	History(ctx context.Context, userID string, filter models.HistoryFilter) ([]models.LedgerEntry, int, error)

	// LedgerSum recomputes the balance from the ledger alone.
	LedgerSum(ctx context.Context, userID string) (int64, error)
}

// DiscountStore persists discount codes and their usage
type DiscountStore interface {
	CreateDiscount(ctx context.Context, d models.DiscountCode) (models.DiscountCode, error)
	GetDiscount(ctx context.Context, code string) (models.DiscountCode, error)
	ListDiscounts(ctx context.Context) ([]models.DiscountCode, error)

	// UpdateDiscount applies fn to the stored code atomically. fn must not
	// touch UsedCount or AppliedOrders.
	UpdateDiscount(ctx context.Context, code string, fn func(*models.DiscountCode) error) (models.DiscountCode, error)

	// IncrementUsage adds orderID to the code's applied orders and bumps the
	// usage counter in one step. It fails with models.ErrAlreadyApplied when
	// the order is already recorded and models.ErrLimitExceeded when the
	// code is used up.
	IncrementUsage(ctx context.Context, code, orderID string) (models.DiscountCode, error)
}

// SettlementStore persists the settlement view of orders
type SettlementStore interface {
	GetSettlement(ctx context.Context, orderID string) (models.OrderSettlementRecord, error)

	// UpdateSettlement applies fn to the record for orderID atomically. For
	// an unknown order fn receives a zero record with OrderID set and
	// exists=false; returning an error discards the change.
	UpdateSettlement(ctx context.Context, orderID string, fn func(rec *models.OrderSettlementRecord, exists bool) error) (models.OrderSettlementRecord, error)
}

// Repository bundles every store the service needs
type Repository interface {
	LedgerStore
	DiscountStore
	SettlementStore

	Close() error
}
