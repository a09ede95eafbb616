package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/config"
	"github.com/25x8/bookstore-rewards/internal/bookstore/metrics"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
	"github.com/25x8/bookstore-rewards/internal/bookstore/repository"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
	defaultRedeemTries  = 8
)

// LoyaltyEngine owns the points policy and every balance mutation
type LoyaltyEngine struct {
	ledger      repository.LedgerStore
	vndPerPoint decimal.Decimal
	earnRate    decimal.Decimal
	redeemTries int
	logger      *zap.Logger
	metrics     *metrics.Rewards
}

// NewLoyaltyEngine creates a new loyalty engine
func NewLoyaltyEngine(ledger repository.LedgerStore, policy config.LoyaltyConfig, logger *zap.Logger, m *metrics.Rewards) *LoyaltyEngine {
	return &LoyaltyEngine{
		ledger:      ledger,
		vndPerPoint: policy.VndPerPoint,
		earnRate:    policy.EarnRate,
		redeemTries: defaultRedeemTries,
		logger:      logger,
		metrics:     m,
	}
}

// VndPerPoint returns the monetary value of one point
func (e *LoyaltyEngine) VndPerPoint() decimal.Decimal {
	return e.vndPerPoint
}

// PointsFor returns the points earned for a paid amount
func (e *LoyaltyEngine) PointsFor(amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	return amount.Mul(e.earnRate).Div(e.vndPerPoint).Floor().IntPart()
}

// ValueOf returns the monetary value of points
func (e *LoyaltyEngine) ValueOf(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(e.vndPerPoint)
}

// GetBalance returns the user's points and their monetary value
func (e *LoyaltyEngine) GetBalance(ctx context.Context, userID string) (models.BalanceView, error) {
	if userID == "" {
		return models.BalanceView{}, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	bal, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return models.BalanceView{}, err
	}
	return models.BalanceView{
		Points:      bal.Points,
		VndPerPoint: e.vndPerPoint,
		VndValue:    e.ValueOf(bal.Points),
	}, nil
}

// Redeem debits up to requested points for an order and returns how many
// were actually redeemed. A short balance clamps the redemption instead of
// failing. Retrying with the same orderID returns the earlier result.
func (e *LoyaltyEngine) Redeem(ctx context.Context, userID, orderID string, requested int64) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	if requested <= 0 {
		return 0, nil
	}

	for attempt := 0; attempt < e.redeemTries; attempt++ {
		bal, err := e.ledger.Balance(ctx, userID)
		if err != nil {
			return 0, err
		}

		amount := requested
		if bal.Points < amount {
			amount = bal.Points
		}
		if amount <= 0 {
			if orderID != "" {
				// an earlier attempt may have drained the balance itself
				if prev, err := e.previousRedeem(ctx, userID, orderID); err == nil {
					return prev.Points, nil
				}
			}
			return 0, nil
		}

		adj, err := e.ledger.GuardedAppend(ctx, e.redeemEntry(userID, orderID, amount), repository.AtLeast(amount))
		if errors.Is(err, repository.ErrDuplicateEntry) {
			prev, err := e.previousRedeem(ctx, userID, orderID)
			if err != nil {
				return 0, err
			}
			return prev.Points, nil
		}
		if err != nil {
			return 0, err
		}
		if adj.Applied {
			e.recorded(adj.Entry, adj.Balance)
			return amount, nil
		}

		e.metrics.Reject("redeem_contention")
		e.logger.Debug("Balance moved during redemption, retrying",
			zap.String("user_id", userID),
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt+1))
	}

	return 0, fmt.Errorf("%w: redemption for user %s kept conflicting", models.ErrTransientStorage, userID)
}

// RedeemExact debits exactly points or fails with ErrInsufficientPoints
func (e *LoyaltyEngine) RedeemExact(ctx context.Context, userID, orderID string, points int64) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	if points <= 0 {
		return 0, fmt.Errorf("%w: points must be positive", models.ErrInvalidArgument)
	}

	adj, err := e.ledger.GuardedAppend(ctx, e.redeemEntry(userID, orderID, points), repository.AtLeast(points))
	if errors.Is(err, repository.ErrDuplicateEntry) {
		prev, err := e.previousRedeem(ctx, userID, orderID)
		if err != nil {
			return 0, err
		}
		if prev.Points != points {
			return 0, fmt.Errorf("%w: order %s already redeemed %d points", models.ErrInvalidState, orderID, prev.Points)
		}
		return points, nil
	}
	if err != nil {
		return 0, err
	}
	if !adj.Applied {
		e.metrics.Reject("insufficient_points")
		return 0, fmt.Errorf("user %s has %d of %d points: %w", userID, adj.Balance, points, models.ErrInsufficientPoints)
	}

	e.recorded(adj.Entry, adj.Balance)
	return points, nil
}

func (e *LoyaltyEngine) redeemEntry(userID, orderID string, points int64) models.LedgerEntry {
	return models.LedgerEntry{
		UserID:          userID,
		OrderID:         orderID,
		Kind:            models.KindRedeem,
		Points:          points,
		ReferenceAmount: e.ValueOf(points),
		Note:            "points redeemed at checkout",
	}
}

func (e *LoyaltyEngine) previousRedeem(ctx context.Context, userID, orderID string) (models.LedgerEntry, error) {
	prev, err := e.ledger.FindByOrder(ctx, orderID, models.KindRedeem)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if prev.UserID != userID {
		return models.LedgerEntry{}, fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, orderID)
	}
	return prev, nil
}

// Redeemed returns the points the user redeemed for an order, zero when
// nothing was redeemed
func (e *LoyaltyEngine) Redeemed(ctx context.Context, userID, orderID string) (int64, error) {
	prev, err := e.previousRedeem(ctx, userID, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return prev.Points, nil
}

// Earn credits points for a paid order. An order earns at most once, and
// never after its redemption was refunded.
func (e *LoyaltyEngine) Earn(ctx context.Context, userID, orderID string, finalAmount decimal.Decimal) (int64, error) {
	if userID == "" || orderID == "" {
		return 0, fmt.Errorf("%w: user and order id are required", models.ErrInvalidArgument)
	}

	points := e.PointsFor(finalAmount)
	if points == 0 {
		return 0, nil
	}

	adj, err := e.ledger.GuardedAppend(ctx, models.LedgerEntry{
		UserID:          userID,
		OrderID:         orderID,
		Kind:            models.KindEarn,
		Points:          points,
		ReferenceAmount: finalAmount,
		Note:            "points earned on paid order",
	}, nil, models.KindRefund)
	if errors.Is(err, repository.ErrDuplicateEntry) {
		e.metrics.Reject("duplicate_earn")
		return 0, fmt.Errorf("%w: order %s already settled: %v", models.ErrInvalidState, orderID, err)
	}
	if err != nil {
		return 0, err
	}

	e.recorded(adj.Entry, adj.Balance)
	return points, nil
}

// Refund returns points redeemed for an order. The refund can not exceed the
// redemption and happens at most once per order.
func (e *LoyaltyEngine) Refund(ctx context.Context, userID, orderID string, points int64) (int64, error) {
	if userID == "" || orderID == "" {
		return 0, fmt.Errorf("%w: user and order id are required", models.ErrInvalidArgument)
	}
	if points < 0 {
		return 0, fmt.Errorf("%w: points must not be negative", models.ErrInvalidArgument)
	}
	if points == 0 {
		return 0, nil
	}

	redeemed, err := e.ledger.FindByOrder(ctx, orderID, models.KindRedeem)
	if errors.Is(err, models.ErrNotFound) {
		return 0, fmt.Errorf("%w: order %s has no redemption to refund", models.ErrInvalidState, orderID)
	}
	if err != nil {
		return 0, err
	}
	if redeemed.UserID != userID {
		return 0, fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, orderID)
	}
	if points > redeemed.Points {
		return 0, fmt.Errorf("%w: refund of %d exceeds %d redeemed for order %s",
			models.ErrInvalidState, points, redeemed.Points, orderID)
	}

	adj, err := e.ledger.GuardedAppend(ctx, models.LedgerEntry{
		UserID:          userID,
		OrderID:         orderID,
		Kind:            models.KindRefund,
		Points:          points,
		ReferenceAmount: e.ValueOf(points),
		Note:            "redeemed points returned on cancellation",
	}, nil, models.KindEarn)
	if errors.Is(err, repository.ErrDuplicateEntry) {
		e.metrics.Reject("duplicate_refund")
		return 0, fmt.Errorf("%w: order %s already settled: %v", models.ErrInvalidState, orderID, err)
	}
	if err != nil {
		return 0, err
	}

	e.recorded(adj.Entry, adj.Balance)
	return points, nil
}

// Closing returns the EARN or REFUND entry that closed the order's loyalty
// lifecycle, or models.ErrNotFound while it is still open
func (e *LoyaltyEngine) Closing(ctx context.Context, orderID string) (models.LedgerEntry, error) {
	for _, kind := range []models.EntryKind{models.KindEarn, models.KindRefund} {
		entry, err := e.ledger.FindByOrder(ctx, orderID, kind)
		if err == nil || !errors.Is(err, models.ErrNotFound) {
			return entry, err
		}
	}
	return models.LedgerEntry{}, fmt.Errorf("order %s has no closing entry: %w", orderID, models.ErrNotFound)
}

// History returns a newest-first page of the user's ledger
func (e *LoyaltyEngine) History(ctx context.Context, userID string, filter models.HistoryFilter) (models.HistoryPage, error) {
	if userID == "" {
		return models.HistoryPage{}, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return models.HistoryPage{}, fmt.Errorf("%w: unknown entry type %q", models.ErrInvalidArgument, filter.Kind)
	}
	filter = normalizeFilter(filter)

	items, total, err := e.ledger.History(ctx, userID, filter)
	if err != nil {
		return models.HistoryPage{}, err
	}
	if items == nil {
		items = []models.LedgerEntry{}
	}

	return models.HistoryPage{
		Items: items,
		Meta: models.PageMeta{
			Page:       filter.Page,
			Limit:      filter.Limit,
			Total:      total,
			TotalPages: (total + filter.Limit - 1) / filter.Limit,
		},
	}, nil
}

func normalizeFilter(f models.HistoryFilter) models.HistoryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit == 0:
		f.Limit = defaultHistoryLimit
	case f.Limit < 1:
		f.Limit = 1
	case f.Limit > maxHistoryLimit:
		f.Limit = maxHistoryLimit
	}
	return f
}

// Reconcile checks that the stored balance equals the ledger sum
func (e *LoyaltyEngine) Reconcile(ctx context.Context, userID string) (models.PointBalance, error) {
	bal, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return models.PointBalance{}, err
	}
	sum, err := e.ledger.LedgerSum(ctx, userID)
	if err != nil {
		return models.PointBalance{}, err
	}
	if sum != bal.Points {
		e.logger.Error("Balance drifted from ledger",
			zap.String("user_id", userID),
			zap.Int64("balance", bal.Points),
			zap.Int64("ledger_sum", sum))
		return bal, fmt.Errorf("%w: balance %d, ledger sum %d", models.ErrInvalidState, bal.Points, sum)
	}
	return bal, nil
}

func (e *LoyaltyEngine) recorded(entry models.LedgerEntry, balance int64) {
	e.metrics.AddPoints(string(entry.Kind), entry.Points)
	e.logger.Info("Ledger entry recorded",
		zap.String("user_id", entry.UserID),
		zap.String("order_id", entry.OrderID),
		zap.String("kind", string(entry.Kind)),
		zap.Int64("points", entry.Points),
		zap.Int64("balance", balance))
}
