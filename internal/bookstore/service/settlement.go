package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/metrics"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
	"github.com/25x8/bookstore-rewards/internal/bookstore/repository"
)

// Status event outcomes
const (
	OutcomeEarned   = "earned"
	OutcomeRefunded = "refunded"
	OutcomeRecorded = "recorded"
	OutcomeIgnored  = "ignored"
)

// SettlementCoordinator drives checkout and the loyalty effects of order
// status changes
type SettlementCoordinator struct {
	loyalty   *LoyaltyEngine
	discounts *DiscountRegistry
	records   repository.SettlementStore
	orders    OrderLookup
	logger    *zap.Logger
	metrics   *metrics.Rewards
	tracer    trace.Tracer
}

// NewSettlementCoordinator creates a new coordinator. orders may be nil, in
// which case redeemed points missing from a notification are taken from the
// settlement record.
func NewSettlementCoordinator(
	loyalty *LoyaltyEngine,
	discounts *DiscountRegistry,
	records repository.SettlementStore,
	orders OrderLookup,
	logger *zap.Logger,
	m *metrics.Rewards,
) *SettlementCoordinator {
	return &SettlementCoordinator{
		loyalty:   loyalty,
		discounts: discounts,
		records:   records,
		orders:    orders,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("bookstore/settlement"),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SettleCheckout applies the discount and the requested points to an order
// total and returns what the customer pays. Retrying with the same order id
// does not redeem twice.
func (c *SettlementCoordinator) SettleCheckout(ctx context.Context, req models.CheckoutRequest) (res models.CheckoutResult, err error) {
	ctx, span := c.tracer.Start(ctx, "settlement.checkout", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("order.id", req.OrderID),
		attribute.Int64("points.requested", req.RequestedPoints),
	))
	defer func() { endSpan(span, err) }()

	switch {
	case req.UserID == "" || req.OrderID == "":
		return res, fmt.Errorf("%w: user and order id are required", models.ErrInvalidArgument)
	case req.OrderTotal.IsNegative():
		return res, fmt.Errorf("%w: order total must not be negative", models.ErrInvalidArgument)
	case req.RequestedPoints < 0:
		return res, fmt.Errorf("%w: points must not be negative", models.ErrInvalidArgument)
	}

	rec, err := c.records.GetSettlement(ctx, req.OrderID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return res, err
	case rec.UserID != req.UserID:
		return res, fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, req.OrderID)
	case rec.Status == models.StatusCancelled:
		return res, fmt.Errorf("%w: order %s is cancelled", models.ErrInvalidState, req.OrderID)
	}

	res = models.CheckoutResult{
		OrderID:         req.OrderID,
		FinalAmount:     req.OrderTotal,
		DiscountApplied: decimal.Zero,
	}

	if req.DiscountCode != "" {
		quote, err := c.discounts.ValidateAndApply(ctx, req.DiscountCode, req.OrderTotal)
		if err != nil {
			return models.CheckoutResult{}, err
		}
		res.DiscountCode = quote.Code
		res.DiscountApplied = quote.Discount
		res.FinalAmount = quote.DiscountedTotal
	}

	// points never pay for more than the discounted total
	points := req.RequestedPoints
	if absorbable := res.FinalAmount.Div(c.loyalty.VndPerPoint()).Floor().IntPart(); points > absorbable {
		if req.Exact {
			return models.CheckoutResult{}, fmt.Errorf("%w: %d points exceed the payable total of %s",
				models.ErrInvalidArgument, req.RequestedPoints, res.FinalAmount)
		}
		points = absorbable
	}

	if points > 0 {
		if req.Exact {
			res.PointsRedeemed, err = c.loyalty.RedeemExact(ctx, req.UserID, req.OrderID, points)
		} else {
			res.PointsRedeemed, err = c.loyalty.Redeem(ctx, req.UserID, req.OrderID, points)
		}
		if err != nil {
			return models.CheckoutResult{}, err
		}
	} else if res.PointsRedeemed, err = c.loyalty.Redeemed(ctx, req.UserID, req.OrderID); err != nil {
		// a retry without points still reports what the order spent
		return models.CheckoutResult{}, err
	}

	res.FinalAmount = res.FinalAmount.Sub(c.loyalty.ValueOf(res.PointsRedeemed))
	if res.FinalAmount.IsNegative() {
		res.FinalAmount = decimal.Zero
	}

	if _, err = c.records.UpdateSettlement(ctx, req.OrderID, func(rec *models.OrderSettlementRecord, exists bool) error {
		if exists && rec.UserID != req.UserID {
			return fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, req.OrderID)
		}
		rec.UserID = req.UserID
		if res.PointsRedeemed > rec.RedeemedPoints {
			rec.RedeemedPoints = res.PointsRedeemed
		}
		return nil
	}); err != nil {
		return models.CheckoutResult{}, err
	}

	span.SetAttributes(attribute.Int64("points.redeemed", res.PointsRedeemed))
	c.logger.Info("Checkout settled",
		zap.String("user_id", req.UserID),
		zap.String("order_id", req.OrderID),
		zap.String("discount_code", res.DiscountCode),
		zap.String("discount", res.DiscountApplied.String()),
		zap.Int64("points_redeemed", res.PointsRedeemed),
		zap.String("final_amount", res.FinalAmount.String()))
	return res, nil
}

// ConfirmDiscount consumes the code for an order once the order exists.
// Confirming the same order again succeeds without another use.
func (c *SettlementCoordinator) ConfirmDiscount(ctx context.Context, code, orderID string) (d models.DiscountCode, err error) {
	ctx, span := c.tracer.Start(ctx, "settlement.confirm_discount", trace.WithAttributes(
		attribute.String("discount.code", code),
		attribute.String("order.id", orderID),
	))
	defer func() { endSpan(span, err) }()

	d, err = c.discounts.MarkAsUsed(ctx, code, orderID)
	if errors.Is(err, models.ErrAlreadyApplied) {
		c.logger.Debug("Discount already confirmed for order",
			zap.String("code", code),
			zap.String("order_id", orderID))
		return d, nil
	}
	return d, err
}

// statusRank orders the forward progress of an order
func statusRank(s models.OrderStatus) int {
	switch s {
	case models.StatusPaid:
		return 1
	case models.StatusShipped:
		return 2
	case models.StatusCompleted:
		return 3
	}
	return 0
}

func advance(rec *models.OrderSettlementRecord, status models.OrderStatus) {
	if statusRank(status) > statusRank(rec.Status) {
		rec.Status = status
	}
}

// OnOrderStatusChanged applies the loyalty effect of a status transition.
// The first PAID or SHIPPED earns points; CANCELLED before that refunds the
// redeemed points. Duplicate and out-of-order notifications change nothing.
func (c *SettlementCoordinator) OnOrderStatusChanged(ctx context.Context, change models.StatusChange) (rec models.OrderSettlementRecord, err error) {
	ctx, span := c.tracer.Start(ctx, "settlement.status_changed", trace.WithAttributes(
		attribute.String("user.id", change.UserID),
		attribute.String("order.id", change.OrderID),
		attribute.String("order.status", string(change.Status)),
	))
	outcome := OutcomeIgnored
	defer func() {
		if err != nil {
			outcome = "error"
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		endSpan(span, err)
		c.metrics.StatusEvent(string(change.Status), outcome)
	}()

	if change.OrderID == "" || change.UserID == "" {
		return rec, fmt.Errorf("%w: user and order id are required", models.ErrInvalidArgument)
	}
	if !change.Status.Valid() {
		return rec, fmt.Errorf("%w: unknown order status %q", models.ErrInvalidArgument, change.Status)
	}

	var redeemed *int64
	if change.Status == models.StatusCancelled {
		if redeemed, err = c.redeemedPoints(ctx, change); err != nil {
			return rec, err
		}
	}

	rec, err = c.records.UpdateSettlement(ctx, change.OrderID, func(rec *models.OrderSettlementRecord, exists bool) error {
		if exists && rec.UserID != "" && rec.UserID != change.UserID {
			return fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, change.OrderID)
		}
		rec.UserID = change.UserID

		switch {
		case rec.Status == models.StatusCancelled:
			outcome = OutcomeIgnored
			return nil
		case change.Status.Settles():
			return c.settle(ctx, rec, change, &outcome)
		case change.Status == models.StatusCancelled:
			return c.cancel(ctx, rec, redeemed, &outcome)
		default:
			advance(rec, change.Status)
			outcome = OutcomeRecorded
			return nil
		}
	})
	if err != nil {
		c.logger.Warn("Order status change failed",
			zap.String("order_id", change.OrderID),
			zap.String("status", string(change.Status)),
			zap.Error(err))
		return rec, err
	}

	c.logger.Info("Order status change handled",
		zap.String("order_id", change.OrderID),
		zap.String("status", string(change.Status)),
		zap.String("outcome", outcome),
		zap.Int64("earned_points", rec.EarnedPoints),
		zap.Int64("refunded_points", rec.RefundedPoints))
	return rec, nil
}

func (c *SettlementCoordinator) settle(ctx context.Context, rec *models.OrderSettlementRecord, change models.StatusChange, outcome *string) error {
	if rec.Settled {
		advance(rec, change.Status)
		*outcome = OutcomeIgnored
		return nil
	}

	earned, err := c.loyalty.Earn(ctx, change.UserID, change.OrderID, change.FinalAmount)
	if errors.Is(err, models.ErrInvalidState) {
		closing, cerr := c.loyalty.Closing(ctx, change.OrderID)
		if cerr != nil {
			return cerr
		}
		if closing.Kind == models.KindRefund {
			// a cancellation won the race
			rec.Status = models.StatusCancelled
			rec.RefundedPoints = closing.Points
			*outcome = OutcomeIgnored
			return nil
		}
		earned, err = closing.Points, nil
	}
	if err != nil {
		return err
	}

	rec.Settled = true
	rec.EarnedPoints = earned
	advance(rec, change.Status)
	*outcome = OutcomeEarned
	return nil
}

func (c *SettlementCoordinator) cancel(ctx context.Context, rec *models.OrderSettlementRecord, redeemed *int64, outcome *string) error {
	if rec.Settled {
		rec.Status = models.StatusCancelled
		*outcome = OutcomeRecorded
		return nil
	}

	var points int64
	if redeemed != nil {
		points = *redeemed
	} else {
		// the ledger knows what the order spent even when the record lags
		ledgered, err := c.loyalty.Redeemed(ctx, rec.UserID, rec.OrderID)
		if err != nil {
			return err
		}
		points = rec.RedeemedPoints
		if ledgered > points {
			points = ledgered
		}
	}

	refunded, err := c.loyalty.Refund(ctx, rec.UserID, rec.OrderID, points)
	if errors.Is(err, models.ErrInvalidState) {
		closing, cerr := c.loyalty.Closing(ctx, rec.OrderID)
		switch {
		case errors.Is(cerr, models.ErrNotFound):
			return err
		case cerr != nil:
			return cerr
		case closing.Kind == models.KindEarn:
			// the order was paid for after all
			rec.Settled = true
			rec.EarnedPoints = closing.Points
			rec.Status = models.StatusCancelled
			*outcome = OutcomeRecorded
			return nil
		}
		refunded, err = closing.Points, nil
	}
	if err != nil {
		return err
	}

	rec.RefundedPoints = refunded
	rec.Status = models.StatusCancelled
	*outcome = OutcomeRecorded
	if refunded > 0 {
		*outcome = OutcomeRefunded
	}
	return nil
}

// redeemedPoints resolves how many points a cancelled order spent. nil means
// the ledger and the settlement record decide.
func (c *SettlementCoordinator) redeemedPoints(ctx context.Context, change models.StatusChange) (*int64, error) {
	if change.RedeemedPoints != nil {
		return change.RedeemedPoints, nil
	}
	if c.orders == nil {
		return nil, nil
	}

	order, err := c.orders.GetOrder(ctx, change.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	if order.UserID != "" && order.UserID != change.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", models.ErrInvalidState, change.OrderID)
	}
	return &order.RedeemedPoints, nil
}
