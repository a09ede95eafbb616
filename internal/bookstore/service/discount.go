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
	"github.com/25x8/bookstore-rewards/internal/bookstore/utils"
)

const generateAttempts = 5

// DiscountRegistry manages discount codes and their bounded usage
type DiscountRegistry struct {
	store   repository.DiscountStore
	policy  config.DiscountConfig
	logger  *zap.Logger
	metrics *metrics.Rewards
}

// NewDiscountRegistry creates a new discount registry
func NewDiscountRegistry(store repository.DiscountStore, policy config.DiscountConfig, logger *zap.Logger, m *metrics.Rewards) *DiscountRegistry {
	return &DiscountRegistry{
		store:   store,
		policy:  policy,
		logger:  logger,
		metrics: m,
	}
}

// Create registers a new code. A code is minted when spec leaves it empty.
func (r *DiscountRegistry) Create(ctx context.Context, spec models.DiscountSpec) (models.DiscountCode, error) {
	if err := r.validateValue(spec.ValueType, spec.Value); err != nil {
		return models.DiscountCode{}, err
	}
	if err := r.validateLimit(spec.UsageLimit, 0); err != nil {
		return models.DiscountCode{}, err
	}

	active := true
	if spec.Active != nil {
		active = *spec.Active
	}
	d := models.DiscountCode{
		ValueType:  spec.ValueType,
		Value:      spec.Value,
		UsageLimit: spec.UsageLimit,
		Active:     active,
	}

	if spec.Code != "" {
		d.Code = utils.NormalizeCode(spec.Code)
		if !utils.ValidateCode(d.Code, r.policy.CodeLength) {
			return models.DiscountCode{}, fmt.Errorf("%w: code %q is not a valid %d character code",
				models.ErrInvalidArgument, spec.Code, r.policy.CodeLength)
		}
		return r.create(ctx, d)
	}

	for i := 0; i < generateAttempts; i++ {
		code, err := utils.GenerateCode(r.policy.CodeLength)
		if err != nil {
			return models.DiscountCode{}, err
		}
		d.Code = code
		created, err := r.create(ctx, d)
		if errors.Is(err, models.ErrInvalidState) {
			continue
		}
		return created, err
	}
	return models.DiscountCode{}, fmt.Errorf("%w: could not mint a unique code", models.ErrInvalidState)
}

func (r *DiscountRegistry) create(ctx context.Context, d models.DiscountCode) (models.DiscountCode, error) {
	created, err := r.store.CreateDiscount(ctx, d)
	if errors.Is(err, repository.ErrDuplicateEntry) {
		return models.DiscountCode{}, fmt.Errorf("%w: code %s already exists", models.ErrInvalidState, d.Code)
	}
	if err != nil {
		return models.DiscountCode{}, err
	}

	r.logger.Info("Discount code created",
		zap.String("code", created.Code),
		zap.String("value_type", string(created.ValueType)),
		zap.String("value", created.Value.String()),
		zap.Int("usage_limit", created.UsageLimit))
	return created, nil
}

// Update applies a partial change to a code
func (r *DiscountRegistry) Update(ctx context.Context, code string, patch models.DiscountPatch) (models.DiscountCode, error) {
	code = utils.NormalizeCode(code)
	updated, err := r.store.UpdateDiscount(ctx, code, func(d *models.DiscountCode) error {
		if patch.ValueType != nil {
			d.ValueType = *patch.ValueType
		}
		if patch.Value != nil {
			d.Value = *patch.Value
		}
		if patch.UsageLimit != nil {
			d.UsageLimit = *patch.UsageLimit
		}
		if patch.Active != nil {
			d.Active = *patch.Active
		}
		if err := r.validateValue(d.ValueType, d.Value); err != nil {
			return err
		}
		return r.validateLimit(d.UsageLimit, d.UsedCount)
	})
	if err != nil {
		return models.DiscountCode{}, err
	}

	r.logger.Info("Discount code updated", zap.String("code", code))
	return updated, nil
}

// ToggleActive flips whether a code can be used
func (r *DiscountRegistry) ToggleActive(ctx context.Context, code string) (models.DiscountCode, error) {
	code = utils.NormalizeCode(code)
	updated, err := r.store.UpdateDiscount(ctx, code, func(d *models.DiscountCode) error {
		d.Active = !d.Active
		return nil
	})
	if err != nil {
		return models.DiscountCode{}, err
	}

	r.logger.Info("Discount code toggled",
		zap.String("code", code),
		zap.Bool("active", updated.Active))
	return updated, nil
}

// Get returns a single code
func (r *DiscountRegistry) Get(ctx context.Context, code string) (models.DiscountCode, error) {
	return r.store.GetDiscount(ctx, utils.NormalizeCode(code))
}

// List returns every code, newest first
func (r *DiscountRegistry) List(ctx context.Context) ([]models.DiscountCode, error) {
	return r.store.ListDiscounts(ctx)
}

// ValidateAndApply computes the discount for orderTotal without consuming
// a use of the code
func (r *DiscountRegistry) ValidateAndApply(ctx context.Context, code string, orderTotal decimal.Decimal) (models.DiscountQuote, error) {
	if orderTotal.IsNegative() {
		return models.DiscountQuote{}, fmt.Errorf("%w: order total must not be negative", models.ErrInvalidArgument)
	}

	code = utils.NormalizeCode(code)
	if !utils.ValidateCode(code, r.policy.CodeLength) {
		return models.DiscountQuote{}, fmt.Errorf("discount %q: %w", code, models.ErrNotFound)
	}

	d, err := r.store.GetDiscount(ctx, code)
	if err != nil {
		return models.DiscountQuote{}, err
	}
	if !d.Active {
		return models.DiscountQuote{}, fmt.Errorf("discount %s: %w", code, models.ErrInactive)
	}
	if d.UsedCount >= d.UsageLimit {
		return models.DiscountQuote{}, fmt.Errorf("discount %s used %d of %d times: %w",
			code, d.UsedCount, d.UsageLimit, models.ErrLimitExceeded)
	}

	discount := computeDiscount(d, orderTotal)
	return models.DiscountQuote{
		Code:            code,
		Discount:        discount,
		DiscountedTotal: orderTotal.Sub(discount),
	}, nil
}

// computeDiscount returns the amount taken off orderTotal, never more than
// the total itself
func computeDiscount(d models.DiscountCode, orderTotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch d.ValueType {
	case models.ValuePercentage:
		discount = orderTotal.Mul(d.Value).Round(2)
	case models.ValueAmount:
		discount = d.Value
	}
	if discount.GreaterThan(orderTotal) {
		discount = orderTotal
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount
}

// MarkAsUsed consumes one use of the code for orderID. Using the same code
// twice for one order fails with models.ErrAlreadyApplied.
func (r *DiscountRegistry) MarkAsUsed(ctx context.Context, code, orderID string) (models.DiscountCode, error) {
	if orderID == "" {
		return models.DiscountCode{}, fmt.Errorf("%w: order id is required", models.ErrInvalidArgument)
	}
	code = utils.NormalizeCode(code)

	d, err := r.store.IncrementUsage(ctx, code, orderID)
	switch {
	case errors.Is(err, models.ErrAlreadyApplied):
		r.metrics.DiscountUsage("already_applied")
		return d, err
	case errors.Is(err, models.ErrLimitExceeded):
		r.metrics.DiscountUsage("limit_exceeded")
		return d, err
	case err != nil:
		r.metrics.DiscountUsage("error")
		return models.DiscountCode{}, err
	}

	r.metrics.DiscountUsage("applied")
	r.logger.Info("Discount code used",
		zap.String("code", code),
		zap.String("order_id", orderID),
		zap.Int("used_count", d.UsedCount),
		zap.Int("usage_limit", d.UsageLimit))
	return d, nil
}

func (r *DiscountRegistry) validateValue(valueType models.DiscountValueType, value decimal.Decimal) error {
	switch valueType {
	case models.ValuePercentage:
		if !value.IsPositive() || value.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: percentage value must be within (0, 1]", models.ErrInvalidArgument)
		}
	case models.ValueAmount:
		if !value.IsPositive() {
			return fmt.Errorf("%w: amount value must be positive", models.ErrInvalidArgument)
		}
	case "":
		return fmt.Errorf("%w: value_type is required", models.ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: unknown value_type %q", models.ErrInvalidArgument, valueType)
	}
	return nil
}

func (r *DiscountRegistry) validateLimit(limit, used int) error {
	if limit < r.policy.MinUsageLimit || limit > r.policy.MaxUsageLimit {
		return fmt.Errorf("%w: usage_limit must be within [%d, %d]",
			models.ErrInvalidArgument, r.policy.MinUsageLimit, r.policy.MaxUsageLimit)
	}
	if limit < used {
		return fmt.Errorf("%w: usage_limit %d is below the %d uses already made",
			models.ErrInvalidState, limit, used)
	}
	return nil
}
