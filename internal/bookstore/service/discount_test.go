package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/25x8/bookstore-rewards/internal/bookstore/config"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
	"github.com/25x8/bookstore-rewards/internal/bookstore/repository"
	"github.com/25x8/bookstore-rewards/internal/bookstore/utils"
)

func newTestRegistry() *DiscountRegistry {
	return NewDiscountRegistry(repository.NewMemoryRepository(), config.Default().Discount, zap.NewNop(), nil)
}

func mustCode(t testing.TB, payload string) string {
	t.Helper()
	code, err := utils.WithCheckCharacter(payload)
	require.NoError(t, err)
	return code
}

func createCode(t testing.TB, r *DiscountRegistry, code string, vt models.DiscountValueType, value string, limit int) models.DiscountCode {
	t.Helper()
	d, err := r.Create(context.Background(), models.DiscountSpec{
		Code:       code,
		ValueType:  vt,
		Value:      decimal.RequireFromString(value),
		UsageLimit: limit,
	})
	require.NoError(t, err)
	return d
}

func TestCreateValidatesSpec(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	cases := []struct {
		name string
		spec models.DiscountSpec
		err  error
	}{
		{"missing value type", models.DiscountSpec{Value: decimal.NewFromInt(5), UsageLimit: 1}, models.ErrInvalidArgument},
		{"unknown value type", models.DiscountSpec{ValueType: "BOGO", Value: decimal.NewFromInt(5), UsageLimit: 1}, models.ErrInvalidArgument},
		{"percentage above one", models.DiscountSpec{ValueType: models.ValuePercentage, Value: decimal.NewFromInt(10), UsageLimit: 1}, models.ErrInvalidArgument},
		{"zero amount", models.DiscountSpec{ValueType: models.ValueAmount, Value: decimal.Zero, UsageLimit: 1}, models.ErrInvalidArgument},
		{"limit too high", models.DiscountSpec{ValueType: models.ValueAmount, Value: decimal.NewFromInt(5), UsageLimit: 11}, models.ErrInvalidArgument},
		{"limit too low", models.DiscountSpec{ValueType: models.ValueAmount, Value: decimal.NewFromInt(5), UsageLimit: 0}, models.ErrInvalidArgument},
		{"bad check character", models.DiscountSpec{Code: "BOOK10XX", ValueType: models.ValueAmount, Value: decimal.NewFromInt(5), UsageLimit: 1}, models.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, tc.spec)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCreateMintsCode(t *testing.T) {
	r := newTestRegistry()
	d := createCode(t, r, "", models.ValueAmount, "50000", 3)

	assert.True(t, utils.ValidateCode(d.Code, 8))
	assert.True(t, d.Active)
	assert.Zero(t, d.UsedCount)

	code := mustCode(t, "book10x")
	createCode(t, r, code, models.ValuePercentage, "0.1", 1)
	_, err := r.Create(context.Background(), models.DiscountSpec{
		Code: code, ValueType: models.ValueAmount, Value: decimal.NewFromInt(1), UsageLimit: 1,
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestValidateAndApply(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	pct := createCode(t, r, mustCode(t, "PCT1000"), models.ValuePercentage, "0.1", 2)
	amt := createCode(t, r, mustCode(t, "AMT5000"), models.ValueAmount, "50000", 2)

	quote, err := r.ValidateAndApply(ctx, pct.Code, vnd(300000))
	require.NoError(t, err)
	assert.True(t, quote.Discount.Equal(vnd(30000)))
	assert.True(t, quote.DiscountedTotal.Equal(vnd(270000)))

	quote, err = r.ValidateAndApply(ctx, amt.Code, vnd(30000))
	require.NoError(t, err)
	assert.True(t, quote.DiscountedTotal.IsZero(), "never below zero")
	assert.True(t, quote.Discount.Equal(vnd(30000)))

	_, err = r.ValidateAndApply(ctx, mustCode(t, "NOPE000"), vnd(1000))
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.ValidateAndApply(ctx, "garbage", vnd(1000))
	assert.ErrorIs(t, err, models.ErrNotFound)

	d, err := r.Get(ctx, pct.Code)
	require.NoError(t, err)
	assert.Zero(t, d.UsedCount, "validation is a dry run")

	_, err = r.ToggleActive(ctx, pct.Code)
	require.NoError(t, err)
	_, err = r.ValidateAndApply(ctx, pct.Code, vnd(1000))
	assert.ErrorIs(t, err, models.ErrInactive)

	_, err = r.MarkAsUsed(ctx, amt.Code, "o1")
	require.NoError(t, err)
	_, err = r.MarkAsUsed(ctx, amt.Code, "o2")
	require.NoError(t, err)
	_, err = r.ValidateAndApply(ctx, amt.Code, vnd(1000))
	assert.ErrorIs(t, err, models.ErrLimitExceeded)
}

func TestMarkAsUsedSingleUseUnderContention(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	d := createCode(t, r, "", models.ValueAmount, "10000", 1)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.MarkAsUsed(ctx, d.Code, fmt.Sprintf("o%d", i))
		}(i)
	}
	wg.Wait()

	var limited int
	for _, err := range errs {
		if errors.Is(err, models.ErrLimitExceeded) {
			limited++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, limited)
}

func TestMarkAsUsedRejectsSameOrderTwice(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	d := createCode(t, r, "", models.ValueAmount, "10000", 5)

	_, err := r.MarkAsUsed(ctx, d.Code, "o1")
	require.NoError(t, err)
	got, err := r.MarkAsUsed(ctx, d.Code, "o1")
	assert.ErrorIs(t, err, models.ErrAlreadyApplied)
	assert.Equal(t, 1, got.UsedCount)

	_, err = r.MarkAsUsed(ctx, d.Code, "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestMarkAsUsedNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		r := newTestRegistry()
		limit := rapid.IntRange(1, 10).Draw(t, "limit")
		callers := rapid.IntRange(1, 30).Draw(t, "callers")

		d, err := r.Create(ctx, models.DiscountSpec{ValueType: models.ValueAmount, Value: decimal.NewFromInt(1), UsageLimit: limit})
		if err != nil {
			t.Fatal(err)
		}

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := r.MarkAsUsed(ctx, d.Code, fmt.Sprintf("o%d", i)); err == nil {
					ok.Add(1)
				}
			}(i)
		}
		wg.Wait()

		want := limit
		if callers < want {
			want = callers
		}
		got, err := r.Get(ctx, d.Code)
		if err != nil {
			t.Fatal(err)
		}
		if int(ok.Load()) != want || got.UsedCount != want || len(got.AppliedOrders) != want {
			t.Fatalf("limit %d, callers %d: %d succeeded, used %d", limit, callers, ok.Load(), got.UsedCount)
		}
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	d := createCode(t, r, "", models.ValueAmount, "10000", 3)
	_, err := r.MarkAsUsed(ctx, d.Code, "o1")
	require.NoError(t, err)
	_, err = r.MarkAsUsed(ctx, d.Code, "o2")
	require.NoError(t, err)

	one := 1
	_, err = r.Update(ctx, d.Code, models.DiscountPatch{UsageLimit: &one})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	pct := models.ValuePercentage
	value := decimal.RequireFromString("0.25")
	updated, err := r.Update(ctx, d.Code, models.DiscountPatch{ValueType: &pct, Value: &value})
	require.NoError(t, err)
	assert.Equal(t, models.ValuePercentage, updated.ValueType)
	assert.Equal(t, 2, updated.UsedCount)

	_, err = r.Update(ctx, d.Code, models.DiscountPatch{ValueType: &pct, Value: &decimal.Zero})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = r.Update(ctx, mustCode(t, "MISSING"), models.DiscountPatch{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
