package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

func earn(user, order string, points int64) models.LedgerEntry {
	return models.LedgerEntry{UserID: user, OrderID: order, Kind: models.KindEarn, Points: points}
}

func TestGuardedAppendAppliesDelta(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	adj, err := repo.GuardedAppend(ctx, earn("u1", "o1", 100), nil)
	require.NoError(t, err)
	assert.True(t, adj.Applied)
	assert.Equal(t, int64(100), adj.Balance)
	assert.NotEmpty(t, adj.Entry.ID)
	assert.False(t, adj.Entry.CreatedAt.IsZero())

	adj, err = repo.GuardedAppend(ctx, models.LedgerEntry{UserID: "u1", Kind: models.KindRedeem, Points: 30}, AtLeast(30))
	require.NoError(t, err)
	assert.True(t, adj.Applied)
	assert.Equal(t, int64(70), adj.Balance)

	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.Points)
}

func TestGuardedAppendRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.GuardedAppend(ctx, earn("u1", "", 10), nil)
	require.NoError(t, err)

	adj, err := repo.GuardedAppend(ctx, models.LedgerEntry{UserID: "u1", Kind: models.KindRedeem, Points: 11}, nil)
	require.NoError(t, err)
	assert.False(t, adj.Applied)
	assert.Equal(t, int64(10), adj.Balance)

	sum, err := repo.LedgerSum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)
}

func TestGuardedAppendOrderUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.GuardedAppend(ctx, earn("u1", "o1", 20), nil)
	require.NoError(t, err)

	_, err = repo.GuardedAppend(ctx, earn("u1", "o1", 20), nil)
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	refund := models.LedgerEntry{UserID: "u1", OrderID: "o1", Kind: models.KindRefund, Points: 5}
	_, err = repo.GuardedAppend(ctx, refund, nil, models.KindEarn)
	assert.ErrorIs(t, err, ErrDuplicateEntry, "refund is exclusive with earn")

	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal.Points)

	found, err := repo.FindByOrder(ctx, "o1", models.KindEarn)
	require.NoError(t, err)
	assert.Equal(t, int64(20), found.Points)

	_, err = repo.FindByOrder(ctx, "o1", models.KindRedeem)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGuardedAppendLocksOnlyItsOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	busy := repo.orderSlot("busy")
	busy.mu.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := repo.GuardedAppend(ctx, earn("u2", "other", 5), nil)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write to another order waited on a held order lock")
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := repo.GuardedAppend(ctx, earn("u3", "busy", 5), nil)
		blocked <- err
	}()
	select {
	case <-blocked:
		t.Fatal("write to a held order did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	busy.mu.Unlock()
	require.NoError(t, <-blocked)

	e, err := repo.FindByOrder(ctx, "busy", models.KindEarn)
	require.NoError(t, err)
	assert.Equal(t, "u3", e.UserID)
}

func TestGuardedAppendValidates(t *testing.T) {
	repo := NewMemoryRepository()
	for _, e := range []models.LedgerEntry{
		{Kind: models.KindEarn, Points: 1},
		{UserID: "u", Kind: "BONUS", Points: 1},
		{UserID: "u", Kind: models.KindEarn, Points: 0},
	} {
		_, err := repo.GuardedAppend(context.Background(), e, nil)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	}
}

func TestCancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryRepository().Balance(ctx, "u1")
	assert.ErrorIs(t, err, models.ErrTransientStorage)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.GuardedAppend(ctx, earn("u1", "", 100), nil)
	require.NoError(t, err)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adj, err := repo.GuardedAppend(ctx,
				models.LedgerEntry{UserID: "u1", Kind: models.KindRedeem, Points: 60}, AtLeast(60))
			if err == nil && adj.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Points)
}

func TestHistoryPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for i := 0; i < 5; i++ {
		_, err := repo.GuardedAppend(ctx, earn("u1", fmt.Sprintf("o%d", i), int64(i+1)), nil)
		require.NoError(t, err)
	}
	_, err := repo.GuardedAppend(ctx, models.LedgerEntry{UserID: "u1", Kind: models.KindRedeem, Points: 2}, nil)
	require.NoError(t, err)

	items, total, err := repo.History(ctx, "u1", models.HistoryFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, items, 2)
	assert.Equal(t, models.KindRedeem, items[0].Kind, "newest first")
	assert.Equal(t, int64(5), items[1].Points)

	items, total, err = repo.History(ctx, "u1", models.HistoryFilter{Kind: models.KindEarn, Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].Points)

	items, _, err = repo.History(ctx, "u1", models.HistoryFilter{Page: 9, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, total, err = repo.History(ctx, "nobody", models.HistoryFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, total)
}

func TestDiscountLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	d := models.DiscountCode{Code: "BOOK10", ValueType: models.ValuePercentage, Value: decimal.NewFromInt(10), UsageLimit: 2, Active: true}
	created, err := repo.CreateDiscount(ctx, d)
	require.NoError(t, err)
	assert.Zero(t, created.UsedCount)

	_, err = repo.CreateDiscount(ctx, d)
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	_, err = repo.IncrementUsage(ctx, "BOOK10", "o1")
	require.NoError(t, err)
	_, err = repo.IncrementUsage(ctx, "BOOK10", "o1")
	assert.ErrorIs(t, err, models.ErrAlreadyApplied)
	assert.ErrorIs(t, err, models.ErrLimitExceeded)

	got, err := repo.IncrementUsage(ctx, "BOOK10", "o2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsedCount)
	assert.Equal(t, []string{"o1", "o2"}, got.AppliedOrders)

	_, err = repo.IncrementUsage(ctx, "BOOK10", "o3")
	assert.ErrorIs(t, err, models.ErrLimitExceeded)
	assert.False(t, errors.Is(err, models.ErrAlreadyApplied))

	updated, err := repo.UpdateDiscount(ctx, "BOOK10", func(c *models.DiscountCode) error {
		c.Active = false
		c.UsedCount = 0
		return nil
	})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, 2, updated.UsedCount, "usage is owned by IncrementUsage")

	_, err = repo.GetDiscount(ctx, "MISSING")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.IncrementUsage(ctx, "MISSING", "o1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIncrementUsageHonoursLimitUnderContention(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.CreateDiscount(ctx, models.DiscountCode{Code: "RUSH", ValueType: models.ValueAmount, Value: decimal.NewFromInt(5000), UsageLimit: 3, Active: true})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := repo.IncrementUsage(ctx, "RUSH", fmt.Sprintf("o%d", i)); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	got, err := repo.GetDiscount(ctx, "RUSH")
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCount)
	assert.Len(t, got.AppliedOrders, 3)
}

func TestUpdateSettlement(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.GetSettlement(ctx, "o1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	rec, err := repo.UpdateSettlement(ctx, "o1", func(rec *models.OrderSettlementRecord, exists bool) error {
		assert.False(t, exists)
		assert.Equal(t, models.StatusPending, rec.Status)
		rec.UserID = "u1"
		rec.RedeemedPoints = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "o1", rec.OrderID)

	_, err = repo.UpdateSettlement(ctx, "o1", func(rec *models.OrderSettlementRecord, exists bool) error {
		assert.True(t, exists)
		rec.RedeemedPoints = 99
		return models.ErrInvalidState
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	got, err := repo.GetSettlement(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.RedeemedPoints, "failed update is discarded")
}

func TestLedgerConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		repo := NewMemoryRepository()
		kinds := []models.EntryKind{models.KindEarn, models.KindRedeem, models.KindRefund}

		var expected int64
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			kind := rapid.SampledFrom(kinds).Draw(t, "kind")
			points := rapid.Int64Range(1, 500).Draw(t, "points")
			entry := models.LedgerEntry{UserID: "u", Kind: kind, Points: points}

			adj, err := repo.GuardedAppend(ctx, entry, nil)
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if adj.Applied {
				expected += entry.Delta()
			}
			if adj.Balance < 0 {
				t.Fatalf("negative balance %d", adj.Balance)
			}
		}

		bal, err := repo.Balance(ctx, "u")
		if err != nil {
			t.Fatal(err)
		}
		sum, err := repo.LedgerSum(ctx, "u")
		if err != nil {
			t.Fatal(err)
		}
		if bal.Points != expected || sum != expected {
			t.Fatalf("balance %d, ledger sum %d, expected %d", bal.Points, sum, expected)
		}
	})
}
