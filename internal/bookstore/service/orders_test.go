package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

func newOrderServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "orderID") {
		case "o1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"order_id":"o1","user_id":"u1","status":"CANCELLED","redeemed_points":20,"final_amount":"80000"}`))
		case "busy":
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestOrderClientGetOrder(t *testing.T) {
	srv := newOrderServer(t)
	client := NewOrderClient(srv.URL, 0)
	ctx := context.Background()

	order, err := client.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Equal(t, int64(20), order.RedeemedPoints)
	assert.Equal(t, "80000", order.FinalAmount.String())

	order, err = client.GetOrder(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, order)

	_, err = client.GetOrder(ctx, "broken")
	assert.ErrorIs(t, err, models.ErrTransientStorage)

	_, err = client.GetOrder(ctx, "bad")
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrTransientStorage))
}

func TestOrderClientHonoursRetryAfter(t *testing.T) {
	srv := newOrderServer(t)
	client := NewOrderClient(srv.URL, 0)

	_, err := client.GetOrder(context.Background(), "busy")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, time.Second, limited.RetryAfter)
	assert.ErrorIs(t, err, models.ErrTransientStorage)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "paused until Retry-After elapses")
}

func TestOrderClientEscapesOrderID(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.EscapedPath(), r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	order, err := NewOrderClient(srv.URL, 0).GetOrder(context.Background(), "a/b?c=1")
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Equal(t, "/api/orders/a%2Fb%3Fc=1", gotPath)
	assert.Empty(t, gotQuery)
}
