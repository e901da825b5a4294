package sso

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ledgerServer applies each transaction ID at most once.
func ledgerServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var mu sync.Mutex
	seen := map[string]models.FinancialTransactionResult{}
	applied := new(atomic.Int32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/financial", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))

		var req models.FinancialTransactionRequest
		decodeBody(t, r, &req)

		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[req.TransactionID]; ok {
			prev.AlreadyProcessed = true
			writeJSON(w, http.StatusOK, prev)
			return
		}
		applied.Add(1)
		res := models.FinancialTransactionResult{
			Success:       true,
			TransactionID: req.TransactionID,
			Action:        req.Action,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Balances:      map[string]float64{req.Currency: 100 + req.Amount},
		}
		seen[req.TransactionID] = res
		writeJSON(w, http.StatusOK, res)
	}))
	t.Cleanup(srv.Close)
	return srv, applied
}

func TestSyncFinancialTransaction_Idempotent(t *testing.T) {
	srv, applied := ledgerServer(t)
	c, clock := newTestClient(t, srv)
	signIn(t, c, clock, time.Hour)

	req := FinancialTransactionRequest{
		TransactionID: NewTransactionID(),
		Action:        "credit",
		Amount:        25,
		Currency:      "coins",
	}

	first, err := c.SyncFinancialTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.AlreadyProcessed)
	assert.Equal(t, 125.0, first.Balances["coins"])

	second, err := c.SyncFinancialTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Balances, second.Balances)

	assert.Equal(t, int32(1), applied.Load())
}

func TestSyncFinancialTransaction_Validation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()
	c, clock := newTestClient(t, srv)
	signIn(t, c, clock, time.Hour)

	tests := []struct {
		name string
		req  FinancialTransactionRequest
		code string
	}{
		{"missing id", FinancialTransactionRequest{Action: "credit", Amount: 1}, "missing_transaction_id"},
		{"blank id", FinancialTransactionRequest{TransactionID: "  ", Action: "credit"}, "missing_transaction_id"},
		{"missing action", FinancialTransactionRequest{TransactionID: "tx-1", Amount: 1}, "missing_action"},
		{"nan amount", FinancialTransactionRequest{TransactionID: "tx-1", Action: "debit", Amount: math.NaN()}, "invalid_amount"},
		{"inf amount", FinancialTransactionRequest{TransactionID: "tx-1", Action: "debit", Amount: math.Inf(1)}, "invalid_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SyncFinancialTransaction(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			apiErr, _ := AsError(err)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestSyncFinancialTransaction_ErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
	}))
	defer srv.Close()
	c, clock := newTestClient(t, srv)
	signIn(t, c, clock, time.Hour)

	_, err := c.SyncFinancialTransaction(context.Background(), FinancialTransactionRequest{
		TransactionID: "tx-42",
		Action:        "debit",
		Amount:        3,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "tx-42")

	apiErr, _ := AsError(err)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSyncFinancialTransaction_RequiresSession(t *testing.T) {
	srv, applied := ledgerServer(t)
	c, _ := newTestClient(t, srv)

	_, err := c.SyncFinancialTransaction(context.Background(), FinancialTransactionRequest{
		TransactionID: "tx-1",
		Action:        "credit",
		Amount:        1,
	})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, applied.Load())
}

func TestNewTransactionID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTransactionID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

// --- deltas ---

func TestSyncDelta_AggregatesIntoOneWrite(t *testing.T) {
	var mu sync.Mutex
	var got []models.FinancialSyncRequest
	received := func() []models.FinancialSyncRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.FinancialSyncRequest(nil), got...)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.FinancialSyncRequest
		decodeBody(t, r, &req)
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		writeJSON(w, http.StatusOK, models.SyncResponse{Success: true})
	}))
	defer srv.Close()

	c, clock := newTestClient(t, srv)
	signIn(t, c, clock, time.Hour)

	c.SyncDelta("coins", map[string]any{"gold": 5})
	c.SyncDelta("coins", map[string]any{"gold": -2})
	c.SyncDelta("gems", map[string]any{"blue": 1})

	clock.Advance(DefaultSyncDebounce)
	assert.Empty(t, received())

	clock.Advance(DefaultDeltaDebounce - DefaultSyncDebounce)
	batches := received()
	require.Len(t, batches, 1)
	assert.Equal(t, 3.0, batches[0].Deltas["coins"]["gold"])
	assert.Equal(t, 1.0, batches[0].Deltas["gems"]["blue"])
	assert.Empty(t, c.DeltaManager().Pending())
}

func TestSyncFinancialData_Immediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.FinancialSyncRequest
		decodeBody(t, r, &req)
		assert.Equal(t, "gold", req.Data["wallet"]["currency"])
		writeJSON(w, http.StatusOK, models.SyncResponse{Success: true, Synced: []string{"wallet"}})
	}))
	defer srv.Close()

	c, clock := newTestClient(t, srv)
	signIn(t, c, clock, time.Hour)

	resp, err := c.SyncFinancialData(context.Background(), map[string]map[string]any{
		"wallet": {"currency": "gold"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"wallet"}, resp.Synced)
}
