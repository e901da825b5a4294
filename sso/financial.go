package sso

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/google/uuid"
)

type (
	// FinancialTransactionRequest is a single idempotent balance change.
	FinancialTransactionRequest = models.FinancialTransactionRequest
	// FinancialTransactionResult is the recorded outcome of a transaction.
	FinancialTransactionResult = models.FinancialTransactionResult
)

// NewTransactionID returns a fresh random transaction ID. Use one per
// logical transaction and reuse it for every retry of that transaction.
func NewTransactionID() string {
	return uuid.NewString()
}

// SyncFinancialTransaction submits req once. The server applies a given
// TransactionID at most once; resubmitting the same ID returns the
// original outcome with AlreadyProcessed set, which callers should treat
// as success. Errors are always returned and the request is never
// retried or re-keyed here.
func (c *Client) SyncFinancialTransaction(ctx context.Context, req FinancialTransactionRequest) (*FinancialTransactionResult, error) {
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.Action = strings.TrimSpace(req.Action)

	if req.TransactionID == "" {
		return nil, validationError("missing_transaction_id", "transaction id is required")
	}
	if req.Action == "" {
		return nil, validationError("missing_action", "action is required")
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return nil, validationError("invalid_amount", "amount must be a finite number")
	}

	var result FinancialTransactionResult
	if err := c.authenticatedRequest(ctx, http.MethodPost, c.cfg.Routes.SyncFinancial, req, &result); err != nil {
		return nil, fmt.Errorf("syncing transaction %s: %w", req.TransactionID, err)
	}

	if result.TransactionID == "" {
		result.TransactionID = req.TransactionID
	}
	if result.AlreadyProcessed {
		c.logger.Info("transaction already processed",
			slog.String("transaction_id", result.TransactionID),
			slog.String("action", result.Action),
		)
	}
	return &result, nil
}

// SyncFinancialData posts data to the financial sync endpoint
// immediately, without batching or idempotency keys.
func (c *Client) SyncFinancialData(ctx context.Context, data map[string]map[string]any) (*SyncResponse, error) {
	var resp SyncResponse
	body := models.FinancialSyncRequest{Data: data}
	if err := c.authenticatedRequest(ctx, http.MethodPost, c.cfg.Routes.SyncFinancial, body, &resp); err != nil {
		return nil, fmt.Errorf("syncing financial data: %w", err)
	}
	return &resp, nil
}

// SyncDelta queues a numeric delta for category. Deltas queued within
// the delta debounce window are summed and sent as one write.
func (c *Client) SyncDelta(category string, delta map[string]any) {
	c.deltas.Queue(category, delta)
}

// DeltaManager returns the batcher that aggregates financial deltas.
func (c *Client) DeltaManager() *Batcher {
	return c.deltas
}

func (c *Client) sendDeltas(ctx context.Context, batch map[string]map[string]any) error {
	body := models.FinancialSyncRequest{Deltas: batch}
	return c.authenticatedRequest(ctx, http.MethodPost, c.cfg.Routes.SyncFinancial, body, nil)
}
