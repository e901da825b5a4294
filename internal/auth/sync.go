package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	autherrors "github.com/alexjbarnes/sso-client/internal/errors"
	"github.com/alexjbarnes/sso-client/internal/models"
	"github.com/tidwall/gjson"
)

// HandleSyncData returns the /sync/data handler. It must sit behind
// Middleware. Categories are shallow-merged into the caller's stored data.
func HandleSyncData(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req models.SyncRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Data) == 0 {
			writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_request", "data must name at least one category", map[string]any{"field": "data"})
			return
		}

		userID := RequestUserID(r.Context())
		synced := store.MergeSyncData(userID, req.Data)

		logger.Debug("sync data stored",
			slog.String("user_id", userID),
			slog.Any("categories", synced),
		)
		writeJSON(w, http.StatusOK, models.SyncResponse{Success: true, Synced: synced})
	}
}

// HandleSyncFinancial returns the /sync/financial handler. It must sit
// behind Middleware. A body carrying transactionId is a single
// idempotent transaction; anything else is bulk data and deltas.
func HandleSyncFinancial(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil || !gjson.ValidBytes(body) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		userID := RequestUserID(r.Context())

		if gjson.GetBytes(body, "transactionId").Exists() {
			applyTransaction(w, store, logger, userID, body)
			return
		}

		var req models.FinancialSyncRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
		if len(req.Data) == 0 && len(req.Deltas) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "data or deltas is required")
			return
		}

		resp := models.SyncResponse{Success: true}
		if len(req.Data) > 0 {
			resp.Synced = store.MergeSyncData(userID, req.Data)
		}
		if len(req.Deltas) > 0 {
			resp.Balances = store.ApplyDeltas(userID, req.Deltas)
		} else {
			resp.Balances = store.Balances(userID)
		}

		logger.Debug("financial sync stored",
			slog.String("user_id", userID),
			slog.Int("categories", len(req.Data)),
			slog.Int("delta_categories", len(req.Deltas)),
		)
		writeJSON(w, http.StatusOK, resp)
	}
}

func applyTransaction(w http.ResponseWriter, store *Store, logger *slog.Logger, userID string, body []byte) {
	var req models.FinancialTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid transaction body")
		return
	}

	res, err := store.ApplyTransaction(userID, req)
	switch {
	case errors.Is(err, autherrors.ErrInsufficientFunds):
		writeJSONErrorDetails(w, http.StatusBadRequest, "insufficient_funds", err.Error(),
			map[string]any{"transactionId": req.TransactionID, "balances": store.Balances(userID)})
		return
	case errors.Is(err, autherrors.ErrInvalidTransaction):
		writeJSONErrorDetails(w, http.StatusBadRequest, "invalid_transaction", err.Error(),
			map[string]any{"transactionId": req.TransactionID})
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not apply transaction")
		return
	}

	logger.Info("financial transaction",
		slog.String("user_id", userID),
		slog.String("transaction_id", req.TransactionID),
		slog.String("action", req.Action),
		slog.Float64("amount", req.Amount),
		slog.Bool("already_processed", res.AlreadyProcessed),
	)
	writeJSON(w, http.StatusOK, res)
}
