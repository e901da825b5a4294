package models

// FinancialTransactionRequest is a single idempotent balance change.
// TransactionID is the sole deduplication key.
type FinancialTransactionRequest struct {
	Action        string         `json:"action"`
	Amount        float64        `json:"amount"`
	TransactionID string         `json:"transactionId"`
	Currency      string         `json:"currency,omitempty"`
	PlatformKey   string         `json:"platformKey,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// FinancialTransactionResult echoes the recorded outcome of a transaction.
// AlreadyProcessed is true when the server had applied TransactionID
// before and returned the prior outcome instead of re-applying it.
type FinancialTransactionResult struct {
	Success          bool               `json:"success"`
	TransactionID    string             `json:"transactionId"`
	Action           string             `json:"action"`
	Amount           float64            `json:"amount"`
	Currency         string             `json:"currency,omitempty"`
	AlreadyProcessed bool               `json:"alreadyProcessed"`
	Balances         map[string]float64 `json:"balances,omitempty"`
}

// SyncRequest is the body posted to the sync-data endpoint.
type SyncRequest struct {
	Data map[string]map[string]any `json:"data"`
}

// FinancialSyncRequest is the body posted to the sync-financial endpoint
// for bulk data or aggregated deltas. Transactions use
// FinancialTransactionRequest instead.
type FinancialSyncRequest struct {
	Data   map[string]map[string]any `json:"data,omitempty"`
	Deltas map[string]map[string]any `json:"deltas,omitempty"`
}

// SyncResponse acknowledges a sync write.
type SyncResponse struct {
	Success  bool               `json:"success"`
	Synced   []string           `json:"synced,omitempty"`
	Balances map[string]float64 `json:"balances,omitempty"`
}
