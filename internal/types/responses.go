package types

// SettlementResult is returned by every settlement operation
type SettlementResult struct {
	TransactionID   string `json:"transaction_id"`
	EscrowPublicKey string `json:"escrow_public_key"`
}
