package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is a per-customer running balance in minor units. It is mutated only
// by the reconciliation core when a payment settles.
type Wallet struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Balance    int64     `json:"balance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WalletCredit is the idempotency record for one settlement credit. The
// settling payment attempt id is the unique key: the balance moves at most
// once per attempt no matter how many channels observe the settlement.
type WalletCredit struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Amount     int64     `json:"amount"`
	CreditedAt time.Time `json:"credited_at"`
}
