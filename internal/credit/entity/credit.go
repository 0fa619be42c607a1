package entity

import "time"

// Transaction kinds recorded in the ledger.
const (
	KindPurchase    = "purchase"
	KindTransferIn  = "transfer_in"
	KindTransferOut = "transfer_out"
)

type Balance struct {
	BusinessID string    `db:"business_id" json:"businessId"`
	Balance    int64     `db:"balance" json:"balance"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Transaction is one ledger line. Amount is always positive; Kind gives the direction.
type Transaction struct {
	ID                     string    `db:"id" json:"id"`
	BusinessID             string    `db:"business_id" json:"businessId"`
	Kind                   string    `db:"kind" json:"kind"`
	Amount                 int64     `db:"amount" json:"amount"`
	BalanceAfter           int64     `db:"balance_after" json:"balanceAfter"`
	CounterpartyBusinessID *string   `db:"counterparty_business_id" json:"counterpartyBusinessId,omitempty"`
	Note                   string    `db:"note" json:"note"`
	CreatedBy              string    `db:"created_by" json:"createdBy"`
	CreatedAt              time.Time `db:"created_at" json:"createdAt"`
}
