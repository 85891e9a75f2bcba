package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxRawTextLen bounds the raw message text stored alongside a transaction.
// Longer bodies are truncated, never rejected.
const MaxRawTextLen = 1000

// Transaction is one row of the ledger, the single source of truth.
// All derived stores (budget aggregate, debt ledger, dashboard mirror)
// are functions of the set of live Transaction rows.
type Transaction struct {
	ID        string    `json:"id"` // UUID, generated at creation, immutable
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // origin tag, e.g. bank sender name

	Amount        decimal.Decimal `json:"amount"` // non-negative
	Merchant      string          `json:"merchant"`
	Category      string          `json:"category"`
	OperationType string          `json:"operation_type"` // purchase / transfer / withdrawal
	IsIncoming    bool            `json:"is_incoming"`

	AccountNumber string `json:"account_number,omitempty"`
	CardNumber    string `json:"card_number,omitempty"`

	RawText   string    `json:"raw_text"`
	CreatedTS time.Time `json:"created_ts"`
}

// Candidate is the structured output of the external classifier for one
// raw message. The cascade engine never guesses financial fields itself;
// a nil Candidate means the message cannot be inserted.
type Candidate struct {
	Merchant      string          `json:"merchant"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Category      string          `json:"category"`
	OperationType string          `json:"operation_type"`
	IsIncoming    bool            `json:"is_incoming"`
	AccountNumber string          `json:"account_number,omitempty"`
	CardNumber    string          `json:"card_number,omitempty"`
}

// TruncateRawText clamps a message body to MaxRawTextLen.
func TruncateRawText(s string) string {
	if len(s) <= MaxRawTextLen {
		return s
	}
	return s[:MaxRawTextLen]
}
