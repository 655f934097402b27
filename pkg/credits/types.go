// Package credits implements the broker's internal credit ledger: per-agent
// accounts with reserve/release/spend/deposit/earn semantics and an
// append-only, hash-chained transaction log.
//
// All amounts are non-negative integers in atomic units. Floating-point
// credit prices from negotiation are converted once at the boundary via
// ToAtomic with explicit floor rounding.
package credits

import (
	"errors"
	"math"
	"time"
)

// DefaultAtomicScale is the number of atomic units per credit.
const DefaultAtomicScale int64 = 1000

var (
	// ErrInsufficientCredits is returned when an account cannot cover a
	// reservation or an immediate spend.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrInvalidAmount is returned for negative amounts or a release that
	// spends more than it reserved.
	ErrInvalidAmount = errors.New("credits: invalid amount")
	// ErrAccountNotFound is returned by operations that require an existing
	// account row.
	ErrAccountNotFound = errors.New("credits: account not found")
)

// TxType is the business reason for a ledger mutation.
type TxType string

const (
	TxDeposit   TxType = "deposit"
	TxEarn      TxType = "earn"
	TxReserve   TxType = "reserve"
	TxRelease   TxType = "release"
	TxSpend     TxType = "spend"
	TxPoUReward TxType = "pou_reward"
)

// Account is a per-agent credit account. The invariant
// balance >= reserved >= 0 holds at all times; earned and spent are
// monotonically increasing lifetime counters.
type Account struct {
	AgentDID  string    `json:"agent_did"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	Earned    int64     `json:"earned"`
	Spent     int64     `json:"spent"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (a Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Transaction is one immutable row of the audit log. Rows are never updated
// or deleted. Hash chains each row to its predecessor (see chain.go).
type Transaction struct {
	ID           string         `json:"id"`
	AgentDID     string         `json:"agent_did"`
	Type         TxType         `json:"tx_type"`
	Amount       int64          `json:"amount"`
	IntentID     string         `json:"intent_id,omitempty"`
	ProofID      string         `json:"usefulness_proof_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ToAtomic converts a floating-point credit price to atomic units,
// flooring per the documented conversion rule. Negative prices clamp to 0.
func ToAtomic(price float64, scale int64) int64 {
	if price <= 0 || scale <= 0 {
		return 0
	}
	return int64(math.Floor(price * float64(scale)))
}
