package credits

import "context"

// Ledger is the durable interface for credit accounting. Implementations
// must serialize mutations per account so that balance >= reserved is never
// observably violated, and must roll back entirely on any failure: no
// partial balance change, no orphaned log row.
type Ledger interface {
	// GetAccount returns the account for the agent, or nil when none exists.
	GetAccount(ctx context.Context, agentDID string) (*Account, error)

	// CreateAccount creates an account with the given starting balance.
	// Idempotent: re-creating an existing account returns the current row
	// unchanged and does not reset its balance.
	CreateAccount(ctx context.Context, agentDID string, initialBalance int64) (*Account, error)

	// Reserve earmarks amount against the agent's spendable balance.
	// Fails with ErrInsufficientCredits when balance - reserved < amount.
	Reserve(ctx context.Context, agentDID string, amount int64, intentID string) error

	// Release returns reservedAmount to the unreserved balance and debits
	// spentAmount of it. Fails with ErrInvalidAmount when
	// spentAmount > reservedAmount.
	Release(ctx context.Context, agentDID string, reservedAmount, spentAmount int64, intentID string) error

	// Deposit increases the balance. Used for external top-ups.
	Deposit(ctx context.Context, agentDID string, amount int64, metadata map[string]any) error

	// Earn increases balance and the lifetime earned counter. Used when an
	// agent is paid for completed work.
	Earn(ctx context.Context, agentDID string, amount int64, intentID, proofID string) error

	// Spend is an immediate check-and-debit with no prior reservation.
	// Fails with ErrInsufficientCredits when balance < amount.
	Spend(ctx context.Context, agentDID string, amount int64, intentID, reason string) error

	// TransactionHistory returns the agent's log rows, newest first.
	TransactionHistory(ctx context.Context, agentDID string, limit, offset int) ([]Transaction, error)
}
