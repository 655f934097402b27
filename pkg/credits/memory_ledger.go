package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger with mutex-per-account serialization.
// Concurrent mutations on different accounts do not block each other; the
// transaction log chain is protected by its own lock.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	logMu    sync.Mutex
	log      []Transaction
	lastHash string
}

type memAccount struct {
	mu  sync.Mutex
	acc Account
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*memAccount),
		lastHash: GenesisHash,
	}
}

func (l *MemoryLedger) GetAccount(_ context.Context, agentDID string) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.accounts[agentDID]
	if !ok {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.acc
	return &acc, nil
}

func (l *MemoryLedger) CreateAccount(_ context.Context, agentDID string, initialBalance int64) (*Account, error) {
	if initialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	m := l.ensure(agentDID, initialBalance)
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.acc
	return &acc, nil
}

// ensure returns the account holder, creating it lazily with the given
// starting balance when absent. Existing accounts are returned unchanged.
func (l *MemoryLedger) ensure(agentDID string, initialBalance int64) *memAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.accounts[agentDID]; ok {
		return m
	}
	now := time.Now().UTC()
	m := &memAccount{acc: Account{
		AgentDID:  agentDID,
		Balance:   initialBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	l.accounts[agentDID] = m
	return m
}

func (l *MemoryLedger) Reserve(_ context.Context, agentDID string, amount int64, intentID string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	m := l.ensure(agentDID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acc.Balance-m.acc.Reserved < amount {
		return ErrInsufficientCredits
	}
	m.acc.Reserved += amount
	m.acc.UpdatedAt = time.Now().UTC()
	l.appendTx(Transaction{AgentDID: agentDID, Type: TxReserve, Amount: amount, IntentID: intentID})
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, agentDID string, reservedAmount, spentAmount int64, intentID string) error {
	if reservedAmount < 0 || spentAmount < 0 || spentAmount > reservedAmount {
		return ErrInvalidAmount
	}
	m := l.ensure(agentDID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acc.Reserved < reservedAmount {
		return ErrInvalidAmount
	}
	m.acc.Reserved -= reservedAmount
	m.acc.Balance -= spentAmount
	m.acc.Spent += spentAmount
	m.acc.UpdatedAt = time.Now().UTC()
	l.appendTx(Transaction{AgentDID: agentDID, Type: TxRelease, Amount: reservedAmount, IntentID: intentID})
	if spentAmount > 0 {
		l.appendTx(Transaction{AgentDID: agentDID, Type: TxSpend, Amount: spentAmount, IntentID: intentID})
	}
	return nil
}

func (l *MemoryLedger) Deposit(_ context.Context, agentDID string, amount int64, metadata map[string]any) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	m := l.ensure(agentDID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acc.Balance += amount
	m.acc.UpdatedAt = time.Now().UTC()
	l.appendTx(Transaction{AgentDID: agentDID, Type: TxDeposit, Amount: amount, Metadata: metadata})
	return nil
}

func (l *MemoryLedger) Earn(_ context.Context, agentDID string, amount int64, intentID, proofID string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	m := l.ensure(agentDID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acc.Balance += amount
	m.acc.Earned += amount
	m.acc.UpdatedAt = time.Now().UTC()
	l.appendTx(Transaction{AgentDID: agentDID, Type: TxEarn, Amount: amount, IntentID: intentID, ProofID: proofID})
	return nil
}

func (l *MemoryLedger) Spend(_ context.Context, agentDID string, amount int64, intentID, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	m := l.ensure(agentDID, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acc.Balance < amount {
		return ErrInsufficientCredits
	}
	m.acc.Balance -= amount
	m.acc.Spent += amount
	m.acc.UpdatedAt = time.Now().UTC()
	var meta map[string]any
	if reason != "" {
		meta = map[string]any{"reason": reason}
	}
	l.appendTx(Transaction{AgentDID: agentDID, Type: TxSpend, Amount: amount, IntentID: intentID, Metadata: meta})
	return nil
}

func (l *MemoryLedger) TransactionHistory(_ context.Context, agentDID string, limit, offset int) ([]Transaction, error) {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	var mine []Transaction
	for i := len(l.log) - 1; i >= 0; i-- { // newest first
		if l.log[i].AgentDID == agentDID {
			mine = append(mine, l.log[i])
		}
	}
	if offset >= len(mine) {
		return nil, nil
	}
	mine = mine[offset:]
	if limit > 0 && limit < len(mine) {
		mine = mine[:limit]
	}
	return mine, nil
}

// AllTransactions returns the full log in insertion order, for chain
// verification.
func (l *MemoryLedger) AllTransactions() []Transaction {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	out := make([]Transaction, len(l.log))
	copy(out, l.log)
	return out
}

func (l *MemoryLedger) appendTx(tx Transaction) {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	tx.ID = uuid.NewString()
	tx.CreatedAt = time.Now().UTC()
	tx.PreviousHash = l.lastHash
	h, err := chainHash(l.lastHash, tx)
	if err != nil {
		// chainHash only fails on marshal errors, which cannot happen for
		// the fixed payload shape.
		panic(err)
	}
	tx.Hash = h
	l.lastHash = h
	l.log = append(l.log, tx)
}
