package credits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLLedger implements Ledger over database/sql. On Postgres it takes
// SELECT ... FOR UPDATE on the account row so concurrent mutations against
// the same account serialize while different accounts proceed in parallel.
// On SQLite the write transaction itself provides the serialization, so the
// locking clause is omitted.
type SQLLedger struct {
	db       *sql.DB
	lockRows bool
}

// NewPostgresLedger creates a Postgres-backed ledger with row-level locking.
func NewPostgresLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, lockRows: true}
}

// NewSQLiteLedger creates a SQLite-backed ledger.
func NewSQLiteLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, lockRows: false}
}

const creditSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	agent_did TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	reserved BIGINT NOT NULL DEFAULT 0,
	earned BIGINT NOT NULL DEFAULT 0,
	spent BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	agent_did TEXT NOT NULL,
	tx_type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	intent_id TEXT,
	usefulness_proof_id TEXT,
	metadata TEXT,
	hash TEXT,
	previous_hash TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_agent_time ON credit_transactions(agent_did, created_at);
`

// Init creates the ledger tables.
func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, creditSchema)
	return err
}

const accountColumns = `agent_did, balance, reserved, earned, spent, created_at, updated_at`

func (l *SQLLedger) GetAccount(ctx context.Context, agentDID string) (*Account, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE agent_did = $1`, agentDID)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credits: get account: %w", err)
	}
	return acc, nil
}

func (l *SQLLedger) CreateAccount(ctx context.Context, agentDID string, initialBalance int64) (*Account, error) {
	if initialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now().UTC()
	// ON CONFLICT DO NOTHING makes re-creation a no-op that never resets an
	// existing balance.
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (agent_did, balance, reserved, earned, spent, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3, $3)
		ON CONFLICT (agent_did) DO NOTHING
	`, agentDID, initialBalance, now)
	if err != nil {
		return nil, fmt.Errorf("credits: create account: %w", err)
	}
	acc, err := l.GetAccount(ctx, agentDID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

func (l *SQLLedger) Reserve(ctx context.Context, agentDID string, amount int64, intentID string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(tx *sql.Tx, acc *Account) error {
		if acc.Balance-acc.Reserved < amount {
			return ErrInsufficientCredits
		}
		acc.Reserved += amount
		return l.appendTx(ctx, tx, Transaction{
			AgentDID: agentDID, Type: TxReserve, Amount: amount, IntentID: intentID,
		})
	})
}

func (l *SQLLedger) Release(ctx context.Context, agentDID string, reservedAmount, spentAmount int64, intentID string) error {
	if reservedAmount < 0 || spentAmount < 0 || spentAmount > reservedAmount {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(tx *sql.Tx, acc *Account) error {
		if acc.Reserved < reservedAmount {
			return ErrInvalidAmount
		}
		acc.Reserved -= reservedAmount
		acc.Balance -= spentAmount
		acc.Spent += spentAmount
		if err := l.appendTx(ctx, tx, Transaction{
			AgentDID: agentDID, Type: TxRelease, Amount: reservedAmount, IntentID: intentID,
		}); err != nil {
			return err
		}
		if spentAmount > 0 {
			return l.appendTx(ctx, tx, Transaction{
				AgentDID: agentDID, Type: TxSpend, Amount: spentAmount, IntentID: intentID,
			})
		}
		return nil
	})
}

func (l *SQLLedger) Deposit(ctx context.Context, agentDID string, amount int64, metadata map[string]any) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(tx *sql.Tx, acc *Account) error {
		acc.Balance += amount
		return l.appendTx(ctx, tx, Transaction{
			AgentDID: agentDID, Type: TxDeposit, Amount: amount, Metadata: metadata,
		})
	})
}

func (l *SQLLedger) Earn(ctx context.Context, agentDID string, amount int64, intentID, proofID string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(tx *sql.Tx, acc *Account) error {
		acc.Balance += amount
		acc.Earned += amount
		return l.appendTx(ctx, tx, Transaction{
			AgentDID: agentDID, Type: TxEarn, Amount: amount, IntentID: intentID, ProofID: proofID,
		})
	})
}

func (l *SQLLedger) Spend(ctx context.Context, agentDID string, amount int64, intentID, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, agentDID, func(tx *sql.Tx, acc *Account) error {
		if acc.Balance < amount {
			return ErrInsufficientCredits
		}
		acc.Balance -= amount
		acc.Spent += amount
		var meta map[string]any
		if reason != "" {
			meta = map[string]any{"reason": reason}
		}
		return l.appendTx(ctx, tx, Transaction{
			AgentDID: agentDID, Type: TxSpend, Amount: amount, IntentID: intentID, Metadata: meta,
		})
	})
}

func (l *SQLLedger) TransactionHistory(ctx context.Context, agentDID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, agent_did, tx_type, amount, intent_id, usefulness_proof_id, metadata, hash, previous_hash, created_at
		FROM credit_transactions
		WHERE agent_did = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, agentDID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("credits: transaction history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Transaction, 0)
	for rows.Next() {
		var t Transaction
		var intentID, proofID, metadata, hash, prevHash sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentDID, &t.Type, &t.Amount, &intentID, &proofID, &metadata, &hash, &prevHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.IntentID = intentID.String
		t.ProofID = proofID.String
		t.Hash = hash.String
		t.PreviousHash = prevHash.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("credits: corrupt transaction metadata: %w", err)
			}
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// mutate runs fn inside one transaction holding the account row lock. The
// account passed to fn reflects the locked row; its mutated fields are
// written back before commit. Any fn error rolls back the whole mutation.
func (l *SQLLedger) mutate(ctx context.Context, agentDID string, fn func(tx *sql.Tx, acc *Account) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := l.lockAccount(ctx, tx, agentDID)
	if err != nil {
		return err
	}

	if err := fn(tx, acc); err != nil {
		return err
	}

	acc.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $1, reserved = $2, earned = $3, spent = $4, updated_at = $5
		WHERE agent_did = $6
	`, acc.Balance, acc.Reserved, acc.Earned, acc.Spent, acc.UpdatedAt, agentDID)
	if err != nil {
		return fmt.Errorf("credits: update account: %w", err)
	}
	return tx.Commit()
}

// lockAccount selects the account row under an exclusive lock, creating it
// lazily with a zero balance when absent.
func (l *SQLLedger) lockAccount(ctx context.Context, tx *sql.Tx, agentDID string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE agent_did = $1`
	if l.lockRows {
		query += ` FOR UPDATE`
	}
	acc, err := scanAccount(tx.QueryRowContext(ctx, query, agentDID))
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_accounts (agent_did, balance, reserved, earned, spent, created_at, updated_at)
			VALUES ($1, 0, 0, 0, 0, $2, $2)
		`, agentDID, now); err != nil {
			return nil, fmt.Errorf("credits: create account: %w", err)
		}
		return &Account{AgentDID: agentDID, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credits: lock account: %w", err)
	}
	return acc, nil
}

// appendTx inserts one log row inside the caller's transaction, chained to
// the current log tail.
func (l *SQLLedger) appendTx(ctx context.Context, tx *sql.Tx, t Transaction) error {
	var lastHash string
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM credit_transactions ORDER BY created_at DESC LIMIT 1`).Scan(&lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("credits: read chain tail: %w", err)
	}
	if lastHash == "" {
		lastHash = GenesisHash
	}

	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	t.PreviousHash = lastHash
	t.Hash, err = chainHash(lastHash, t)
	if err != nil {
		return err
	}

	var metaJSON []byte
	if t.Metadata != nil {
		metaJSON, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("credits: marshal transaction metadata: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, agent_did, tx_type, amount, intent_id, usefulness_proof_id, metadata, hash, previous_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.AgentDID, t.Type, t.Amount, t.IntentID, t.ProofID, string(metaJSON), t.Hash, t.PreviousHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("credits: append transaction: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var acc Account
	if err := row.Scan(&acc.AgentDID, &acc.Balance, &acc.Reserved, &acc.Earned, &acc.Spent, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}
