package negotiation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql. On Postgres every Mutate
// takes SELECT ... FOR UPDATE on the negotiations row so concurrent
// counter-proposals serialize; on SQLite the write transaction serializes
// them.
type SQLStore struct {
	db       *sql.DB
	lockRows bool
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, lockRows: true}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, lockRows: false}
}

const negotiationSchema = `
CREATE TABLE IF NOT EXISTS negotiations (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	initiator_did TEXT NOT NULL,
	responder_did TEXT NOT NULL,
	state TEXT NOT NULL,
	rounds TEXT NOT NULL,
	convergence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_proposal TEXT,
	final_proposal TEXT,
	incentive_split TEXT NOT NULL,
	max_rounds INTEGER NOT NULL,
	auto_accept_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_negotiations_initiator ON negotiations(initiator_did);
CREATE INDEX IF NOT EXISTS idx_negotiations_responder ON negotiations(responder_did);
CREATE INDEX IF NOT EXISTS idx_negotiations_state_expiry ON negotiations(state, expires_at);
`

// Init creates the negotiations table.
func (st *SQLStore) Init(ctx context.Context) error {
	_, err := st.db.ExecContext(ctx, negotiationSchema)
	return err
}

const sessionColumns = `id, intent_id, initiator_did, responder_did, state, rounds, convergence_score, current_proposal, final_proposal, incentive_split, max_rounds, auto_accept_eligible, created_at, expires_at, updated_at`

func (st *SQLStore) Create(ctx context.Context, s *Session) error {
	rounds, current, final, split, err := encodeSessionJSON(s)
	if err != nil {
		return err
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO negotiations (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, s.ID, s.IntentID, s.InitiatorDID, s.ResponderDID, s.State, rounds, s.ConvergenceScore,
		current, final, split, s.MaxRounds, s.AutoAcceptEligible, s.CreatedAt, s.ExpiresAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("negotiation: create session: %w", err)
	}
	return nil
}

func (st *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM negotiations WHERE id = $1`, id)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: get session: %w", err)
	}
	return s, nil
}

func (st *SQLStore) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + sessionColumns + ` FROM negotiations WHERE id = $1`
	if st.lockRows {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(tx.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: lock session: %w", err)
	}

	if err := fn(s); err != nil {
		return nil, err
	}

	rounds, current, final, split, err := encodeSessionJSON(s)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE negotiations
		SET state = $1, rounds = $2, convergence_score = $3, current_proposal = $4,
		    final_proposal = $5, incentive_split = $6, auto_accept_eligible = $7, updated_at = $8
		WHERE id = $9
	`, s.State, rounds, s.ConvergenceScore, current, final, split, s.AutoAcceptEligible, s.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("negotiation: update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("negotiation: commit: %w", err)
	}
	return s, nil
}

func (st *SQLStore) ListByAgent(ctx context.Context, agentDID string) ([]*Session, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM negotiations
		WHERE initiator_did = $1 OR responder_did = $1
		ORDER BY created_at DESC
	`, agentDID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list by agent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st *SQLStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE negotiations
		SET state = $1, updated_at = $2
		WHERE state NOT IN ($3, $4, $5) AND expires_at <= $2
	`, StateExpired, now, StateAccepted, StateRejected, StateExpired)
	if err != nil {
		return 0, fmt.Errorf("negotiation: expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("negotiation: expire stale rows affected: %w", err)
	}
	return int(n), nil
}

func encodeSessionJSON(s *Session) (rounds, current, final, split []byte, err error) {
	if rounds, err = json.Marshal(s.Rounds); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal rounds: %w", err)
	}
	if s.CurrentProposal != nil {
		if current, err = json.Marshal(s.CurrentProposal); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal current proposal: %w", err)
		}
	}
	if s.FinalProposal != nil {
		if final, err = json.Marshal(s.FinalProposal); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal final proposal: %w", err)
		}
	}
	if split, err = json.Marshal(s.IncentiveSplit); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal split: %w", err)
	}
	return rounds, current, final, split, nil
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var s Session
	var rounds, split []byte
	var current, final sql.NullString
	err := scan(&s.ID, &s.IntentID, &s.InitiatorDID, &s.ResponderDID, &s.State, &rounds,
		&s.ConvergenceScore, &current, &final, &split, &s.MaxRounds, &s.AutoAcceptEligible,
		&s.CreatedAt, &s.ExpiresAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rounds, &s.Rounds); err != nil {
		return nil, fmt.Errorf("negotiation: corrupt rounds: %w", err)
	}
	if current.Valid && current.String != "" {
		s.CurrentProposal = &ProposalTerms{}
		if err := json.Unmarshal([]byte(current.String), s.CurrentProposal); err != nil {
			return nil, fmt.Errorf("negotiation: corrupt current proposal: %w", err)
		}
	}
	if final.Valid && final.String != "" {
		s.FinalProposal = &ProposalTerms{}
		if err := json.Unmarshal([]byte(final.String), s.FinalProposal); err != nil {
			return nil, fmt.Errorf("negotiation: corrupt final proposal: %w", err)
		}
	}
	if len(split) > 0 {
		if err := json.Unmarshal(split, &s.IncentiveSplit); err != nil {
			return nil, fmt.Errorf("negotiation: corrupt incentive split: %w", err)
		}
	}
	return &s, nil
}
