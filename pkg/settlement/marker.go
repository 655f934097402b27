// Package settlement bridges negotiation acceptance to fund movement: it
// releases the credit reservation made at accept and fans the funds out
// through the incentive distributor. The release-then-distribute sequence is
// not one cross-service transaction, so every settlement is tracked by a
// durable marker that a reconciliation sweep can re-drive after a crash.
package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ainp-labs/broker/pkg/incentives"
)

// MarkerState tracks how far a settlement got.
type MarkerState string

const (
	// MarkerReleasing: marker written, reservation not yet released.
	MarkerReleasing MarkerState = "releasing"
	// MarkerDistributing: funds released, distribution not yet confirmed.
	// A crash here leaves released-but-undistributed funds; reconciliation
	// re-drives these.
	MarkerDistributing MarkerState = "distributing"
	// MarkerSettled: distribution confirmed.
	MarkerSettled MarkerState = "settled"
)

// ErrMarkerNotFound is returned when no marker exists for a negotiation.
var ErrMarkerNotFound = errors.New("settlement: marker not found")

// Marker is the durable record of one settlement attempt. It carries enough
// to re-drive distribution without reloading the (already mutated) session.
type Marker struct {
	NegotiationID string           `json:"negotiation_id"`
	IntentID      string           `json:"intent_id"`
	InitiatorDID  string           `json:"initiator_did"`
	AgentDID      string           `json:"agent_did"`
	ValidatorDID  string           `json:"validator_did,omitempty"`
	ProofID       string           `json:"usefulness_proof_id,omitempty"`
	Amount        int64            `json:"amount"`
	Split         incentives.Split `json:"split"`
	State         MarkerState      `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// MarkerStore persists settlement markers.
type MarkerStore interface {
	Put(ctx context.Context, m Marker) error
	SetState(ctx context.Context, negotiationID string, state MarkerState) error
	ListInState(ctx context.Context, state MarkerState) ([]Marker, error)
}

// MemoryMarkers is an in-memory MarkerStore.
type MemoryMarkers struct {
	mu      sync.Mutex
	markers map[string]Marker
}

func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{markers: make(map[string]Marker)}
}

func (s *MemoryMarkers) Put(_ context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.NegotiationID] = m
	return nil
}

func (s *MemoryMarkers) SetState(_ context.Context, negotiationID string, state MarkerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[negotiationID]
	if !ok {
		return ErrMarkerNotFound
	}
	m.State = state
	m.UpdatedAt = time.Now().UTC()
	s.markers[negotiationID] = m
	return nil
}

func (s *MemoryMarkers) ListInState(_ context.Context, state MarkerState) ([]Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, 0)
	for _, m := range s.markers {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out, nil
}

// SQLMarkers is a database/sql MarkerStore.
type SQLMarkers struct {
	db *sql.DB
}

func NewSQLMarkers(db *sql.DB) *SQLMarkers {
	return &SQLMarkers{db: db}
}

const markerSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	negotiation_id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	initiator_did TEXT NOT NULL,
	agent_did TEXT NOT NULL,
	validator_did TEXT,
	usefulness_proof_id TEXT,
	amount BIGINT NOT NULL,
	split TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_state ON settlements(state);
`

func (s *SQLMarkers) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, markerSchema)
	return err
}

func (s *SQLMarkers) Put(ctx context.Context, m Marker) error {
	split, err := json.Marshal(m.Split)
	if err != nil {
		return fmt.Errorf("settlement: marshal split: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlements (negotiation_id, intent_id, initiator_did, agent_did, validator_did, usefulness_proof_id, amount, split, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (negotiation_id) DO UPDATE SET state = $9, updated_at = $11
	`, m.NegotiationID, m.IntentID, m.InitiatorDID, m.AgentDID, m.ValidatorDID, m.ProofID,
		m.Amount, split, m.State, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("settlement: put marker: %w", err)
	}
	return nil
}

func (s *SQLMarkers) SetState(ctx context.Context, negotiationID string, state MarkerState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET state = $1, updated_at = $2 WHERE negotiation_id = $3
	`, state, time.Now().UTC(), negotiationID)
	if err != nil {
		return fmt.Errorf("settlement: set marker state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMarkerNotFound
	}
	return nil
}

func (s *SQLMarkers) ListInState(ctx context.Context, state MarkerState) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT negotiation_id, intent_id, initiator_did, agent_did, validator_did, usefulness_proof_id, amount, split, state, created_at, updated_at
		FROM settlements WHERE state = $1
	`, state)
	if err != nil {
		return nil, fmt.Errorf("settlement: list markers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Marker, 0)
	for rows.Next() {
		var m Marker
		var validator, proof sql.NullString
		var split []byte
		if err := rows.Scan(&m.NegotiationID, &m.IntentID, &m.InitiatorDID, &m.AgentDID,
			&validator, &proof, &m.Amount, &split, &m.State, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.ValidatorDID = validator.String
		m.ProofID = proof.String
		if err := json.Unmarshal(split, &m.Split); err != nil {
			return nil, fmt.Errorf("settlement: corrupt marker split: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
