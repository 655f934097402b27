// Package negotiation implements the multi-round bargaining state machine
// between two agents: propose/counter-propose/accept/reject/expire with
// convergence scoring, and credit reservation at the accept transition.
package negotiation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ainp-labs/broker/pkg/incentives"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("negotiation: not found")
	// ErrInvalidStateTransition is returned when the requested operation is
	// not legal from the session's current state.
	ErrInvalidStateTransition = errors.New("negotiation: invalid state transition")
	// ErrExpired is returned by mutating calls on a session whose TTL has
	// passed, even before the expiry sweep has run.
	ErrExpired = errors.New("negotiation: expired")
	// ErrMaxRoundsExceeded is returned when appending a round would exceed
	// the session's round budget.
	ErrMaxRoundsExceeded = errors.New("negotiation: max rounds exceeded")
	// ErrNotParticipant is returned when the acting DID is neither the
	// initiator nor the responder.
	ErrNotParticipant = errors.New("negotiation: not a participant")
	// ErrNoCurrentProposal is returned by accept when there is nothing on
	// the table.
	ErrNoCurrentProposal = errors.New("negotiation: no current proposal")
	// ErrValidation is returned for malformed inputs (same participants,
	// bad max_rounds, bad proposal document).
	ErrValidation = errors.New("negotiation: validation error")
)

// State is the lifecycle state of a session. Terminal states never change.
type State string

const (
	StateInitiated       State = "initiated"
	StateProposed        State = "proposed"
	StateCounterProposed State = "counter_proposed"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

// ProposalTerms are the terms of one offer. The typed core fields are
// pointers so an absent field stays distinguishable from zero; CustomTerms
// carries out-of-band metadata under open keys.
type ProposalTerms struct {
	Price          *float64          `json:"price,omitempty"`
	DeliveryTime   *float64          `json:"delivery_time,omitempty"`
	QualitySLA     *float64          `json:"quality_sla,omitempty"`
	IncentiveSplit *incentives.Split `json:"incentive_split,omitempty"`
	CustomTerms    map[string]any    `json:"custom_terms,omitempty"`
}

// Validate checks the typed fields against the same bounds the document
// schema enforces, so terms handed to the engine as structs cannot bypass
// them. A negative price would otherwise slip past the reservation guard
// at accept.
func (p *ProposalTerms) Validate() error {
	if p == nil {
		return nil
	}
	if p.Price != nil && *p.Price < 0 {
		return errors.New("price must be >= 0")
	}
	if p.DeliveryTime != nil && *p.DeliveryTime < 0 {
		return errors.New("delivery_time must be >= 0")
	}
	if p.QualitySLA != nil && (*p.QualitySLA < 0 || *p.QualitySLA > 1) {
		return errors.New("quality_sla must be in [0,1]")
	}
	if p.IncentiveSplit != nil {
		return p.IncentiveSplit.Validate()
	}
	return nil
}

// ReservedCreditsKey is the custom-terms key stamped at accept with the
// atomic-unit amount reserved from the initiator.
const ReservedCreditsKey = "reserved_credits"

// ReservedCredits reads the stamped reservation back out. JSON round-trips
// turn the amount into a float64, so every numeric shape is accepted.
func (p *ProposalTerms) ReservedCredits() int64 {
	if p == nil || p.CustomTerms == nil {
		return 0
	}
	switch v := p.CustomTerms[ReservedCreditsKey].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Clone returns a deep copy of the terms.
func (p *ProposalTerms) Clone() *ProposalTerms {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	var out ProposalTerms
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

// Round is one proposal submitted by one party.
type Round struct {
	RoundNumber      int           `json:"round_number"`
	ProposerDID      string        `json:"proposer_did"`
	Proposal         ProposalTerms `json:"proposal"`
	Timestamp        time.Time     `json:"timestamp"`
	ConvergenceDelta *float64      `json:"convergence_delta,omitempty"`
}

// Session is one negotiation between two agents over an intent.
type Session struct {
	ID                 string           `json:"id"`
	IntentID           string           `json:"intent_id"`
	InitiatorDID       string           `json:"initiator_did"`
	ResponderDID       string           `json:"responder_did"`
	State              State            `json:"state"`
	Rounds             []Round          `json:"rounds"`
	ConvergenceScore   float64          `json:"convergence_score"`
	CurrentProposal    *ProposalTerms   `json:"current_proposal,omitempty"`
	FinalProposal      *ProposalTerms   `json:"final_proposal,omitempty"`
	IncentiveSplit     incentives.Split `json:"incentive_split"`
	MaxRounds          int              `json:"max_rounds"`
	AutoAcceptEligible bool             `json:"auto_accept_eligible,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          time.Time        `json:"expires_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Participant reports whether the DID is one of the two parties.
func (s *Session) Participant(did string) bool {
	return did == s.InitiatorDID || did == s.ResponderDID
}

// Clone returns a deep copy so callers can mutate freely.
func (s *Session) Clone() *Session {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err) // all fields are JSON-serializable by construction
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}
