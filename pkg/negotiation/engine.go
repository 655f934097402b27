package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ainp-labs/broker/pkg/credits"
	"github.com/ainp-labs/broker/pkg/incentives"
)

// Config carries the injected knobs the engine needs. Flags live here, not
// in ambient globals, so the engine stays deterministic under test.
type Config struct {
	// SettlementEnabled gates credit reservation at accept and fund
	// movement at settle.
	SettlementEnabled bool
	// AtomicScale is the number of atomic units per credit.
	AtomicScale int64
	// MaxRoundsCeiling bounds the per-session max_rounds parameter.
	MaxRoundsCeiling int
	// DefaultMaxRounds applies when initiate passes zero.
	DefaultMaxRounds int
	// DefaultTTL applies when initiate passes zero.
	DefaultTTL time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SettlementEnabled: true,
		AtomicScale:       credits.DefaultAtomicScale,
		MaxRoundsCeiling:  20,
		DefaultMaxRounds:  10,
		DefaultTTL:        60 * time.Minute,
	}
}

// Engine owns the bargaining state machine. It touches the credit ledger at
// exactly one transition: reservation during accept.
type Engine struct {
	store  Store
	ledger credits.Ledger
	cfg    Config
	policy *AcceptPolicy
	logger *slog.Logger
}

// NewEngine creates an engine. ledger may be nil only when
// cfg.SettlementEnabled is false.
func NewEngine(store Store, ledger credits.Ledger, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AtomicScale <= 0 {
		cfg.AtomicScale = credits.DefaultAtomicScale
	}
	if cfg.MaxRoundsCeiling <= 0 {
		cfg.MaxRoundsCeiling = 20
	}
	if cfg.DefaultMaxRounds <= 0 {
		cfg.DefaultMaxRounds = 10
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Minute
	}
	return &Engine{store: store, ledger: ledger, cfg: cfg, logger: logger}
}

// SetAcceptPolicy attaches an auto-accept policy evaluated after every
// propose. The engine never accepts on its own; it only flags eligibility.
func (e *Engine) SetAcceptPolicy(p *AcceptPolicy) {
	e.policy = p
}

// InitiateParams are the optional knobs of Initiate; zero values take the
// configured defaults.
type InitiateParams struct {
	MaxRounds int
	TTL       time.Duration
}

// Initiate opens a session between two agents for an intent, seeding round 1
// with the initiator's opening proposal.
func (e *Engine) Initiate(ctx context.Context, intentID, initiatorDID, responderDID string, proposal ProposalTerms, params InitiateParams) (*Session, error) {
	if initiatorDID == responderDID {
		return nil, fmt.Errorf("%w: initiator and responder must differ", ErrValidation)
	}
	maxRounds := params.MaxRounds
	if maxRounds == 0 {
		maxRounds = e.cfg.DefaultMaxRounds
	}
	if maxRounds < 1 || maxRounds > e.cfg.MaxRoundsCeiling {
		return nil, fmt.Errorf("%w: max_rounds must be in [1,%d]", ErrValidation, e.cfg.MaxRoundsCeiling)
	}
	ttl := params.TTL
	if ttl == 0 {
		ttl = e.cfg.DefaultTTL
	}
	if err := proposal.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	split := incentives.DefaultSplit()
	if proposal.IncentiveSplit != nil {
		split = *proposal.IncentiveSplit
	}
	s := &Session{
		ID:           uuid.NewString(),
		IntentID:     intentID,
		InitiatorDID: initiatorDID,
		ResponderDID: responderDID,
		State:        StateInitiated,
		Rounds: []Round{{
			RoundNumber: 1,
			ProposerDID: initiatorDID,
			Proposal:    proposal,
			Timestamp:   now,
		}},
		ConvergenceScore: 0, // no prior proposal exists
		CurrentProposal:  proposal.Clone(),
		IncentiveSplit:   split,
		MaxRounds:        maxRounds,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		UpdatedAt:        now,
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Info("negotiation: initiated",
		"negotiation_id", s.ID, "intent_id", intentID,
		"initiator", initiatorDID, "responder", responderDID, "max_rounds", maxRounds)
	return s, nil
}

// Propose appends a counter-offer and recomputes the convergence score from
// the two most recent rounds.
func (e *Engine) Propose(ctx context.Context, negotiationID, proposerDID string, proposal ProposalTerms) (*Session, error) {
	if err := proposal.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	now := time.Now().UTC()
	return e.store.Mutate(ctx, negotiationID, func(s *Session) error {
		if !now.Before(s.ExpiresAt) {
			return ErrExpired
		}
		switch s.State {
		case StateInitiated, StateProposed, StateCounterProposed:
		default:
			return fmt.Errorf("%w: cannot propose from %s", ErrInvalidStateTransition, s.State)
		}
		if len(s.Rounds)+1 > s.MaxRounds {
			return ErrMaxRoundsExceeded
		}

		prev := s.Rounds[len(s.Rounds)-1].Proposal
		// The first comparison carries a zero delta.
		delta := 0.0
		if len(s.Rounds) >= 2 {
			delta = Similarity(prev, proposal)
		}
		s.Rounds = append(s.Rounds, Round{
			RoundNumber:      len(s.Rounds) + 1,
			ProposerDID:      proposerDID,
			Proposal:         proposal,
			Timestamp:        now,
			ConvergenceDelta: &delta,
		})
		// Session-level score compares the two most recent offers only.
		s.ConvergenceScore = Similarity(prev, proposal)
		s.CurrentProposal = proposal.Clone()
		if proposal.IncentiveSplit != nil {
			s.IncentiveSplit = *proposal.IncentiveSplit
		}
		if s.State == StateInitiated {
			s.State = StateProposed
		} else {
			s.State = StateCounterProposed
		}
		s.UpdatedAt = now

		if e.policy != nil {
			eligible, err := e.policy.Eval(s)
			if err != nil {
				// Fail closed: a broken policy never flags eligibility.
				e.logger.Warn("negotiation: accept policy evaluation failed",
					"negotiation_id", s.ID, "error", err)
				eligible = false
			}
			s.AutoAcceptEligible = eligible
		}
		return nil
	})
}

// Accept fixes the current proposal as final. When settlement is enabled and
// the proposal carries a price, the price is reserved from the initiator's
// account first; reservation failure aborts with no state change.
func (e *Engine) Accept(ctx context.Context, negotiationID, acceptorDID string) (*Session, error) {
	now := time.Now().UTC()
	var reserved int64
	s, err := e.store.Mutate(ctx, negotiationID, func(s *Session) error {
		if !now.Before(s.ExpiresAt) {
			return ErrExpired
		}
		if s.State != StateProposed && s.State != StateCounterProposed {
			return fmt.Errorf("%w: cannot accept from %s", ErrInvalidStateTransition, s.State)
		}
		if s.CurrentProposal == nil {
			return ErrNoCurrentProposal
		}
		if !s.Participant(acceptorDID) {
			return ErrNotParticipant
		}

		if e.cfg.SettlementEnabled && s.CurrentProposal.Price != nil && *s.CurrentProposal.Price > 0 {
			amount := credits.ToAtomic(*s.CurrentProposal.Price, e.cfg.AtomicScale)
			if err := e.ledger.Reserve(ctx, s.InitiatorDID, amount, s.IntentID); err != nil {
				return err
			}
			reserved = amount
			if s.CurrentProposal.CustomTerms == nil {
				s.CurrentProposal.CustomTerms = make(map[string]any)
			}
			s.CurrentProposal.CustomTerms[ReservedCreditsKey] = amount
		}

		s.FinalProposal = s.CurrentProposal.Clone()
		s.State = StateAccepted
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		if reserved > 0 && !errors.Is(err, credits.ErrInsufficientCredits) {
			// The reservation committed but the session update did not; the
			// reconciliation path has to release it.
			e.logger.Error("negotiation: accept failed after credit reservation",
				"negotiation_id", negotiationID, "reserved", reserved, "error", err)
		}
		return nil, err
	}
	e.logger.Info("negotiation: accepted",
		"negotiation_id", s.ID, "acceptor", acceptorDID, "reserved_credits", reserved)
	return s, nil
}

// Reject terminates the session from any non-terminal state, recording the
// rejection as a terminal pseudo-round. No credit interaction.
func (e *Engine) Reject(ctx context.Context, negotiationID, rejectorDID, reason string) (*Session, error) {
	now := time.Now().UTC()
	s, err := e.store.Mutate(ctx, negotiationID, func(s *Session) error {
		if !s.Participant(rejectorDID) {
			return ErrNotParticipant
		}
		if s.State.Terminal() {
			return fmt.Errorf("%w: cannot reject from %s", ErrInvalidStateTransition, s.State)
		}
		terms := map[string]any{"rejected": true}
		if reason != "" {
			terms["reason"] = reason
		}
		s.Rounds = append(s.Rounds, Round{
			RoundNumber: len(s.Rounds) + 1,
			ProposerDID: rejectorDID,
			Proposal:    ProposalTerms{CustomTerms: terms},
			Timestamp:   now,
		})
		s.State = StateRejected
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("negotiation: rejected",
		"negotiation_id", s.ID, "rejector", rejectorDID, "reason", reason)
	return s, nil
}

// GetSession returns the session, or nil when none exists.
func (e *Engine) GetSession(ctx context.Context, negotiationID string) (*Session, error) {
	s, err := e.store.Get(ctx, negotiationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// SessionsByAgent returns all sessions the agent participates in, newest
// first; empty when nothing matches.
func (e *Engine) SessionsByAgent(ctx context.Context, agentDID string) ([]*Session, error) {
	return e.store.ListByAgent(ctx, agentDID)
}

// ExpireStale transitions every overdue non-terminal session to expired.
// Intended to run periodically; mutating calls already treat overdue
// sessions as expired lazily, so this only catches sessions nobody touches.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	n, err := e.store.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("negotiation: expired stale sessions", "count", n)
	}
	return n, nil
}
