package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ainp-labs/broker/pkg/credits"
	"github.com/ainp-labs/broker/pkg/incentives"
	"github.com/ainp-labs/broker/pkg/negotiation"
)

var (
	// ErrNotAccepted is returned when settling a session outside the
	// accepted state.
	ErrNotAccepted = errors.New("settlement: negotiation not in accepted state")
	// ErrNoReservation is returned when no credits were reserved for the
	// negotiation; this is also the guard that rejects a second settle.
	ErrNoReservation = errors.New("settlement: no credits reserved for this negotiation")
)

// Config carries the coordinator's injected knobs.
type Config struct {
	// SettlementEnabled mirrors the engine flag; disabled settlement is an
	// explicit logged no-op, not an error.
	SettlementEnabled bool
	// BrokerDID receives the broker share of every distribution.
	BrokerDID string
}

// Coordinator drives accepted negotiations through release and
// distribution.
type Coordinator struct {
	sessions    negotiation.Store
	ledger      credits.Ledger
	distributor *incentives.Distributor
	markers     MarkerStore
	cfg         Config
	logger      *slog.Logger
}

func NewCoordinator(sessions negotiation.Store, ledger credits.Ledger, distributor *incentives.Distributor, markers MarkerStore, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions:    sessions,
		ledger:      ledger,
		distributor: distributor,
		markers:     markers,
		cfg:         cfg,
		logger:      logger,
	}
}

// Settle releases the reservation made at accept (fully spent: the work was
// validated) and distributes the funds per the session's incentive split.
// Calling it twice fails on the second call: the reservation stamp is
// cleared once released.
func (c *Coordinator) Settle(ctx context.Context, negotiationID, validatorDID, proofID string) (*incentives.Distribution, error) {
	s, err := c.sessions.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if s.State != negotiation.StateAccepted {
		return nil, fmt.Errorf("%w: state is %s", ErrNotAccepted, s.State)
	}

	if !c.cfg.SettlementEnabled {
		c.logger.Info("settlement: disabled, skipping fund movement",
			"negotiation_id", negotiationID)
		return nil, nil
	}

	reserved := s.CurrentProposal.ReservedCredits()
	if reserved <= 0 {
		return nil, ErrNoReservation
	}

	now := time.Now().UTC()
	marker := Marker{
		NegotiationID: s.ID,
		IntentID:      s.IntentID,
		InitiatorDID:  s.InitiatorDID,
		AgentDID:      s.ResponderDID,
		ValidatorDID:  validatorDID,
		ProofID:       proofID,
		Amount:        reserved,
		Split:         s.IncentiveSplit,
		State:         MarkerReleasing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.markers.Put(ctx, marker); err != nil {
		return nil, err
	}

	dist, err := c.resume(ctx, marker)
	if err != nil {
		return nil, err
	}

	c.logger.Info("settlement: settled",
		"negotiation_id", s.ID,
		"intent_id", s.IntentID,
		"total", reserved,
		"agent", dist.AgentAmount,
		"broker", dist.BrokerAmount,
		"validator", dist.ValidatorAmount,
		"pool", dist.PoolAmount,
	)
	return dist, nil
}

// resume drives a marker the rest of the way to settled, from whichever
// step it crashed at. The ledger's transaction log is the source of truth
// for whether the release already happened, so re-entry never releases the
// same reservation twice (or consumes another reservation on the same
// initiator account).
func (c *Coordinator) resume(ctx context.Context, m Marker) (*incentives.Distribution, error) {
	released, err := c.releaseRecorded(ctx, m.InitiatorDID, m.IntentID)
	if err != nil {
		return nil, fmt.Errorf("settlement: check release log: %w", err)
	}
	if !released {
		// The whole reservation is treated as spent: work was completed.
		if err := c.ledger.Release(ctx, m.InitiatorDID, m.Amount, m.Amount, m.IntentID); err != nil {
			return nil, fmt.Errorf("settlement: release reservation: %w", err)
		}
	}
	if err := c.markers.SetState(ctx, m.NegotiationID, MarkerDistributing); err != nil {
		c.logger.Error("settlement: funds released but marker update failed",
			"negotiation_id", m.NegotiationID, "amount", m.Amount, "error", err)
		return nil, err
	}

	// Clear the stamp so a second settle fails the reservation guard.
	if _, err := c.sessions.Mutate(ctx, m.NegotiationID, func(s *negotiation.Session) error {
		if s.CurrentProposal != nil && s.CurrentProposal.CustomTerms != nil {
			s.CurrentProposal.CustomTerms[negotiation.ReservedCreditsKey] = int64(0)
		}
		s.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		c.logger.Error("settlement: funds released but reservation stamp not cleared",
			"negotiation_id", m.NegotiationID, "error", err)
		return nil, err
	}

	dist, err := c.distribute(ctx, m)
	if err != nil {
		// Funds are out of the initiator's account but nobody has been
		// credited yet. The marker stays in distributing for the sweep.
		c.logger.Error("settlement: funds released but not distributed; pending reconciliation",
			"negotiation_id", m.NegotiationID, "amount", m.Amount, "error", err)
		return nil, err
	}
	return dist, nil
}

// releaseRecorded walks the initiator's transaction log for a release row
// tagged with the intent.
func (c *Coordinator) releaseRecorded(ctx context.Context, initiatorDID, intentID string) (bool, error) {
	const page = 100
	for offset := 0; ; offset += page {
		txs, err := c.ledger.TransactionHistory(ctx, initiatorDID, page, offset)
		if err != nil {
			return false, err
		}
		for _, tx := range txs {
			if tx.Type == credits.TxRelease && tx.IntentID == intentID {
				return true, nil
			}
		}
		if len(txs) < page {
			return false, nil
		}
	}
}

// ReconcilePending re-drives settlements that crashed mid-flight: markers
// stuck in releasing (crashed around the release call) or distributing
// (released but not distributed). Returns how many were repaired.
func (c *Coordinator) ReconcilePending(ctx context.Context) (int, error) {
	repaired := 0
	for _, state := range []MarkerState{MarkerReleasing, MarkerDistributing} {
		stuck, err := c.markers.ListInState(ctx, state)
		if err != nil {
			return repaired, err
		}
		for _, m := range stuck {
			if _, err := c.resume(ctx, m); err != nil {
				c.logger.Error("settlement: reconciliation attempt failed",
					"negotiation_id", m.NegotiationID, "state", string(state),
					"amount", m.Amount, "error", err)
				continue
			}
			c.logger.Info("settlement: reconciled pending settlement",
				"negotiation_id", m.NegotiationID, "amount", m.Amount)
			repaired++
		}
	}
	return repaired, nil
}

func (c *Coordinator) distribute(ctx context.Context, m Marker) (*incentives.Distribution, error) {
	dist, err := c.distributor.Distribute(ctx, incentives.Params{
		IntentID:          m.IntentID,
		TotalAmount:       m.Amount,
		AgentDID:          m.AgentDID,
		BrokerDID:         c.cfg.BrokerDID,
		ValidatorDID:      m.ValidatorDID,
		Split:             m.Split,
		UsefulnessProofID: m.ProofID,
	})
	if err != nil {
		return nil, err
	}
	if err := c.markers.SetState(ctx, m.NegotiationID, MarkerSettled); err != nil {
		return nil, err
	}
	return dist, nil
}
