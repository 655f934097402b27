package incentives

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ainp-labs/broker/pkg/credits"
)

// UsefulnessRewardRef tags usefulness-reward earnings in the transaction log
// in place of a per-negotiation intent id.
const UsefulnessRewardRef = "usefulness_reward"

// Params describes one settled negotiation to distribute.
type Params struct {
	IntentID          string
	TotalAmount       int64 // atomic units
	AgentDID          string
	BrokerDID         string // optional
	ValidatorDID      string // optional
	Split             Split
	UsefulnessProofID string // optional
}

// Distribution is the computed breakdown. The four buckets always sum to
// exactly the input total: the pool bucket absorbs all floor-rounding loss.
type Distribution struct {
	AgentAmount     int64 `json:"agent_amount"`
	BrokerAmount    int64 `json:"broker_amount"`
	ValidatorAmount int64 `json:"validator_amount"`
	PoolAmount      int64 `json:"pool_amount"`
}

// ScoreSource supplies cached usefulness scores per agent DID.
type ScoreSource interface {
	Scores(ctx context.Context) (map[string]float64, error)
	SetScore(ctx context.Context, agentDID string, score float64) error
}

// Distributor credits settled funds to participants through the ledger.
type Distributor struct {
	ledger credits.Ledger
	scores ScoreSource
	logger *slog.Logger
}

func NewDistributor(ledger credits.Ledger, scores ScoreSource, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{ledger: ledger, scores: scores, logger: logger}
}

// Distribute fans p.TotalAmount out per the split. The agent is credited
// unconditionally; broker and validator only when a DID was supplied and
// their computed amount is non-zero. The pool amount is accounted for in the
// returned breakdown but not credited anywhere yet.
func (d *Distributor) Distribute(ctx context.Context, p Params) (*Distribution, error) {
	if err := p.Split.Validate(); err != nil {
		return nil, err
	}
	if p.TotalAmount < 0 {
		return nil, credits.ErrInvalidAmount
	}

	dist := &Distribution{
		AgentAmount:     int64(math.Floor(float64(p.TotalAmount) * p.Split.Agent)),
		BrokerAmount:    int64(math.Floor(float64(p.TotalAmount) * p.Split.Broker)),
		ValidatorAmount: int64(math.Floor(float64(p.TotalAmount) * p.Split.Validator)),
	}
	dist.PoolAmount = p.TotalAmount - dist.AgentAmount - dist.BrokerAmount - dist.ValidatorAmount

	if err := d.ledger.Earn(ctx, p.AgentDID, dist.AgentAmount, p.IntentID, p.UsefulnessProofID); err != nil {
		return nil, fmt.Errorf("incentives: credit agent: %w", err)
	}
	if p.BrokerDID != "" && dist.BrokerAmount > 0 {
		if err := d.ledger.Earn(ctx, p.BrokerDID, dist.BrokerAmount, p.IntentID, ""); err != nil {
			return nil, fmt.Errorf("incentives: credit broker: %w", err)
		}
	}
	if p.ValidatorDID != "" && dist.ValidatorAmount > 0 {
		if err := d.ledger.Earn(ctx, p.ValidatorDID, dist.ValidatorAmount, p.IntentID, ""); err != nil {
			return nil, fmt.Errorf("incentives: credit validator: %w", err)
		}
	}

	d.logger.Info("incentives: distributed",
		"intent_id", p.IntentID,
		"total", p.TotalAmount,
		"agent", dist.AgentAmount,
		"broker", dist.BrokerAmount,
		"validator", dist.ValidatorAmount,
		"pool", dist.PoolAmount,
	)
	return dist, nil
}

// DistributeUsefulnessRewards splits rewardPool across all agents whose
// cached usefulness score is at least minScore, proportionally to score with
// floor rounding. The rounding shortfall is not distributed. Returns the
// per-agent amounts; an empty map (without error) when nobody qualifies or
// the qualifying total is zero.
func (d *Distributor) DistributeUsefulnessRewards(ctx context.Context, rewardPool int64, minScore float64) (map[string]int64, error) {
	if rewardPool < 0 {
		return nil, credits.ErrInvalidAmount
	}
	if d.scores == nil {
		return map[string]int64{}, nil
	}
	all, err := d.scores.Scores(ctx)
	if err != nil {
		return nil, fmt.Errorf("incentives: load scores: %w", err)
	}

	qualifying := make(map[string]float64)
	var total float64
	for did, score := range all {
		if score >= minScore {
			qualifying[did] = score
			total += score
		}
	}
	if len(qualifying) == 0 || total == 0 {
		return map[string]int64{}, nil
	}

	out := make(map[string]int64, len(qualifying))
	for did, score := range qualifying {
		amount := int64(math.Floor(float64(rewardPool) * score / total))
		if amount > 0 {
			if err := d.ledger.Earn(ctx, did, amount, UsefulnessRewardRef, UsefulnessRewardRef); err != nil {
				return nil, fmt.Errorf("incentives: credit usefulness reward: %w", err)
			}
		}
		out[did] = amount
	}

	d.logger.Info("incentives: usefulness rewards distributed",
		"pool", rewardPool, "recipients", len(out), "min_score", minScore)
	return out, nil
}
