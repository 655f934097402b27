package incentives_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/credits"
	"github.com/ainp-labs/broker/pkg/incentives"
)

func TestDistribute_ExactSum(t *testing.T) {
	ctx := context.Background()
	ledger := credits.NewMemoryLedger()
	d := incentives.NewDistributor(ledger, nil, nil)

	// 0.80/0.10/0.05/0.05 over 90001 produces floor loss that the pool
	// bucket must absorb.
	dist, err := d.Distribute(ctx, incentives.Params{
		IntentID:     "intent-1",
		TotalAmount:  90001,
		AgentDID:     "did:ainp:worker",
		BrokerDID:    "did:ainp:broker",
		ValidatorDID: "did:ainp:validator",
		Split:        incentives.DefaultSplit(),
	})
	require.NoError(t, err)

	sum := dist.AgentAmount + dist.BrokerAmount + dist.ValidatorAmount + dist.PoolAmount
	assert.Equal(t, int64(90001), sum)
	assert.Equal(t, int64(72000), dist.AgentAmount)
	assert.Equal(t, int64(9000), dist.BrokerAmount)
	assert.Equal(t, int64(4500), dist.ValidatorAmount)

	worker, err := ledger.GetAccount(ctx, "did:ainp:worker")
	require.NoError(t, err)
	assert.Equal(t, dist.AgentAmount, worker.Earned)

	broker, err := ledger.GetAccount(ctx, "did:ainp:broker")
	require.NoError(t, err)
	assert.Equal(t, dist.BrokerAmount, broker.Earned)
}

func TestDistribute_SkipsEmptyDIDs(t *testing.T) {
	ctx := context.Background()
	ledger := credits.NewMemoryLedger()
	d := incentives.NewDistributor(ledger, nil, nil)

	dist, err := d.Distribute(ctx, incentives.Params{
		IntentID:    "intent-1",
		TotalAmount: 1000,
		AgentDID:    "did:ainp:worker",
		Split:       incentives.Split{Agent: 0.9, Broker: 0.0, Validator: 0.05, Pool: 0.05},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), dist.AgentAmount)

	// No broker or validator DID supplied: their accounts never appear.
	acc, err := ledger.GetAccount(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestDistribute_RejectsBadSplit(t *testing.T) {
	d := incentives.NewDistributor(credits.NewMemoryLedger(), nil, nil)

	_, err := d.Distribute(context.Background(), incentives.Params{
		TotalAmount: 1000,
		AgentDID:    "did:ainp:worker",
		Split:       incentives.Split{Agent: 0.5, Broker: 0.1, Validator: 0.1, Pool: 0.1},
	})
	assert.ErrorIs(t, err, incentives.ErrInvalidSplit)

	_, err = d.Distribute(context.Background(), incentives.Params{
		TotalAmount: 1000,
		AgentDID:    "did:ainp:worker",
		Split:       incentives.Split{Agent: 1.2, Broker: -0.2, Validator: 0, Pool: 0},
	})
	assert.ErrorIs(t, err, incentives.ErrInvalidSplit)
}

func TestDistributeUsefulnessRewards_Proportional(t *testing.T) {
	ctx := context.Background()
	ledger := credits.NewMemoryLedger()
	scores := incentives.NewMemoryScores()
	require.NoError(t, scores.SetScore(ctx, "did:ainp:a", 30))
	require.NoError(t, scores.SetScore(ctx, "did:ainp:b", 10))
	require.NoError(t, scores.SetScore(ctx, "did:ainp:c", 5)) // below min

	d := incentives.NewDistributor(ledger, scores, nil)
	out, err := d.DistributeUsefulnessRewards(ctx, 1000, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(750), out["did:ainp:a"])
	assert.Equal(t, int64(250), out["did:ainp:b"])
	_, hasC := out["did:ainp:c"]
	assert.False(t, hasC)

	a, err := ledger.GetAccount(ctx, "did:ainp:a")
	require.NoError(t, err)
	assert.Equal(t, int64(750), a.Earned)
}

func TestDistributeUsefulnessRewards_NobodyQualifies(t *testing.T) {
	ctx := context.Background()
	scores := incentives.NewMemoryScores()
	require.NoError(t, scores.SetScore(ctx, "did:ainp:a", 3))

	d := incentives.NewDistributor(credits.NewMemoryLedger(), scores, nil)
	out, err := d.DistributeUsefulnessRewards(ctx, 1000, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDistributeUsefulnessRewards_NegativePool(t *testing.T) {
	ctx := context.Background()
	ledger := credits.NewMemoryLedger()
	scores := incentives.NewMemoryScores()
	require.NoError(t, scores.SetScore(ctx, "did:ainp:a", 30))

	d := incentives.NewDistributor(ledger, scores, nil)
	out, err := d.DistributeUsefulnessRewards(ctx, -1000, 10)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
	assert.Nil(t, out)

	_, err = ledger.GetAccount(ctx, "did:ainp:a")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestSplitValidate(t *testing.T) {
	assert.NoError(t, incentives.DefaultSplit().Validate())
	// Within the 0.001 tolerance.
	assert.NoError(t, incentives.Split{Agent: 0.8004, Broker: 0.1, Validator: 0.05, Pool: 0.05}.Validate())
	assert.Error(t, incentives.Split{Agent: 0.81, Broker: 0.1, Validator: 0.05, Pool: 0.05}.Validate())
}
