package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptPolicy_CompileErrors(t *testing.T) {
	_, err := NewAcceptPolicy(`convergence_score >=`)
	assert.Error(t, err)

	// Non-boolean output is rejected at compile time.
	_, err = NewAcceptPolicy(`price + 1.0`)
	assert.Error(t, err)
}

func TestAcceptPolicy_Eval(t *testing.T) {
	p, err := NewAcceptPolicy(`state == "counter_proposed" && convergence_score >= 0.95 && rounds >= 3`)
	require.NoError(t, err)

	s := &Session{
		State:            StateCounterProposed,
		ConvergenceScore: 0.97,
		Rounds:           make([]Round, 3),
	}
	ok, err := p.Eval(s)
	require.NoError(t, err)
	assert.True(t, ok)

	s.ConvergenceScore = 0.5
	ok, err = p.Eval(s)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcceptPolicy_AbsentFieldsReadAsZero(t *testing.T) {
	p, err := NewAcceptPolicy(`price == 0.0 && quality_sla == 0.0`)
	require.NoError(t, err)

	ok, err := p.Eval(&Session{State: StateProposed})
	require.NoError(t, err)
	assert.True(t, ok)
}
