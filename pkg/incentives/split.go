// Package incentives fans settled funds out to participants: split-based
// distribution of a negotiation's settled amount, and usefulness-proportional
// reward distribution over cached agent scores.
package incentives

import (
	"errors"
	"fmt"
	"math"
)

// SplitTolerance is the permitted deviation of the four fractions from 1.0.
const SplitTolerance = 0.001

// ErrInvalidSplit is returned when the four fractions do not sum to 1.0
// within SplitTolerance, or any fraction is negative.
var ErrInvalidSplit = errors.New("incentives: invalid incentive split")

// Split is the agreed fractional allocation of settled funds.
type Split struct {
	Agent     float64 `json:"agent"`
	Broker    float64 `json:"broker"`
	Validator float64 `json:"validator"`
	Pool      float64 `json:"pool"`
}

// DefaultSplit is used when a proposal carries no split of its own.
func DefaultSplit() Split {
	return Split{Agent: 0.80, Broker: 0.10, Validator: 0.05, Pool: 0.05}
}

// Validate checks the fractions are non-negative and sum to 1.0 within
// tolerance.
func (s Split) Validate() error {
	if s.Agent < 0 || s.Broker < 0 || s.Validator < 0 || s.Pool < 0 {
		return fmt.Errorf("%w: negative fraction", ErrInvalidSplit)
	}
	sum := s.Agent + s.Broker + s.Validator + s.Pool
	if math.Abs(sum-1.0) > SplitTolerance {
		return fmt.Errorf("%w: fractions sum to %v", ErrInvalidSplit, sum)
	}
	return nil
}
