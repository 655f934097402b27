package negotiation

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// AcceptPolicy is a CEL predicate over negotiation state that upstream
// callers use to decide when an offer is good enough to accept without
// human review, e.g.
//
//	convergence_score >= 0.9 && rounds >= 2 && price <= 150.0
//
// Evaluation is fail-closed: any error reads as "not eligible".
type AcceptPolicy struct {
	source  string
	program cel.Program
}

// NewAcceptPolicy compiles the expression once; Eval reuses the program.
func NewAcceptPolicy(expr string) (*AcceptPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.StringType),
		cel.Variable("convergence_score", cel.DoubleType),
		cel.Variable("rounds", cel.IntType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("delivery_time", cel.DoubleType),
		cel.Variable("quality_sla", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("negotiation: create policy environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("negotiation: compile accept policy: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("negotiation: accept policy must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("negotiation: build accept policy program: %w", err)
	}
	return &AcceptPolicy{source: expr, program: program}, nil
}

// Eval applies the policy to the session's current proposal. Absent proposal
// fields evaluate as zero.
func (p *AcceptPolicy) Eval(s *Session) (bool, error) {
	var price, delivery, quality float64
	if cp := s.CurrentProposal; cp != nil {
		if cp.Price != nil {
			price = *cp.Price
		}
		if cp.DeliveryTime != nil {
			delivery = *cp.DeliveryTime
		}
		if cp.QualitySLA != nil {
			quality = *cp.QualitySLA
		}
	}
	out, _, err := p.program.Eval(map[string]any{
		"state":             string(s.State),
		"convergence_score": s.ConvergenceScore,
		"rounds":            int64(len(s.Rounds)),
		"price":             price,
		"delivery_time":     delivery,
		"quality_sla":       quality,
	})
	if err != nil {
		return false, fmt.Errorf("negotiation: evaluate accept policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("negotiation: accept policy returned %T, want bool", out.Value())
	}
	return allowed, nil
}
