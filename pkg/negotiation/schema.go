package negotiation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// proposalSchema validates inbound proposal documents before decoding.
// Unknown custom_terms keys pass through untouched.
const proposalSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"price": {"type": "number", "minimum": 0},
		"delivery_time": {"type": "number", "minimum": 0},
		"quality_sla": {"type": "number", "minimum": 0, "maximum": 1},
		"incentive_split": {
			"type": "object",
			"properties": {
				"agent": {"type": "number", "minimum": 0},
				"broker": {"type": "number", "minimum": 0},
				"validator": {"type": "number", "minimum": 0},
				"pool": {"type": "number", "minimum": 0}
			},
			"required": ["agent", "broker", "validator", "pool"],
			"additionalProperties": false
		},
		"custom_terms": {"type": "object"}
	},
	"additionalProperties": false
}`

var (
	proposalSchemaOnce     sync.Once
	proposalSchemaCompiled *jsonschema.Schema
	proposalSchemaErr      error
)

func compiledProposalSchema() (*jsonschema.Schema, error) {
	proposalSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://ainp.schemas.local/proposal_terms.schema.json"
		if err := c.AddResource(url, strings.NewReader(proposalSchema)); err != nil {
			proposalSchemaErr = fmt.Errorf("negotiation: load proposal schema: %w", err)
			return
		}
		proposalSchemaCompiled, proposalSchemaErr = c.Compile(url)
	})
	return proposalSchemaCompiled, proposalSchemaErr
}

// ParseProposal validates a raw proposal document against the schema and
// decodes it. Validation failures wrap ErrValidation.
func ParseProposal(data []byte) (ProposalTerms, error) {
	schema, err := compiledProposalSchema()
	if err != nil {
		return ProposalTerms{}, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return ProposalTerms{}, fmt.Errorf("%w: malformed proposal document: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return ProposalTerms{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var terms ProposalTerms
	if err := json.Unmarshal(data, &terms); err != nil {
		return ProposalTerms{}, fmt.Errorf("%w: decode proposal: %v", ErrValidation, err)
	}
	if terms.IncentiveSplit != nil {
		if err := terms.IncentiveSplit.Validate(); err != nil {
			return ProposalTerms{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return terms, nil
}
