package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MarketplaceProfile represents a marketplace-specific configuration
// profile. A deployment serving several agent marketplaces can carry one
// profile per marketplace, each with its own negotiation defaults and
// incentive split.
type MarketplaceProfile struct {
	Name        string            `yaml:"name" json:"name"`
	Code        string            `yaml:"code" json:"code"`
	Negotiation NegotiationConfig `yaml:"negotiation" json:"negotiation"`
	Incentives  IncentivesConfig  `yaml:"incentives" json:"incentives"`
	AutoAccept  AutoAcceptConfig  `yaml:"auto_accept" json:"auto_accept"`
}

// NegotiationConfig holds per-marketplace negotiation defaults.
type NegotiationConfig struct {
	MaxRoundsCeiling int `yaml:"max_rounds_ceiling" json:"max_rounds_ceiling"`
	DefaultMaxRounds int `yaml:"default_max_rounds" json:"default_max_rounds"`
	DefaultTTLMin    int `yaml:"default_ttl_minutes" json:"default_ttl_minutes"`
}

// IncentivesConfig holds the marketplace's default incentive split and
// usefulness reward parameters.
type IncentivesConfig struct {
	AgentShare     float64 `yaml:"agent_share" json:"agent_share"`
	BrokerShare    float64 `yaml:"broker_share" json:"broker_share"`
	ValidatorShare float64 `yaml:"validator_share" json:"validator_share"`
	PoolShare      float64 `yaml:"pool_share" json:"pool_share"`
	MinUsefulness  float64 `yaml:"min_usefulness,omitempty" json:"min_usefulness,omitempty"`
}

// AutoAcceptConfig controls the auto-accept eligibility flag.
type AutoAcceptConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// LoadProfile loads a marketplace profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*MarketplaceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile MarketplaceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*MarketplaceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*MarketplaceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile MarketplaceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_main.yaml -> main
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's negotiation defaults onto cfg. Zero values
// in the profile leave the corresponding cfg field untouched.
func (p *MarketplaceProfile) Apply(cfg *Config) {
	if p.Negotiation.MaxRoundsCeiling > 0 {
		cfg.MaxRoundsCeiling = p.Negotiation.MaxRoundsCeiling
	}
	if p.Negotiation.DefaultMaxRounds > 0 {
		cfg.DefaultMaxRounds = p.Negotiation.DefaultMaxRounds
	}
	if p.Negotiation.DefaultTTLMin > 0 {
		cfg.DefaultTTL = time.Duration(p.Negotiation.DefaultTTLMin) * time.Minute
	}
}

// HasSplit reports whether the profile carries a complete incentive split.
func (p *MarketplaceProfile) HasSplit() bool {
	i := p.Incentives
	return i.AgentShare+i.BrokerShare+i.ValidatorShare+i.PoolShare > 0
}
