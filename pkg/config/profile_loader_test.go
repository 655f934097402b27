package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const mainProfileYAML = `name: Main Marketplace
negotiation:
  max_rounds_ceiling: 8
  default_max_rounds: 6
  default_ttl_minutes: 15
incentives:
  agent_share: 0.80
  broker_share: 0.10
  validator_share: 0.05
  pool_share: 0.05
  min_usefulness: 10
auto_accept:
  enabled: true
  expression: "convergence_score > 0.95 && rounds >= 2"
`

const researchProfileYAML = `name: Research Marketplace
code: research
negotiation:
  default_max_rounds: 4
incentives:
  agent_share: 0.90
  broker_share: 0.05
  validator_share: 0.03
  pool_share: 0.02
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile_main.yaml"), []byte(mainProfileYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profile_research.yaml"), []byte(researchProfileYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadProfile_Main(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "main")
	if err != nil {
		t.Fatalf("LoadProfile(main): %v", err)
	}
	if p.Name != "Main Marketplace" {
		t.Errorf("expected name 'Main Marketplace', got %q", p.Name)
	}
	if p.Code != "main" {
		t.Errorf("code should default from filename, got %q", p.Code)
	}
	if !p.AutoAccept.Enabled {
		t.Error("main profile should enable auto-accept")
	}
	if p.Incentives.MinUsefulness != 10 {
		t.Errorf("expected min_usefulness 10, got %v", p.Incentives.MinUsefulness)
	}
	if !p.HasSplit() {
		t.Error("main profile should carry a split")
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	dir := writeProfiles(t)
	if _, err := LoadProfile(dir, "nope"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := writeProfiles(t)
	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if _, ok := profiles["research"]; !ok {
		t.Error("research profile missing")
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestApply_OverlaysNonZeroFields(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "research")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		MaxRoundsCeiling: 10,
		DefaultMaxRounds: 10,
		DefaultTTL:       5 * time.Minute,
	}
	p.Apply(cfg)

	if cfg.DefaultMaxRounds != 4 {
		t.Errorf("expected default_max_rounds 4, got %d", cfg.DefaultMaxRounds)
	}
	// Fields absent from the profile keep their values.
	if cfg.MaxRoundsCeiling != 10 {
		t.Errorf("ceiling should be untouched, got %d", cfg.MaxRoundsCeiling)
	}
	if cfg.DefaultTTL != 5*time.Minute {
		t.Errorf("ttl should be untouched, got %v", cfg.DefaultTTL)
	}
}
