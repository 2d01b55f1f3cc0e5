package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Guard rule thresholds live in one file so the radar evaluator and the
// operator console can never disagree about what trips an alert.

type UnknownContactCloseRule struct {
	MaxRangeM  float64 `yaml:"max_range_m"`
	MinQuality float64 `yaml:"min_quality"`
	DebounceS  float64 `yaml:"debounce_s"`
	Severity   string  `yaml:"severity"`
}

type FoeApproachRule struct {
	MaxRangeM      float64 `yaml:"max_range_m"`
	ApproachRateMS float64 `yaml:"approach_rate_m_s"`
	DebounceS      float64 `yaml:"debounce_s"`
	Severity       string  `yaml:"severity"`
}

type SpoofingRule struct {
	WindowS   float64 `yaml:"window_s"`
	DebounceS float64 `yaml:"debounce_s"`
	Severity  string  `yaml:"severity"`
}

type GuardRules struct {
	UnknownContactClose       UnknownContactCloseRule `yaml:"unknown_contact_close"`
	FoeTransponderOffApproach FoeApproachRule         `yaml:"foe_transponder_off_approach"`
	SpoofingDetected          SpoofingRule            `yaml:"spoofing_detected"`
}

// LoadGuardRules reads path and fills defaults for absent thresholds.
func LoadGuardRules(path string) (*GuardRules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open guard rules: %w", err)
	}
	defer f.Close()

	var gr GuardRules
	if err := yaml.NewDecoder(f).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode guard rules: %w", err)
	}
	gr.applyDefaults()
	return &gr, nil
}

// DefaultGuardRules returns the canonical thresholds used when no rule file
// is present.
func DefaultGuardRules() *GuardRules {
	gr := &GuardRules{}
	gr.applyDefaults()
	return gr
}

func (g *GuardRules) applyDefaults() {
	if g.UnknownContactClose.MaxRangeM == 0 {
		g.UnknownContactClose.MaxRangeM = 50
	}
	if g.UnknownContactClose.MinQuality == 0 {
		g.UnknownContactClose.MinQuality = 0.5
	}
	if g.UnknownContactClose.DebounceS == 0 {
		g.UnknownContactClose.DebounceS = 10
	}
	if g.UnknownContactClose.Severity == "" {
		g.UnknownContactClose.Severity = "WARN"
	}

	if g.FoeTransponderOffApproach.MaxRangeM == 0 {
		g.FoeTransponderOffApproach.MaxRangeM = 200
	}
	if g.FoeTransponderOffApproach.ApproachRateMS == 0 {
		g.FoeTransponderOffApproach.ApproachRateMS = 1
	}
	if g.FoeTransponderOffApproach.DebounceS == 0 {
		g.FoeTransponderOffApproach.DebounceS = 10
	}
	if g.FoeTransponderOffApproach.Severity == "" {
		g.FoeTransponderOffApproach.Severity = "ERROR"
	}

	if g.SpoofingDetected.WindowS == 0 {
		g.SpoofingDetected.WindowS = 5
	}
	if g.SpoofingDetected.DebounceS == 0 {
		g.SpoofingDetected.DebounceS = 10
	}
	if g.SpoofingDetected.Severity == "" {
		g.SpoofingDetected.Severity = "ERROR"
	}
}
