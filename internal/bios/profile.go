// Package bios models the virtual firmware of the craft: it loads the
// declared hardware profile, runs the power-on self test over it, and
// publishes the status event other services key their trust decisions on.
package bios

import (
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/qiki/dtmp/internal/contracts"
)

// Device is one entry in the hardware profile. The twin has no physical bus
// to probe, so each device declares the health it reports under POST;
// editing the profile is how operators inject hardware faults.
type Device struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
	Health   string `yaml:"health,omitempty" json:"health,omitempty"`
}

// Profile is the parsed hardware_profile.yaml. Manifest carries the build
// identifiers (board revision, firmware image, loadout) that participate in
// the profile hash alongside the device list.
type Profile struct {
	SchemaVersion int               `yaml:"schema_version" json:"schema_version"`
	CraftID       string            `yaml:"craft_id" json:"craft_id"`
	Devices       []Device          `yaml:"devices" json:"devices"`
	Manifest      map[string]string `yaml:"manifest,omitempty" json:"manifest,omitempty"`
}

// LoadProfile reads and validates a hardware profile file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hardware profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse hardware profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("hardware profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects profiles that cannot produce a meaningful POST.
func (p *Profile) Validate() error {
	if p.SchemaVersion != 1 {
		return fmt.Errorf("unsupported schema_version %d", p.SchemaVersion)
	}
	if len(p.Devices) == 0 {
		return fmt.Errorf("no devices declared")
	}
	seen := make(map[string]bool, len(p.Devices))
	for _, d := range p.Devices {
		if d.ID == "" {
			return fmt.Errorf("device with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		switch strings.ToLower(d.Health) {
		case "", "ok", "warn", "fail", "critical", "absent":
		default:
			return fmt.Errorf("device %s: unknown health %q", d.ID, d.Health)
		}
	}
	return nil
}

// Hash returns the canonical profile hash. Telemetry and BIOS status loaded
// from the same profile state must report the same value.
func (p *Profile) Hash() (string, error) {
	return contracts.HardwareProfileHash(map[string]any{
		"schema_version": p.SchemaVersion,
		"craft_id":       p.CraftID,
		"devices":        p.Devices,
	}, p.Manifest)
}
