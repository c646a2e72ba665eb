package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific overlay: per-environment limits, default
// ttls, and the operations enabled there. Profiles never change protocol
// semantics, only which operations are exposed and how hard they are bounded.
type Profile struct {
	Name       string          `yaml:"name" json:"name"`
	Code       string          `yaml:"code" json:"code"`
	Limits     LimitsConfig    `yaml:"limits" json:"limits"`
	Defaults   DefaultsConfig  `yaml:"defaults" json:"defaults"`
	Operations OperationsGate  `yaml:"operations" json:"operations"`
	Retention  RetentionConfig `yaml:"retention" json:"retention"`
}

// LimitsConfig bounds request traffic per deployment.
type LimitsConfig struct {
	CallRPS      int `yaml:"call_rps" json:"call_rps"`
	CallBurst    int `yaml:"call_burst" json:"call_burst"`
	MaxBodyBytes int `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// DefaultsConfig carries defaults applied to operations that declare none.
type DefaultsConfig struct {
	TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds"`
	MaxSyncMs  int `yaml:"max_sync_ms" json:"max_sync_ms"`
}

// OperationsGate restricts which operations a deployment serves.
type OperationsGate struct {
	Mode      string   `yaml:"mode" json:"mode"` // "all" | "allowlist" | "denylist"
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist  []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// RetentionConfig bounds how long instance rows outlive their expiry.
type RetentionConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	MaxInstanceDays      int `yaml:"max_instance_days" json:"max_instance_days"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Serves reports whether the profile exposes an operation.
func (p *Profile) Serves(op string) bool {
	switch p.Operations.Mode {
	case "allowlist":
		for _, name := range p.Operations.Allowlist {
			if name == op {
				return true
			}
		}
		return false
	case "denylist":
		for _, name := range p.Operations.Denylist {
			if name == op {
				return false
			}
		}
		return true
	default:
		return true
	}
}
