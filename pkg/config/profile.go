package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AdmissionProfile is the operator-editable tuning for the admission
// pipeline: what the security filter rejects and which markers vote input
// into a tier. Hardcoded defaults apply for anything left empty.
type AdmissionProfile struct {
	Name          string   `yaml:"name" json:"name"`
	MaxInputBytes int      `yaml:"max_input_bytes,omitempty" json:"max_input_bytes,omitempty"`
	DenyRules     []string `yaml:"deny_rules,omitempty" json:"deny_rules,omitempty"`
	// PayloadSchema is a JSON Schema applied to JSON inputs.
	PayloadSchema string `yaml:"payload_schema,omitempty" json:"payload_schema,omitempty"`
	// HighMarkers and MediumMarkers replace the keyword classifier's
	// built-in vocabularies when set.
	HighMarkers   []string `yaml:"high_markers,omitempty" json:"high_markers,omitempty"`
	MediumMarkers []string `yaml:"medium_markers,omitempty" json:"medium_markers,omitempty"`
}

// LoadAdmissionProfile reads and parses one profile file.
func LoadAdmissionProfile(path string) (*AdmissionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load admission profile: %w", err)
	}

	var profile AdmissionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse admission profile %s: %w", path, err)
	}
	return &profile, nil
}
