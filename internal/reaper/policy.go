package reaper

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the optional sweep-policy override loaded from
// REAPER_POLICY_FILE, a config-file escape hatch for rarer, operator-tunable
// knobs. Fields left at their zero value do not override the env-configured
// default.
type Policy struct {
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoadPolicyFile reads and parses a YAML sweep-policy override file.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("op=reaper.load_policy_file.read: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("op=reaper.load_policy_file.decode: %w", err)
	}
	return p, nil
}
