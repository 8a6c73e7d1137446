package reason

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/savornet/backline/internal/types"
)

// Rulepack is a YAML file carrying replacement rule sets. A pack replaces
// the rule set of every dimension it mentions and leaves the rest on
// builtins, so a deployment can tune one dimension without restating the
// whole catalog.
type Rulepack struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulepack reads and validates a rulepack file.
func LoadRulepack(path string) (*Rulepack, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from user configuration
	if err != nil {
		return nil, fmt.Errorf("read rulepack %s: %w", path, err)
	}

	var pack Rulepack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse rulepack %s: %w", path, err)
	}

	seen := make(map[string]bool, len(pack.Rules))
	for _, r := range pack.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rulepack %s: %w", path, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rulepack %s: duplicate rule id %q", path, r.ID)
		}
		seen[r.ID] = true
	}
	return &pack, nil
}

// RuleSets merges the pack over the builtin catalog: dimensions the pack
// mentions are replaced wholesale, the rest keep their builtins.
func (p *Rulepack) RuleSets() map[types.Dimension][]Rule {
	out := make(map[types.Dimension][]Rule, len(builtinRules))
	for dim := range builtinRules {
		out[dim] = BuiltinRules(dim)
	}
	packed := make(map[types.Dimension][]Rule)
	for _, r := range p.Rules {
		packed[r.Dimension] = append(packed[r.Dimension], r)
	}
	for dim, rules := range packed {
		out[dim] = rules
	}
	return out
}
