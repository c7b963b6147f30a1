package allocation

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed causes.yaml
var defaultPolicyYAML []byte

type policyFile struct {
	Strict        bool       `yaml:"strict"`
	DefaultRegion string     `yaml:"default_region"`
	Regions       []string   `yaml:"regions"`
	Causes        []ruleFile `yaml:"causes"`
}

type ruleFile struct {
	Cause   string   `yaml:"cause"`
	Regions []string `yaml:"regions"`
	Default string   `yaml:"default"`
}

// Rule is one row of the cause table.
type Rule struct {
	Cause         string
	Regions       []string
	DefaultRegion string
}

func (r Rule) Allows(region string) bool {
	return slices.Contains(r.Regions, region)
}

// Policy is the cause -> region table the validator consults. It is immutable
// after load and safe for concurrent use.
type Policy struct {
	strict        bool
	defaultRegion string
	regions       []string
	rules         map[string]Rule
}

// DefaultPolicy returns the table compiled into the binary.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded cause policy: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file; an empty path gives the embedded default.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(content)
}

func ParsePolicy(content []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse cause policy: %w", err)
	}

	p := &Policy{
		strict:        file.Strict,
		defaultRegion: normalizeRegion(file.DefaultRegion),
		rules:         make(map[string]Rule, len(file.Causes)),
	}
	for _, r := range file.Regions {
		p.regions = append(p.regions, normalizeRegion(r))
	}
	if len(p.regions) == 0 {
		return nil, fmt.Errorf("cause policy: no regions")
	}
	if p.defaultRegion == "" {
		p.defaultRegion = p.regions[0]
	}
	if !slices.Contains(p.regions, p.defaultRegion) {
		return nil, fmt.Errorf("cause policy: default region %q is not listed", p.defaultRegion)
	}

	for _, rf := range file.Causes {
		rule := Rule{Cause: normalizeCause(rf.Cause)}
		if rule.Cause == "" {
			return nil, fmt.Errorf("cause policy: rule without cause")
		}
		if _, dup := p.rules[rule.Cause]; dup {
			return nil, fmt.Errorf("cause policy: duplicate cause %q", rule.Cause)
		}
		for _, r := range rf.Regions {
			region := normalizeRegion(r)
			if !slices.Contains(p.regions, region) {
				return nil, fmt.Errorf("cause policy: cause %q uses unknown region %q", rule.Cause, region)
			}
			rule.Regions = append(rule.Regions, region)
		}
		if len(rule.Regions) == 0 {
			return nil, fmt.Errorf("cause policy: cause %q has no regions", rule.Cause)
		}
		rule.DefaultRegion = rule.Regions[0]
		if rf.Default != "" {
			rule.DefaultRegion = normalizeRegion(rf.Default)
			if !rule.Allows(rule.DefaultRegion) {
				return nil, fmt.Errorf("cause policy: cause %q default %q is not allowed", rule.Cause, rule.DefaultRegion)
			}
		}
		p.rules[rule.Cause] = rule
	}
	return p, nil
}

func (p *Policy) Rule(cause string) (Rule, bool) {
	r, ok := p.rules[normalizeCause(cause)]
	return r, ok
}

func (p *Policy) Regions() []string {
	return slices.Clone(p.regions)
}

func (p *Policy) KnownRegion(region string) bool {
	return slices.Contains(p.regions, normalizeRegion(region))
}

func normalizeCause(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeRegion(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
