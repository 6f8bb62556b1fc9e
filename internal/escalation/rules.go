package escalation

import (
	"fmt"
	"os"

	"github.com/ashureev/handoffd/internal/domain"
	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk YAML layout.
//
//	business_hours:
//	  timezone: Europe/Berlin
//	  days: [mon, tue, wed, thu, fri]
//	  open: "09:00"
//	  close: "18:00"
//	  holidays: ["2026-12-25"]
//	vip_severity_floor: high
//	rules:
//	  - name: human_requested
//	    severity: medium
//	    patterns: ["*talk to a human*", "*real person*"]
type RulesFile struct {
	BusinessHours    *BusinessHoursConfig `yaml:"business_hours"`
	VIPSeverityFloor string               `yaml:"vip_severity_floor"`
	Rules            []RuleConfig         `yaml:"rules"`
}

// BusinessHoursConfig is the YAML form of BusinessHours.
type BusinessHoursConfig struct {
	Timezone string   `yaml:"timezone"`
	Days     []string `yaml:"days"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Holidays []string `yaml:"holidays"`
}

// RuleConfig is one named keyword rule.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Severity string   `yaml:"severity"`
	Patterns []string `yaml:"patterns"`
}

// DefaultRules is used when no rules file is configured.
var DefaultRules = RulesFile{
	VIPSeverityFloor: string(domain.SeverityHigh),
	Rules: []RuleConfig{
		{Name: "human_requested", Severity: "medium", Patterns: []string{
			"*human*", "*real person*", "*live agent*", "*speak to someone*",
		}},
		{Name: "angry_customer", Severity: "high", Patterns: []string{
			"*angry*", "*furious*", "*unacceptable*", "*terrible service*",
		}},
		{Name: "legal_threat", Severity: "critical", Patterns: []string{
			"*lawyer*", "*lawsuit*", "*sue you*",
		}},
	},
}

// ParseRules decodes and compiles a rules document.
func ParseRules(data []byte) (*Detector, error) {
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w: parse rules: %v", domain.ErrInvalidArgument, err)
	}
	return Compile(rf)
}

// LoadRules reads and compiles the rules file at path.
func LoadRules(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	d, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return d, nil
}

// Compile validates rf and builds an immutable Detector from it.
func Compile(rf RulesFile) (*Detector, error) {
	var hours *BusinessHours
	if rf.BusinessHours != nil {
		bh, err := NewBusinessHours(*rf.BusinessHours)
		if err != nil {
			return nil, err
		}
		hours = bh
	}

	var floor domain.Severity
	if rf.VIPSeverityFloor != "" {
		sev, err := domain.ParseSeverity(rf.VIPSeverityFloor)
		if err != nil {
			return nil, fmt.Errorf("vip_severity_floor: %w", err)
		}
		floor = sev
	}

	rules := make([]*Rule, 0, len(rf.Rules))
	seen := make(map[string]bool, len(rf.Rules))
	for i, rc := range rf.Rules {
		if rc.Name == "" {
			return nil, fmt.Errorf("%w: rule %d has no name", domain.ErrInvalidArgument, i)
		}
		if seen[rc.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", domain.ErrInvalidArgument, rc.Name)
		}
		seen[rc.Name] = true
		r, err := NewRule(rc.Name, rc.Severity, rc.Patterns...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return New(rules, hours, floor), nil
}

// Default returns a detector built from DefaultRules.
func Default() *Detector {
	d, err := Compile(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("default escalation rules: %v", err))
	}
	return d
}
