// Package escalation decides when a bot-handled session needs a human and
// whether a human is available to take it.
package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/gobwas/glob"
)

// Action is the detector's verdict.
type Action string

const (
	ActionNone               Action = "none"
	ActionEscalateLive       Action = "escalate_live"
	ActionEscalateAfterHours Action = "escalate_after_hours"
)

// Signal is the input the detector evaluates for one inbound user message.
type Signal struct {
	Content string
	VIP     bool
	At      time.Time
}

// Decision is the detector's output.
type Decision struct {
	Action   Action
	Reason   string
	Severity domain.Severity
	Details  string
}

// Escalate reports whether the decision asks for a human.
func (d Decision) Escalate() bool {
	return d.Action == ActionEscalateLive || d.Action == ActionEscalateAfterHours
}

// Rule matches message content against case-insensitive glob patterns.
type Rule struct {
	Name     string
	Severity domain.Severity
	patterns []string
	globs    []glob.Glob
}

// NewRule compiles a rule. Patterns are lowercased before compiling.
func NewRule(name, severity string, patterns ...string) (*Rule, error) {
	sev, err := domain.ParseSeverity(severity)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", name, err)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: rule %q has no patterns", domain.ErrInvalidArgument, name)
	}
	r := &Rule{Name: name, Severity: sev}
	for _, p := range patterns {
		p = strings.ToLower(p)
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q pattern %q: %v", domain.ErrInvalidArgument, name, p, err)
		}
		r.patterns = append(r.patterns, p)
		r.globs = append(r.globs, g)
	}
	return r, nil
}

// Match returns the first pattern matching the lowercased content.
func (r *Rule) Match(lowered string) (string, bool) {
	for i, g := range r.globs {
		if g.Match(lowered) {
			return r.patterns[i], true
		}
	}
	return "", false
}

// Detector is immutable once built and safe for concurrent use.
type Detector struct {
	rules    []*Rule
	hours    *BusinessHours
	vipFloor domain.Severity
}

// New builds a detector. A nil hours means always open; an empty vipFloor
// disables the VIP adjustment.
func New(rules []*Rule, hours *BusinessHours, vipFloor domain.Severity) *Detector {
	return &Detector{rules: rules, hours: hours, vipFloor: vipFloor}
}

// Rules returns the rule names in evaluation order.
func (d *Detector) Rules() []string {
	names := make([]string, 0, len(d.rules))
	for _, r := range d.rules {
		names = append(names, r.Name)
	}
	return names
}

// Summary describes a detector for operators.
type Summary struct {
	Rules      []RuleSummary
	AlwaysOpen bool
	Location   string
	VIPFloor   domain.Severity
}

// RuleSummary describes one rule.
type RuleSummary struct {
	Name     string
	Severity domain.Severity
	Patterns []string
}

// Describe summarizes the detector's configuration.
func (d *Detector) Describe() Summary {
	s := Summary{
		AlwaysOpen: d.hours == nil,
		Location:   d.hours.Location().String(),
		VIPFloor:   d.vipFloor,
	}
	for _, r := range d.rules {
		s.Rules = append(s.Rules, RuleSummary{
			Name:     r.Name,
			Severity: r.Severity,
			Patterns: append([]string(nil), r.patterns...),
		})
	}
	return s
}

// Evaluate checks a user message. The most severe matching rule wins; ties
// go to the earlier rule.
func (d *Detector) Evaluate(sig Signal) Decision {
	lowered := strings.ToLower(sig.Content)

	var (
		hit     *Rule
		pattern string
	)
	for _, r := range d.rules {
		p, ok := r.Match(lowered)
		if !ok {
			continue
		}
		if hit == nil || r.Severity.Rank() > hit.Severity.Rank() {
			hit, pattern = r, p
		}
	}
	if hit == nil {
		return Decision{Action: ActionNone}
	}

	sev := hit.Severity
	if sig.VIP && d.vipFloor != "" {
		sev = sev.Max(d.vipFloor)
	}
	dec := d.Route(hit.Name, sev, sig.At)
	dec.Details = fmt.Sprintf("message matched %q", pattern)
	return dec
}

// Route applies the business-hours policy to an escalation request.
func (d *Detector) Route(reason string, severity domain.Severity, at time.Time) Decision {
	action := ActionEscalateLive
	if !d.Open(at) {
		action = ActionEscalateAfterHours
	}
	return Decision{Action: action, Reason: reason, Severity: severity}
}

// Open reports whether live agents are expected to be available at t.
func (d *Detector) Open(t time.Time) bool {
	return d.hours.Open(t)
}
