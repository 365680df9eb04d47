package feed

import (
	"strings"

	"sismobot/internal/config"
	"sismobot/internal/model"
)

// Rule maps a lowercase keyword in the alert text to a severity.
type Rule struct {
	Keyword  string
	Severity model.Severity
}

// defaultRules mirror the wording used by the upstream alert feed. Rule
// order matters: the first match wins.
var defaultRules = []Rule{
	{"ameritó alerta", model.SeverityMajor},
	{"severe", model.SeverityMajor},
	{"extreme", model.SeverityMajor},
	{"fuerte", model.SeverityMajor},
	{"preventiv", model.SeverityMinor},
	{"minor", model.SeverityMinor},
	{"leve", model.SeverityMinor},
	{"débil", model.SeverityMinor},
}

// Classifier derives an alert severity from feed entry text.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from config rules, falling back to the
// built-in keyword table when rules is empty.
func NewClassifier(rules []config.SeverityRule) *Classifier {
	if len(rules) == 0 {
		return &Classifier{rules: defaultRules}
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		sev, err := model.ParseSeverity(r.Severity)
		if err != nil {
			continue
		}
		out = append(out, Rule{Keyword: strings.ToLower(r.Keyword), Severity: sev})
	}
	if len(out) == 0 {
		out = defaultRules
	}
	return &Classifier{rules: out}
}

// Classify returns the severity for the given alert text. Text matching no
// rule is moderate.
func (c *Classifier) Classify(text string) model.Severity {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		if strings.Contains(lower, r.Keyword) {
			return r.Severity
		}
	}
	return model.SeverityModerate
}
