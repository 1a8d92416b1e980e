package runbook

import (
	"strings"

	"github.com/detectforge/responder/internal/alert"
)

// SeverityBand maps a numeric alert severity (0-100) onto the band names
// used in triggers.severities.
func SeverityBand(severity float64) string {
	switch {
	case severity >= 90:
		return "critical"
	case severity >= 70:
		return "high"
	case severity >= 40:
		return "medium"
	default:
		return "low"
	}
}

// techniqueMatches reports whether an alert technique satisfies a trigger
// technique. A trigger for a parent technique (T1059) matches any of its
// sub-techniques (T1059.001).
func techniqueMatches(trigger, observed string) bool {
	if trigger == observed {
		return true
	}
	return strings.HasPrefix(observed, trigger+".")
}

// Matches reports whether a playbook's triggers accept the alert: at least
// one trigger technique matches an observed technique, and when the playbook
// restricts severities the alert's band is among them.
func Matches(rb *Runbook, ev *alert.Event) bool {
	if rb == nil || ev == nil {
		return false
	}

	observed := ev.TechniqueIDs()
	matched := false
	for _, trigger := range rb.Triggers.MitreTechniques {
		for _, tech := range observed {
			if techniqueMatches(trigger, tech) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if !matched {
		return false
	}

	if len(rb.Triggers.Severities) > 0 {
		band := SeverityBand(ev.Severity())
		ok := false
		for _, sev := range rb.Triggers.Severities {
			if strings.EqualFold(sev, band) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MatchByTechnique returns every playbook whose triggers accept the alert.
// A single result may be auto-selected; multiple results need a human (or an
// advisory suggestion plus confirmation).
func MatchByTechnique(books []*Runbook, ev *alert.Event) []*Runbook {
	var out []*Runbook
	for _, rb := range books {
		if Matches(rb, ev) {
			out = append(out, rb)
		}
	}
	return out
}
