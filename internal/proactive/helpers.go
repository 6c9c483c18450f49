package proactive

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// AutomationFailedPrefix prefixes the ids of dispatch failure insights
const AutomationFailedPrefix = "automation-failed-"

// AutomationFailedInsight describes a rule whose actions could not be
// prepared or executed.
func AutomationFailedInsight(ruleID, ruleName, stage string, err error, now time.Time) core.Insight {
	name := ruleName
	if name == "" {
		name = ruleID
	}
	return core.Insight{
		ID:          AutomationFailedPrefix + sanitizeID(ruleID),
		Type:        core.InsightRisk,
		Priority:    core.PriorityMedium,
		Title:       fmt.Sprintf("Automation %q failed", name),
		Description: fmt.Sprintf("The %s step failed: %v", stage, err),
		Reasoning:   "An automation rule matched but its actions did not complete",
		SuggestedActions: []core.SuggestedAction{
			{Label: "Review rule", Kind: core.SuggestDetailed, ActionID: "rules.edit:" + ruleID},
		},
		Context:     core.InsightContext{Confidence: 1},
		Dismissable: true,
		Fingerprint: fmt.Sprintf("%s|%d", stage, now.UnixNano()),
		CreatedAt:   now,
	}
}

// sanitizeID creates a safe ID from a string
func sanitizeID(s string) string {
	result := make([]byte, 0, len(s))
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			result = append(result, byte(c))
		}
	}
	if len(result) > 40 {
		result = result[:40]
	}
	return strings.ToLower(string(result))
}
