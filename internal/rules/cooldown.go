package rules

import (
	"time"

	"agentlisten/internal/model"
)

// IsOnCooldown reports whether the rule fired less than its cooldown period
// before now. A zero or negative period never cools down.
func IsOnCooldown(rule model.Rule, now time.Time) bool {
	if rule.CooldownPeriodSeconds <= 0 || rule.LastTriggeredAt == nil {
		return false
	}
	period := time.Duration(rule.CooldownPeriodSeconds) * time.Second
	return now.Sub(*rule.LastTriggeredAt) < period
}

func CanTrigger(rule model.Rule, now time.Time) bool {
	return rule.IsActive && !IsOnCooldown(rule, now)
}

// RecordTrigger commits one firing of the rule in memory. Stores persist the
// same change through PersistRuleState.
func RecordTrigger(rule *model.Rule, now time.Time) {
	rule.TriggerCount++
	at := now.UTC()
	rule.LastTriggeredAt = &at
}
