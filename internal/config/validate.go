package config

import (
	"fmt"
	"strings"
)

var knownLanes = map[string]struct{}{
	"high":    {},
	"default": {},
	"low":     {},
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Admission.DedupScope {
	case DedupScopeGlobal, DedupScopeActor:
	default:
		return fmt.Errorf("admission.dedup_scope: unsupported value %q", c.Admission.DedupScope)
	}

	switch c.Audit.DurableMode {
	case DurableModeMemory, DurableModeJournal:
	default:
		return fmt.Errorf("audit.durable_mode: unsupported value %q", c.Audit.DurableMode)
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "console", "json":
	default:
		return fmt.Errorf("log_format: unsupported value %q", c.LogFormat)
	}

	seen := make(map[string]struct{}, len(c.Workflow.LaneOrder))
	for _, lane := range c.Workflow.LaneOrder {
		normalized := strings.ToLower(strings.TrimSpace(lane))
		if _, ok := knownLanes[normalized]; !ok {
			return fmt.Errorf("workflow.lane_order: unknown lane %q", lane)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("workflow.lane_order: duplicate lane %q", lane)
		}
		seen[normalized] = struct{}{}
	}

	if c.Workflow.LeaseRenewInterval >= c.Workflow.LeaseTimeout {
		return fmt.Errorf("workflow.lease_renew_interval (%d) must be shorter than workflow.lease_timeout (%d)",
			c.Workflow.LeaseRenewInterval, c.Workflow.LeaseTimeout)
	}

	return nil
}
