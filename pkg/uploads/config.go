// Package uploads contains the upload orchestration core: admission of
// remote upload requests, the per-group slot queue, the bandwidth governor,
// and the lifecycle engine that drives each accepted upload to a terminal,
// persisted state.
package uploads

import (
	"fmt"

	"github.com/soulseekd/soulseekd/pkg/users"
)

// Strategy selects how a group orders its ready uploads.
type Strategy string

const (
	// StrategyFIFO releases uploads in strict arrival order.
	StrategyFIFO Strategy = "FirstInFirstOut"

	// StrategyRoundRobin rotates across users in the order their uploads
	// became ready.
	StrategyRoundRobin Strategy = "RoundRobin"
)

// Limits caps usage within one accounting scope. Nil fields are unset and
// fall back to the global configuration field by field.
type Limits struct {
	// Files caps the number of transfers.
	Files *int `mapstructure:"files" yaml:"files"`

	// Megabytes caps the transferred volume.
	Megabytes *int `mapstructure:"megabytes" yaml:"megabytes"`

	// Failures caps errored transfers; reaching the cap rejects new
	// requests.
	Failures *int `mapstructure:"failures" yaml:"failures"`
}

// ScopedLimits groups limits by accounting window.
type ScopedLimits struct {
	// Queued applies to transfers that have not yet ended.
	Queued Limits `mapstructure:"queued" yaml:"queued"`

	// Daily applies to transfers started in the last 24 hours.
	Daily Limits `mapstructure:"daily" yaml:"daily"`

	// Weekly applies to transfers started in the last 7 days.
	Weekly Limits `mapstructure:"weekly" yaml:"weekly"`
}

// GroupConfig is the configured shape of one scheduling group.
type GroupConfig struct {
	// Priority orders groups; lower is scheduled first. The privileged
	// group is pinned to 0; user-defined groups must use 1 or higher.
	Priority int `mapstructure:"priority" yaml:"priority" validate:"min=0"`

	// Slots caps concurrent uploads for the group.
	Slots int `mapstructure:"slots" yaml:"slots" validate:"min=0"`

	// Strategy selects FIFO or round-robin ordering.
	Strategy Strategy `mapstructure:"strategy" yaml:"strategy"`

	// SpeedLimitKiBps caps the group's outbound bandwidth. Zero means
	// unlimited.
	SpeedLimitKiBps int `mapstructure:"speed_limit_kibps" yaml:"speed_limit_kibps" validate:"min=0"`

	// Limits are the group's admission limits; unset fields fall back to
	// the global limits.
	Limits ScopedLimits `mapstructure:"limits" yaml:"limits"`
}

// Config is the upload subsystem configuration.
type Config struct {
	// GlobalSlots caps concurrent uploads across all groups.
	GlobalSlots int `mapstructure:"global_slots" yaml:"global_slots" validate:"min=1"`

	// SpeedLimitKiBps caps total outbound bandwidth across all groups.
	// Zero means unlimited.
	SpeedLimitKiBps int `mapstructure:"speed_limit_kibps" yaml:"speed_limit_kibps" validate:"min=0"`

	// Groups configures the built-in groups and declares user-defined
	// ones. Built-ins exist even when absent here.
	Groups map[string]GroupConfig `mapstructure:"groups" yaml:"groups"`

	// Limits are the global fallback admission limits.
	Limits ScopedLimits `mapstructure:"limits" yaml:"limits"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.GlobalSlots == 0 {
		c.GlobalSlots = 10
	}
	if c.Groups == nil {
		c.Groups = make(map[string]GroupConfig)
	}
}

// Validate checks structural constraints not covered by struct tags.
func (c *Config) Validate() error {
	for name, g := range c.Groups {
		switch g.Strategy {
		case "", StrategyFIFO, StrategyRoundRobin:
		default:
			return fmt.Errorf("group %q: unknown strategy %q", name, g.Strategy)
		}
		switch name {
		case users.GroupPrivileged, users.GroupDefault, users.GroupLeechers:
		case users.GroupBlacklisted:
			return fmt.Errorf("group %q cannot be configured", name)
		default:
			if g.Priority < 1 {
				return fmt.Errorf("group %q: user-defined groups require priority >= 1", name)
			}
		}
	}
	return nil
}

// normalizedGroups returns the effective group set: configured groups plus
// the built-ins, with the privileged group pinned to priority 0 and a slot
// count equal to the global ceiling.
func (c *Config) normalizedGroups() map[string]GroupConfig {
	out := make(map[string]GroupConfig, len(c.Groups)+3)
	for name, g := range c.Groups {
		if g.Slots == 0 {
			g.Slots = c.GlobalSlots
		}
		if g.Strategy == "" {
			g.Strategy = StrategyFIFO
		}
		out[name] = g
	}

	ensure := func(name string, priority, slots int) {
		g, ok := out[name]
		if !ok {
			g = GroupConfig{Priority: priority, Slots: slots, Strategy: StrategyFIFO}
		}
		if name == users.GroupPrivileged {
			g.Priority = 0
			g.Slots = c.GlobalSlots
		}
		out[name] = g
	}
	ensure(users.GroupPrivileged, 0, c.GlobalSlots)
	ensure(users.GroupDefault, 1, c.GlobalSlots)
	ensure(users.GroupLeechers, 2, 1)

	return out
}

// effectiveLimits merges a group's limits over the global limits field by
// field. A group unknown to the configuration inherits the global limits
// unchanged.
func (c *Config) effectiveLimits(group string) ScopedLimits {
	g, ok := c.normalizedGroups()[group]
	if !ok {
		return c.Limits
	}
	merge := func(group, global Limits) Limits {
		if group.Files == nil {
			group.Files = global.Files
		}
		if group.Megabytes == nil {
			group.Megabytes = global.Megabytes
		}
		if group.Failures == nil {
			group.Failures = global.Failures
		}
		return group
	}
	return ScopedLimits{
		Queued: merge(g.Limits.Queued, c.Limits.Queued),
		Daily:  merge(g.Limits.Daily, c.Limits.Daily),
		Weekly: merge(g.Limits.Weekly, c.Limits.Weekly),
	}
}
