// Package escalation tracks per-user offense history and maps repeat
// offenses to progressively harsher moderation actions.
package escalation

import (
	"fmt"
	"time"

	"github.com/notarikon-nz/notabot/internal/chat"
)

// Defaults applied when a policy omits the corresponding field.
const (
	DefaultOffenseWindow = time.Hour
	DefaultCoolingOff    = 30 * time.Minute
	DefaultMaxLevel      = 5
	DefaultBaseTimeout   = 5 * time.Minute
	DefaultMaxTimeout    = 24 * time.Hour
)

// Policy maps a user's offense level against one filter to the action to
// take. A zero-duration timeout in RepeatOffense requests doubling from
// BaseTimeout per level.
type Policy struct {
	ID            string
	FirstOffense  chat.Action
	RepeatOffense chat.Action
	OffenseWindow time.Duration
	MaxLevel      int
	CoolingOff    time.Duration
	BaseTimeout   time.Duration
	MaxTimeout    time.Duration
}

// Normalize fills unset fields with defaults and validates the rest.
func (p *Policy) Normalize() error {
	if p.OffenseWindow <= 0 {
		p.OffenseWindow = DefaultOffenseWindow
	}

	if p.CoolingOff <= 0 {
		p.CoolingOff = DefaultCoolingOff
	}

	if p.MaxLevel <= 0 {
		p.MaxLevel = DefaultMaxLevel
	}

	if p.BaseTimeout <= 0 {
		p.BaseTimeout = DefaultBaseTimeout
	}

	if p.MaxTimeout <= 0 {
		p.MaxTimeout = DefaultMaxTimeout
	}

	if p.FirstOffense.Kind == chat.ActionPass || p.RepeatOffense.Kind == chat.ActionPass {
		return fmt.Errorf("escalation policy %q: offense actions cannot be pass", p.ID)
	}

	return nil
}

// ActionForLevel returns the action a policy prescribes at the given
// offense level, before any cooling-off attenuation.
func (p *Policy) ActionForLevel(level int) chat.Action {
	if level <= 1 {
		return p.FirstOffense
	}

	action := p.RepeatOffense
	if action.Kind == chat.ActionTimeout && action.Duration == 0 {
		action.Duration = escalatedTimeout(p.BaseTimeout, p.MaxTimeout, level)
	}

	return action
}

// escalatedTimeout doubles the base duration per level past the first,
// capped at max.
func escalatedTimeout(base, max time.Duration, level int) time.Duration {
	d := base

	for i := 1; i < level; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}

	if d > max {
		return max
	}

	return d
}
