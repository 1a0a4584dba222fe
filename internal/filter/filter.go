// Package filter composes compiled patterns and spam heuristics into
// moderation filters and evaluates them against chat messages in priority
// order.
package filter

import (
	"fmt"
	"sort"
	"time"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/escalation"
	"github.com/notarikon-nz/notabot/internal/pattern"
)

// HourRange is a daily active window in channel-local hours. Wrapping
// ranges (Start > End) cover midnight, e.g. 22..6.
type HourRange struct {
	Start int
	End   int
}

// Contains reports whether the hour falls inside the range.
func (h HourRange) Contains(hour int) bool {
	if h.Start <= h.End {
		return hour >= h.Start && hour <= h.End
	}

	return hour >= h.Start || hour <= h.End
}

// Filter is one immutable moderation rule inside a config snapshot. A
// filter carries either compiled patterns or a built-in spam rule.
type Filter struct {
	ID                   string
	Name                 string
	Enabled              bool
	Category             string
	Priority             int
	Patterns             []*pattern.Pattern
	Spam                 *SpamRule
	CaseSensitive        bool
	WholeWordsOnly       bool
	ExemptionLevel       chat.Role
	ExemptUsers          map[string]struct{}
	ActiveHours          *HourRange
	ActiveDays           map[time.Weekday]struct{}
	MinAccountAgeDays    int
	Escalation           *escalation.Policy
	CustomMessage        string
	SilentMode           bool
	Tags                 []string
	ConfidenceThreshold  float64
	LearningEnabled      bool
	AutoDisableThreshold float64
}

// Validate enforces the structural invariants a filter must hold before
// it can enter a snapshot.
func (f *Filter) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("filter has empty id")
	}

	if f.Priority < 0 || f.Priority > 10 {
		return fmt.Errorf("filter %q: priority %d outside 0..10", f.ID, f.Priority)
	}

	if f.Enabled && len(f.Patterns) == 0 && f.Spam == nil {
		return fmt.Errorf("filter %q: enabled without patterns or spam rule", f.ID)
	}

	if f.ConfidenceThreshold <= 0 || f.ConfidenceThreshold > 1 {
		return fmt.Errorf("filter %q: confidence_threshold %.2f outside (0,1]", f.ID, f.ConfidenceThreshold)
	}

	if f.Escalation == nil {
		return fmt.Errorf("filter %q: missing escalation policy", f.ID)
	}

	return nil
}

// Eligible applies the eligibility gate in spec order: enabled, exempt
// users, role exemption, active hours and days, and account age.
// RoleViewer as exemption level means no role is exempt.
func (f *Filter) Eligible(msg *chat.Message, role chat.Role, now time.Time) bool {
	if !f.Enabled {
		return false
	}

	if _, exempt := f.ExemptUsers[msg.UserID]; exempt {
		return false
	}

	if f.ExemptionLevel > chat.RoleViewer && role >= f.ExemptionLevel {
		return false
	}

	if f.ActiveHours != nil && !f.ActiveHours.Contains(now.Hour()) {
		return false
	}

	if len(f.ActiveDays) > 0 {
		if _, active := f.ActiveDays[now.Weekday()]; !active {
			return false
		}
	}

	if f.MinAccountAgeDays > 0 && msg.AccountAgeDays >= f.MinAccountAgeDays {
		return false
	}

	return true
}

// match runs every pattern and aggregates to the best weighted
// confidence. The best individual result is returned for span reporting.
func (f *Filter) match(text string, opts pattern.Options) (float64, pattern.Result) {
	var (
		best     pattern.Result
		bestConf float64
	)

	for _, p := range f.Patterns {
		res := p.Evaluate(text, opts)
		if res.Err != nil || !res.Matched {
			continue
		}

		weighted := res.Confidence * p.Weight()
		if weighted > bestConf {
			bestConf = weighted
			best = res
		}

		if bestConf >= 1.0 {
			break
		}
	}

	return bestConf, best
}

// Sort orders filters for evaluation: priority descending, id ascending
// on ties. Snapshots sort once at build time.
func Sort(filters []*Filter) {
	sort.SliceStable(filters, func(i, j int) bool {
		if filters[i].Priority != filters[j].Priority {
			return filters[i].Priority > filters[j].Priority
		}

		return filters[i].ID < filters[j].ID
	})
}
