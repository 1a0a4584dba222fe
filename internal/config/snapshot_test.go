package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/effectiveness"
	"github.com/notarikon-nz/notabot/internal/filter"
	"github.com/notarikon-nz/notabot/internal/pattern"
)

func warnTimeoutEscalation() config.EscalationConfig {
	return config.EscalationConfig{
		FirstOffense:  config.ActionConfig{Kind: "warn"},
		RepeatOffense: config.ActionConfig{Kind: "timeout"},
	}
}

func blacklistEntry(id string) config.BlacklistFilterConfig {
	return config.BlacklistFilterConfig{
		ID:         id,
		Enabled:    true,
		Priority:   5,
		Patterns:   []pattern.Spec{{Kind: pattern.KindLiteral, Target: "spam"}},
		Escalation: warnTimeoutEscalation(),
	}
}

func baseFiles() *config.Files {
	return &config.Files{
		Filters: config.FiltersConfig{
			BlacklistFilters: []config.BlacklistFilterConfig{blacklistEntry("no-spam")},
		},
	}
}

func TestBuildSnapshotCompilesFilters(t *testing.T) {
	t.Parallel()

	snap, err := config.BuildSnapshot(baseFiles(), time.Now())
	require.NoError(t, err)

	require.Len(t, snap.Filters, 1)
	f := snap.Filters[0]
	assert.Equal(t, "no-spam", f.ID)
	assert.Len(t, f.Patterns, 1)
	// No explicit or global threshold configured, so the built-in default
	// applies.
	assert.InDelta(t, 0.8, f.ConfidenceThreshold, 0.001)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, 24*time.Hour, snap.LedgerRetention)
}

func TestBuildSnapshotGlobalThresholdApplies(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.GlobalSettings.DefaultConfidenceThreshold = 0.6
	files.Filters.GlobalSettings.LedgerRetentionSeconds = 3600

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 0.6, snap.Filters[0].ConfidenceThreshold, 0.001)
	assert.Equal(t, time.Hour, snap.LedgerRetention)
}

func TestBuildSnapshotPatternCollection(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Patterns.PatternCollections = map[string]config.PatternCollection{
		"slurs": {
			Patterns:            []pattern.Spec{{Kind: pattern.KindLiteral, Target: "badword"}},
			Priority:            8,
			ConfidenceThreshold: 0.9,
			LearningEnabled:     true,
		},
	}

	entry := config.BlacklistFilterConfig{
		ID:                "from-collection",
		Enabled:           true,
		PatternCollection: "slurs",
		Escalation:        warnTimeoutEscalation(),
	}
	files.Filters.BlacklistFilters = append(files.Filters.BlacklistFilters, entry)

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	var found bool

	for _, f := range snap.Filters {
		if f.ID != "from-collection" {
			continue
		}

		found = true
		assert.Len(t, f.Patterns, 1)
		// Collection values fill the fields the filter left at zero.
		assert.Equal(t, 8, f.Priority)
		assert.InDelta(t, 0.9, f.ConfidenceThreshold, 0.001)
		assert.True(t, f.LearningEnabled)
	}

	require.True(t, found)
}

func TestBuildSnapshotUnknownCollection(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters[0].PatternCollection = "nonexistent"

	_, err := config.BuildSnapshot(files, time.Now())
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestBuildSnapshotBadPattern(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters[0].Patterns = []pattern.Spec{
		{Kind: pattern.KindRegex, Target: "[unclosed"},
	}

	_, err := config.BuildSnapshot(files, time.Now())
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestBuildSnapshotDuplicateID(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters = append(files.Filters.BlacklistFilters, blacklistEntry("no-spam"))

	_, err := config.BuildSnapshot(files, time.Now())
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestBuildSnapshotBanAttenuatedWithoutAllowBans(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters[0].Escalation.RepeatOffense = config.ActionConfig{Kind: "ban"}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	repeat := snap.Filters[0].Escalation.RepeatOffense
	assert.Equal(t, chat.ActionTimeout, repeat.Kind)
	assert.Equal(t, 24*time.Hour, repeat.Duration)
}

func TestBuildSnapshotBanKeptWithAllowBans(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Bot.Security.AllowBans = true
	files.Filters.BlacklistFilters[0].Escalation.RepeatOffense = config.ActionConfig{Kind: "ban"}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	assert.Equal(t, chat.ActionBan, snap.Filters[0].Escalation.RepeatOffense.Kind)
}

func TestBuildSnapshotMaxTimeoutFromSecurity(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Bot.Security.MaxTimeoutSeconds = 600

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, snap.Filters[0].Escalation.MaxTimeout)
}

func TestBuildSnapshotSpamFilter(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.SpamFilters = []config.SpamFilterConfig{{
		ID:         "caps",
		Enabled:    true,
		Priority:   3,
		Rule:       filter.SpamRule{Kind: filter.SpamExcessiveCaps, MaxPercentage: 70},
		Escalation: warnTimeoutEscalation(),
	}}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	var found bool

	for _, f := range snap.Filters {
		if f.ID == "caps" {
			found = true
			assert.Equal(t, "spam", f.Category)
			require.NotNil(t, f.Spam)
		}
	}

	require.True(t, found)
}

func TestBuildSnapshotActiveDays(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters[0].ActiveDays = []string{"Monday", "friday"}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	days := snap.Filters[0].ActiveDays
	assert.Contains(t, days, time.Monday)
	assert.Contains(t, days, time.Friday)

	files.Filters.BlacklistFilters[0].ActiveDays = []string{"caturday"}
	_, err = config.BuildSnapshot(files, time.Now())
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestBuildSnapshotExemptionLevels(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Filters.BlacklistFilters[0].ExemptionLevel = "subscriber"

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	assert.Equal(t, chat.RoleSubscriber, snap.Filters[0].ExemptionLevel)
}

func TestBuildSnapshotSortsByPriority(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	urgent := blacklistEntry("urgent")
	urgent.Priority = 9
	files.Filters.BlacklistFilters = append(files.Filters.BlacklistFilters, urgent)

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	require.Len(t, snap.Filters, 2)
	assert.Equal(t, "urgent", snap.Filters[0].ID)
}

func TestBuildSnapshotCommunityImport(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Bot.Features.CommunityFilters = true
	files.Community = &config.CommunityBundle{
		Version: config.CommunityBundleVersion,
		Filters: []config.CommunityFilter{
			{
				Filter:        blacklistEntry("shared-scam"),
				Effectiveness: &effectiveness.Stats{Triggers: 500, TruePositives: 480},
			},
			{
				// Collides with the local filter; the local definition wins.
				Filter: blacklistEntry("no-spam"),
			},
		},
	}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)

	assert.Len(t, snap.Filters, 2)
	require.Contains(t, snap.Priors, "shared-scam")
	assert.Equal(t, uint64(500), snap.Priors["shared-scam"].Triggers)
}

func TestBuildSnapshotCommunityDisabledByFeature(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Community = &config.CommunityBundle{
		Version: config.CommunityBundleVersion,
		Filters: []config.CommunityFilter{{Filter: blacklistEntry("shared-scam")}},
	}

	snap, err := config.BuildSnapshot(files, time.Now())
	require.NoError(t, err)
	assert.Len(t, snap.Filters, 1)
}

func TestBuildSnapshotCommunityVersionMismatch(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files.Bot.Features.CommunityFilters = true
	files.Community = &config.CommunityBundle{Version: 99}

	_, err := config.BuildSnapshot(files, time.Now())
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}
