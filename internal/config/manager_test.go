package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notarikon-nz/notabot/internal/config"
)

const botYAML = `core:
  bot_name: testbot
  log_level: info
platforms:
  twitch:
    enabled: true
    channels: [testchan]
    max_connections: 2
security:
  allow_bans: false
`

const patternsYAML = `pattern_collections:
  scams:
    patterns:
      - kind: literal
        target: free money
    priority: 7
    confidence_threshold: 0.85
`

const filtersYAML = `blacklist_filters:
  - id: no-spam
    enabled: true
    priority: 5
    patterns:
      - kind: literal
        target: spam
    escalation:
      first_offense:
        kind: warn
      repeat_offense:
        kind: timeout
`

const brokenFiltersYAML = `blacklist_filters:
  - id: no-spam
    enabled: true
    patterns:
      - kind: regex
        target: "[unclosed"
    escalation:
      first_offense:
        kind: warn
      repeat_offense:
        kind: timeout
`

func writeConfigDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	writeFile(t, dir, config.BotFile, botYAML)
	writeFile(t, dir, config.PatternsFile, patternsYAML)
	writeFile(t, dir, config.FiltersFile, filtersYAML)

	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDecodesDirectory(t *testing.T) {
	t.Parallel()

	files, err := config.Load(writeConfigDir(t))
	require.NoError(t, err)

	assert.Equal(t, "testbot", files.Bot.Core.BotName)
	assert.True(t, files.Bot.Platforms.Twitch.Enabled)
	require.Len(t, files.Filters.BlacklistFilters, 1)
	assert.Contains(t, files.Patterns.PatternCollections, "scams")
	// timers.yaml is optional and absent.
	assert.Empty(t, files.Timers.Timers)
}

func TestLoadMissingRequiredFile(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, config.BotFile)))

	_, err := config.Load(dir)
	require.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	writeFile(t, dir, config.FiltersFile, "blacklist_filters: [broken")

	_, err := config.Load(dir)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestManagerInitialSnapshot(t *testing.T) {
	t.Parallel()

	m, err := config.NewManager(writeConfigDir(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	snap := m.Current()
	require.NotNil(t, snap)
	require.Len(t, snap.Filters, 1)
	assert.Equal(t, "no-spam", snap.Filters[0].ID)
}

func TestManagerFatalOnFirstLoadFailure(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	writeFile(t, dir, config.FiltersFile, brokenFiltersYAML)

	_, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestManagerReloadRejectionKeepsSnapshot(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	m, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	before := m.Current()

	writeFile(t, dir, config.FiltersFile, brokenFiltersYAML)
	require.Error(t, m.Reload())

	assert.Same(t, before, m.Current())
}

func TestManagerReloadPublishesNewSnapshot(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	m, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	before := m.Current()
	sub := m.Subscribe()

	require.NoError(t, m.Reload())

	after := m.Current()
	assert.NotEqual(t, before.ID, after.ID)

	select {
	case got := <-sub:
		assert.Equal(t, after.ID, got.ID)
	default:
		t.Fatal("subscriber did not receive the new snapshot")
	}
}

func TestManagerRollback(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	m, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	first := m.Current()
	require.NoError(t, m.Reload())
	require.NotEqual(t, first.ID, m.Current().ID)

	require.True(t, m.Rollback())
	assert.Equal(t, first.ID, m.Current().ID)

	// Only one snapshot remains; nothing left to roll back to.
	assert.False(t, m.Rollback())
}

func TestManagerSubscriberNeverBlocksPublisher(t *testing.T) {
	t.Parallel()

	dir := writeConfigDir(t)
	m, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	sub := m.Subscribe()

	// Two reloads without the subscriber draining; the stale snapshot is
	// replaced rather than blocking.
	require.NoError(t, m.Reload())
	require.NoError(t, m.Reload())

	got := <-sub
	assert.Equal(t, m.Current().ID, got.ID)
}
