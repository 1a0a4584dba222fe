package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/effectiveness"
)

func TestExportBundleRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "community.json")

	stats := map[string]effectiveness.Stats{
		"no-spam": {Triggers: 500, TruePositives: 480},
	}

	err := config.ExportBundle(path,
		[]config.BlacklistFilterConfig{blacklistEntry("no-spam")},
		stats,
		config.BundleMetadata{Author: "streamer", Description: "starter pack"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	bundle, err := config.ParseBundle(data)
	require.NoError(t, err)

	assert.Equal(t, config.CommunityBundleVersion, bundle.Version)
	assert.Equal(t, "streamer", bundle.Metadata.Author)
	assert.NotEmpty(t, bundle.Metadata.ExportedAt)

	require.Len(t, bundle.Filters, 1)
	assert.Equal(t, "no-spam", bundle.Filters[0].Filter.ID)
	require.NotNil(t, bundle.Filters[0].Effectiveness)
	assert.Equal(t, uint64(500), bundle.Filters[0].Effectiveness.Triggers)
}

func TestParseBundleRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := config.ParseBundle([]byte("{not json"))
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}
