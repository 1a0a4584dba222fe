package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/notarikon-nz/notabot/internal/effectiveness"
	"github.com/notarikon-nz/notabot/internal/filter"
)

// CommunityBundleVersion is the bundle format this build reads and writes.
const CommunityBundleVersion = 1

// CommunityBundle is a shareable filter pack. Effectiveness stats inside
// a bundle are advisory priors; live counters always win.
type CommunityBundle struct {
	Version  int               `koanf:"version"  json:"version"`
	Filters  []CommunityFilter `koanf:"filters"  json:"filters"`
	Metadata BundleMetadata    `koanf:"metadata" json:"metadata"`
}

// CommunityFilter wraps a filter definition with its shared stats.
type CommunityFilter struct {
	Filter        BlacklistFilterConfig `koanf:"filter"        json:"filter"`
	Effectiveness *effectiveness.Stats  `koanf:"effectiveness" json:"effectiveness,omitempty"`
}

// BundleMetadata describes a bundle's origin.
type BundleMetadata struct {
	Author      string `koanf:"author"      json:"author,omitempty"`
	Description string `koanf:"description" json:"description,omitempty"`
	ExportedAt  string `koanf:"exported_at" json:"exported_at,omitempty"`
}

// ParseBundle decodes a community bundle from raw JSON. Bundles arrive
// either from disk or pasted through the dashboard, so parsing works on
// bytes rather than paths.
func ParseBundle(data []byte) (*CommunityBundle, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(data), json.Parser()); err != nil {
		return nil, fmt.Errorf("%w: parsing community bundle: %w", ErrConfigInvalid, err)
	}

	var bundle CommunityBundle
	if err := k.Unmarshal("", &bundle); err != nil {
		return nil, fmt.Errorf("%w: decoding community bundle: %w", ErrConfigInvalid, err)
	}

	return &bundle, nil
}

// buildCommunityFilters compiles imported filters, skipping any whose id
// collides with a locally defined filter. Local definitions always win.
func buildCommunityFilters(
	bundle *CommunityBundle, files *Files, seen map[string]struct{},
) ([]*filter.Filter, map[string]effectiveness.Stats, error) {
	if bundle.Version != CommunityBundleVersion {
		return nil, nil, fmt.Errorf("%w: community bundle version %d, want %d",
			ErrConfigInvalid, bundle.Version, CommunityBundleVersion)
	}

	var (
		filters []*filter.Filter
		priors  = make(map[string]effectiveness.Stats)
	)

	for i := range bundle.Filters {
		entry := &bundle.Filters[i]

		if _, dup := seen[entry.Filter.ID]; dup {
			continue
		}

		f, err := buildBlacklistFilter(&entry.Filter, files)
		if err != nil {
			return nil, nil, fmt.Errorf("community filter %q: %w", entry.Filter.ID, err)
		}

		seen[f.ID] = struct{}{}
		filters = append(filters, f)

		if entry.Effectiveness != nil {
			priors[f.ID] = *entry.Effectiveness
		}
	}

	return filters, priors, nil
}

// ExportBundle writes the given filter definitions and their live stats
// to path as a community bundle.
func ExportBundle(
	path string, filters []BlacklistFilterConfig,
	stats map[string]effectiveness.Stats, metadata BundleMetadata,
) error {
	bundle := CommunityBundle{
		Version:  CommunityBundleVersion,
		Metadata: metadata,
	}

	if bundle.Metadata.ExportedAt == "" {
		bundle.Metadata.ExportedAt = time.Now().UTC().Format(time.RFC3339)
	}

	for i := range filters {
		entry := CommunityFilter{Filter: filters[i]}

		if s, ok := stats[filters[i].ID]; ok {
			entry.Effectiveness = &s
		}

		bundle.Filters = append(bundle.Filters, entry)
	}

	data, err := sonic.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding community bundle: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing community bundle: %w", err)
	}

	return nil
}
