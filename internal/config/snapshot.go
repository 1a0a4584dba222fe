package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/effectiveness"
	"github.com/notarikon-nz/notabot/internal/escalation"
	"github.com/notarikon-nz/notabot/internal/filter"
	"github.com/notarikon-nz/notabot/internal/pattern"
)

// Snapshot is one immutable, fully compiled configuration generation.
// Readers hold a snapshot pointer for the length of a pipeline traversal
// and never see partial updates.
type Snapshot struct {
	ID        string
	CreatedAt time.Time

	Bot          BotConfig
	Filters      []*filter.Filter
	Timers       []TimerConfig
	TimerGlobals TimerGlobalSettings
	Variables    map[string]string
	Commands     []CommandConfig

	// Priors carries advisory effectiveness stats from an imported
	// community bundle, keyed by filter id.
	Priors map[string]effectiveness.Stats

	LedgerRetention time.Duration
}

// BuildSnapshot compiles raw files into an immutable snapshot. Every
// pattern is compiled and every cross-reference resolved here so the hot
// path never sees an invalid filter.
func BuildSnapshot(files *Files, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Bot:          files.Bot,
		Timers:       files.Timers.Timers,
		TimerGlobals: files.Timers.GlobalSettings,
		Variables:    files.Timers.Variables,
		Commands:     files.Bot.Commands,
		Priors:       make(map[string]effectiveness.Stats),
	}

	retention := files.Filters.GlobalSettings.LedgerRetentionSeconds
	if retention <= 0 {
		retention = int((24 * time.Hour).Seconds())
	}

	snap.LedgerRetention = time.Duration(retention) * time.Second

	seen := make(map[string]struct{})

	for i := range files.Filters.BlacklistFilters {
		cfg := &files.Filters.BlacklistFilters[i]

		f, err := buildBlacklistFilter(cfg, files)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate filter id %q", ErrConfigInvalid, f.ID)
		}

		seen[f.ID] = struct{}{}
		snap.Filters = append(snap.Filters, f)
	}

	for i := range files.Filters.SpamFilters {
		cfg := &files.Filters.SpamFilters[i]

		f, err := buildSpamFilter(cfg, files)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate filter id %q", ErrConfigInvalid, f.ID)
		}

		seen[f.ID] = struct{}{}
		snap.Filters = append(snap.Filters, f)
	}

	if files.Community != nil && files.Bot.Features.CommunityFilters {
		imported, priors, err := buildCommunityFilters(files.Community, files, seen)
		if err != nil {
			return nil, err
		}

		snap.Filters = append(snap.Filters, imported...)

		for id, stats := range priors {
			snap.Priors[id] = stats
		}
	}

	filter.Sort(snap.Filters)

	return snap, nil
}

func buildBlacklistFilter(cfg *BlacklistFilterConfig, files *Files) (*filter.Filter, error) {
	specs := cfg.Patterns
	threshold := cfg.ConfidenceThreshold
	priority := cfg.Priority
	learning := cfg.LearningEnabled

	if cfg.PatternCollection != "" {
		collection, ok := files.Patterns.PatternCollections[cfg.PatternCollection]
		if !ok {
			return nil, fmt.Errorf("%w: filter %q references unknown pattern collection %q",
				ErrConfigInvalid, cfg.ID, cfg.PatternCollection)
		}

		specs = append(specs, collection.Patterns...)

		if threshold == 0 {
			threshold = collection.ConfidenceThreshold
		}

		if priority == 0 {
			priority = collection.Priority
		}

		learning = learning || collection.LearningEnabled
	}

	if threshold == 0 {
		threshold = files.Filters.GlobalSettings.DefaultConfidenceThreshold
	}

	if threshold == 0 {
		threshold = 0.8
	}

	autoDisable := cfg.AutoDisableThreshold
	if autoDisable == 0 {
		autoDisable = files.Filters.GlobalSettings.DefaultAutoDisable
	}

	patterns := make([]*pattern.Pattern, 0, len(specs))

	for i, spec := range specs {
		p, err := pattern.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %q pattern %d: %w", ErrConfigInvalid, cfg.ID, i, err)
		}

		patterns = append(patterns, p)
	}

	policy, err := buildPolicy(cfg.ID, cfg.Escalation, files.Bot.Security)
	if err != nil {
		return nil, err
	}

	f := &filter.Filter{
		ID:                   cfg.ID,
		Name:                 cfg.Name,
		Enabled:              cfg.Enabled,
		Category:             cfg.Category,
		Priority:             priority,
		Patterns:             patterns,
		CaseSensitive:        cfg.CaseSensitive,
		WholeWordsOnly:       cfg.WholeWordsOnly,
		ExemptionLevel:       parseExemptionLevel(cfg.ExemptionLevel),
		ExemptUsers:          toSet(cfg.ExemptUsers),
		MinAccountAgeDays:    cfg.MinAccountAgeDays,
		Escalation:           policy,
		CustomMessage:        cfg.CustomMessage,
		SilentMode:           cfg.SilentMode,
		Tags:                 cfg.Tags,
		ConfidenceThreshold:  threshold,
		LearningEnabled:      learning,
		AutoDisableThreshold: autoDisable,
	}

	if cfg.ActiveHours != nil {
		f.ActiveHours = &filter.HourRange{Start: cfg.ActiveHours.Start, End: cfg.ActiveHours.End}
	}

	if len(cfg.ActiveDays) > 0 {
		days, err := parseWeekdays(cfg.ActiveDays)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %q: %w", ErrConfigInvalid, cfg.ID, err)
		}

		f.ActiveDays = days
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return f, nil
}

func buildSpamFilter(cfg *SpamFilterConfig, files *Files) (*filter.Filter, error) {
	if err := cfg.Rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: spam filter %q: %w", ErrConfigInvalid, cfg.ID, err)
	}

	policy, err := buildPolicy(cfg.ID, cfg.Escalation, files.Bot.Security)
	if err != nil {
		return nil, err
	}

	threshold := files.Filters.GlobalSettings.DefaultConfidenceThreshold
	if threshold == 0 {
		threshold = 0.8
	}

	rule := cfg.Rule

	f := &filter.Filter{
		ID:                  cfg.ID,
		Name:                cfg.Name,
		Enabled:             cfg.Enabled,
		Category:            "spam",
		Priority:            cfg.Priority,
		Spam:                &rule,
		ExemptionLevel:      parseExemptionLevel(cfg.ExemptionLevel),
		Escalation:          policy,
		CustomMessage:       cfg.CustomMessage,
		SilentMode:          cfg.SilentMode,
		ConfidenceThreshold: threshold,
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return f, nil
}

func buildPolicy(filterID string, cfg EscalationConfig, security SecurityConfig) (*escalation.Policy, error) {
	first, err := parseAction(cfg.FirstOffense, security)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q first_offense: %w", ErrConfigInvalid, filterID, err)
	}

	repeat, err := parseAction(cfg.RepeatOffense, security)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q repeat_offense: %w", ErrConfigInvalid, filterID, err)
	}

	policy := &escalation.Policy{
		ID:            filterID,
		FirstOffense:  first,
		RepeatOffense: repeat,
		OffenseWindow: time.Duration(cfg.OffenseWindowSeconds) * time.Second,
		MaxLevel:      cfg.MaxLevel,
		CoolingOff:    time.Duration(cfg.CoolingOffSeconds) * time.Second,
		BaseTimeout:   time.Duration(cfg.BaseTimeoutSeconds) * time.Second,
	}

	if security.MaxTimeoutSeconds > 0 {
		policy.MaxTimeout = time.Duration(security.MaxTimeoutSeconds) * time.Second
	}

	if err := policy.Normalize(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return policy, nil
}

func parseAction(cfg ActionConfig, security SecurityConfig) (chat.Action, error) {
	var kind chat.ActionKind

	switch cfg.Kind {
	case "log_only":
		kind = chat.ActionLogOnly
	case "warn":
		kind = chat.ActionWarn
	case "delete":
		kind = chat.ActionDelete
	case "timeout":
		kind = chat.ActionTimeout
	case "ban":
		kind = chat.ActionBan
	case "":
		return chat.Action{}, fmt.Errorf("action kind missing")
	default:
		return chat.Action{}, fmt.Errorf("unknown action kind %q", cfg.Kind)
	}

	action := chat.Action{
		Kind:     kind,
		Message:  cfg.Message,
		Duration: time.Duration(cfg.DurationSeconds) * time.Second,
	}

	if kind == chat.ActionBan && !security.AllowBans {
		action = action.Attenuate()
	}

	return action, nil
}

func parseExemptionLevel(level string) chat.Role {
	switch strings.ToLower(level) {
	case "regular":
		return chat.RoleRegular
	case "subscriber":
		return chat.RoleSubscriber
	case "moderator":
		return chat.RoleModerator
	case "owner":
		return chat.RoleOwner
	default:
		return chat.RoleViewer
	}
}

func parseWeekdays(names []string) (map[time.Weekday]struct{}, error) {
	lookup := map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday,
		"friday": time.Friday, "saturday": time.Saturday,
	}

	days := make(map[time.Weekday]struct{}, len(names))

	for _, name := range names {
		day, ok := lookup[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}

		days[day] = struct{}{}
	}

	return days, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}

	return set
}
