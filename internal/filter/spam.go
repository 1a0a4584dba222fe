package filter

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/pkg/utils"
)

// SpamKind names a built-in heuristic that needs no pattern list.
type SpamKind string

const (
	SpamExcessiveCaps   SpamKind = "excessive_caps"
	SpamMessageLength   SpamKind = "message_length"
	SpamSymbolSpam      SpamKind = "symbol_spam"
	SpamExcessiveEmotes SpamKind = "excessive_emotes"
	SpamRepeatedMessage SpamKind = "repeated_messages"
	SpamRateLimit       SpamKind = "rate_limit"
	SpamLinkBlocking    SpamKind = "link_blocking"
)

// SpamRule parameterizes one heuristic. Only the fields relevant to the
// kind are read.
type SpamRule struct {
	Kind          SpamKind `koanf:"kind"           json:"kind"`
	MaxPercentage int      `koanf:"max_percentage" json:"max_percentage,omitempty"`
	MaxLength     int      `koanf:"max_length"     json:"max_length,omitempty"`
	MaxCount      int      `koanf:"max_count"      json:"max_count,omitempty"`
	MaxRepeats    int      `koanf:"max_repeats"    json:"max_repeats,omitempty"`
	MaxMessages   int      `koanf:"max_messages"   json:"max_messages,omitempty"`
	WindowSeconds int      `koanf:"window_seconds" json:"window_seconds,omitempty"`
	AllowMods     bool     `koanf:"allow_mods"     json:"allow_mods,omitempty"`
	Whitelist     []string `koanf:"whitelist"      json:"whitelist,omitempty"`
}

// Validate rejects rules whose kind is unknown or whose parameters are
// missing for the kind.
func (r *SpamRule) Validate() error {
	switch r.Kind {
	case SpamExcessiveCaps, SpamSymbolSpam:
		if r.MaxPercentage <= 0 || r.MaxPercentage > 100 {
			return fmt.Errorf("spam rule %s: max_percentage %d outside 1..100", r.Kind, r.MaxPercentage)
		}
	case SpamMessageLength:
		if r.MaxLength <= 0 {
			return fmt.Errorf("spam rule %s: max_length must be positive", r.Kind)
		}
	case SpamExcessiveEmotes:
		if r.MaxCount <= 0 {
			return fmt.Errorf("spam rule %s: max_count must be positive", r.Kind)
		}
	case SpamRepeatedMessage:
		if r.MaxRepeats <= 0 || r.WindowSeconds <= 0 {
			return fmt.Errorf("spam rule %s: needs max_repeats and window_seconds", r.Kind)
		}
	case SpamRateLimit:
		if r.MaxMessages <= 0 || r.WindowSeconds <= 0 {
			return fmt.Errorf("spam rule %s: needs max_messages and window_seconds", r.Kind)
		}
	case SpamLinkBlocking:
	default:
		return fmt.Errorf("unknown spam rule kind %q", r.Kind)
	}

	return nil
}

// Check evaluates the heuristic against a message. Repeated-message and
// rate-limit rules consult the shared per-user history. The returned
// reason is suitable for decision logging.
func (r *SpamRule) Check(msg *chat.Message, role chat.Role, hist *History) (bool, float64, string) {
	switch r.Kind {
	case SpamExcessiveCaps:
		pct := capsPercentage(msg.Content)
		if pct > r.MaxPercentage {
			return true, 0.9, fmt.Sprintf("caps %d%% over limit %d%%", pct, r.MaxPercentage)
		}

	case SpamMessageLength:
		if n := len([]rune(msg.Content)); n > r.MaxLength {
			return true, 1.0, fmt.Sprintf("length %d over limit %d", n, r.MaxLength)
		}

	case SpamSymbolSpam:
		pct := symbolPercentage(msg.Content)
		if pct > r.MaxPercentage {
			return true, 0.9, fmt.Sprintf("symbols %d%% over limit %d%%", pct, r.MaxPercentage)
		}

	case SpamExcessiveEmotes:
		if n := emoteCount(msg.Content); n > r.MaxCount {
			return true, 0.9, fmt.Sprintf("%d emotes over limit %d", n, r.MaxCount)
		}

	case SpamRepeatedMessage:
		window := time.Duration(r.WindowSeconds) * time.Second
		if n := hist.repeats(msg, window); n > r.MaxRepeats {
			return true, 1.0, fmt.Sprintf("message repeated %d times", n)
		}

	case SpamRateLimit:
		window := time.Duration(r.WindowSeconds) * time.Second
		if n := hist.rate(msg, window); n > r.MaxMessages {
			return true, 1.0, fmt.Sprintf("%d messages inside %s", n, window)
		}

	case SpamLinkBlocking:
		if r.AllowMods && role >= chat.RoleModerator {
			return false, 0, ""
		}

		if link, ok := firstBlockedLink(msg.Content, r.Whitelist); ok {
			return true, 1.0, fmt.Sprintf("blocked link %s", link)
		}
	}

	return false, 0, ""
}

func capsPercentage(s string) int {
	var letters, upper int

	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}

		letters++

		if unicode.IsUpper(r) {
			upper++
		}
	}

	// Short shouts are normal chat; only sustained caps count.
	if letters < 8 {
		return 0
	}

	return upper * 100 / letters
}

func symbolPercentage(s string) int {
	var total, symbols int

	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}

		total++

		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			symbols++
		}
	}

	if total == 0 {
		return 0
	}

	return symbols * 100 / total
}

// emoteCount counts emoji and ASCII emoticon tokens. Platform emote
// metadata is not available at this layer, so symbol-class runes are the
// proxy.
func emoteCount(s string) int {
	count := 0

	for _, r := range s {
		if unicode.Is(unicode.So, r) {
			count++
		}
	}

	for _, token := range strings.Fields(s) {
		if isEmoticon(token) {
			count++
		}
	}

	return count
}

func isEmoticon(token string) bool {
	switch token {
	case ":)", ":(", ":D", ":P", ";)", "xD", "XD", ":O", ":|", "<3":
		return true
	}

	return false
}

func firstBlockedLink(content string, whitelist []string) (string, bool) {
	for _, token := range strings.Fields(content) {
		lower := strings.ToLower(token)
		if !strings.Contains(lower, "http://") && !strings.Contains(lower, "https://") &&
			!strings.Contains(lower, "www.") {
			continue
		}

		allowed := false

		for _, domain := range whitelist {
			if strings.Contains(lower, strings.ToLower(domain)) {
				allowed = true
				break
			}
		}

		if !allowed {
			return token, true
		}
	}

	return "", false
}

// History keeps recent message timestamps and contents per user for the
// repeated-message and rate-limit heuristics. Entries expire lazily on
// access and wholesale via Sweep. Contents are stored in normalized form
// so case flips and diacritic tweaks still count as repeats.
type History struct {
	users       *xsync.MapOf[string, *userHistory]
	normalizers sync.Pool
}

type userHistory struct {
	mu      sync.Mutex
	entries []historyEntry
}

type historyEntry struct {
	at      time.Time
	content string
}

// maxHistoryEntries bounds per-user memory regardless of window size.
const maxHistoryEntries = 64

// NewHistory creates an empty history tracker.
func NewHistory() *History {
	return &History{
		users: xsync.NewMapOf[string, *userHistory](),
		normalizers: sync.Pool{
			New: func() any { return utils.NewTextNormalizer() },
		},
	}
}

// normalize folds content for repeat comparison. Normalizers are pooled
// because the transform chain is stateful.
func (h *History) normalize(content string) string {
	n := h.normalizers.Get().(*utils.TextNormalizer)
	defer h.normalizers.Put(n)

	return n.Normalize(content)
}

// Observe records a message for later repeat and rate queries. The
// evaluator calls this once per inbound message.
func (h *History) Observe(msg *chat.Message) {
	key := string(msg.Platform) + ":" + msg.UserID

	hist, _ := h.users.LoadOrStore(key, &userHistory{})
	entry := historyEntry{at: msg.ArrivedAt, content: h.normalize(msg.Content)}

	hist.mu.Lock()
	defer hist.mu.Unlock()

	hist.entries = append(hist.entries, entry)
	if len(hist.entries) > maxHistoryEntries {
		hist.entries = hist.entries[len(hist.entries)-maxHistoryEntries:]
	}
}

func (h *History) lookup(msg *chat.Message) *userHistory {
	key := string(msg.Platform) + ":" + msg.UserID

	hist, ok := h.users.Load(key)
	if !ok {
		return nil
	}

	return hist
}

// repeats counts occurrences of this exact content inside the window,
// including the current message.
func (h *History) repeats(msg *chat.Message, window time.Duration) int {
	hist := h.lookup(msg)
	if hist == nil {
		return 0
	}

	target := h.normalize(msg.Content)

	hist.mu.Lock()
	defer hist.mu.Unlock()

	cutoff := msg.ArrivedAt.Add(-window)
	count := 0

	for _, e := range hist.entries {
		if e.at.After(cutoff) && e.content == target {
			count++
		}
	}

	return count
}

// rate counts messages from this user inside the window.
func (h *History) rate(msg *chat.Message, window time.Duration) int {
	hist := h.lookup(msg)
	if hist == nil {
		return 0
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()

	cutoff := msg.ArrivedAt.Add(-window)
	count := 0

	for _, e := range hist.entries {
		if e.at.After(cutoff) {
			count++
		}
	}

	return count
}

// Sweep drops users whose newest entry is older than the retention
// period.
func (h *History) Sweep(now time.Time, retention time.Duration) {
	h.users.Range(func(key string, hist *userHistory) bool {
		hist.mu.Lock()
		stale := len(hist.entries) == 0 || now.Sub(hist.entries[len(hist.entries)-1].at) > retention
		hist.mu.Unlock()

		if stale {
			h.users.Delete(key)
		}

		return true
	})
}
