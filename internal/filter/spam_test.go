package filter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/filter"
)

func spamMsg(content string, at time.Time) *chat.Message {
	return &chat.Message{
		Platform:  chat.PlatformTwitch,
		Channel:   "chan",
		UserID:    "u1",
		Content:   content,
		ArrivedAt: at,
	}
}

func TestSpamRuleValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule filter.SpamRule
		ok   bool
	}{
		{
			name: "caps with percentage",
			rule: filter.SpamRule{Kind: filter.SpamExcessiveCaps, MaxPercentage: 70},
			ok:   true,
		},
		{
			name: "caps percentage over 100",
			rule: filter.SpamRule{Kind: filter.SpamExcessiveCaps, MaxPercentage: 150},
		},
		{
			name: "length without limit",
			rule: filter.SpamRule{Kind: filter.SpamMessageLength},
		},
		{
			name: "emotes without count",
			rule: filter.SpamRule{Kind: filter.SpamExcessiveEmotes},
		},
		{
			name: "repeats without window",
			rule: filter.SpamRule{Kind: filter.SpamRepeatedMessage, MaxRepeats: 3},
		},
		{
			name: "rate without window",
			rule: filter.SpamRule{Kind: filter.SpamRateLimit, MaxMessages: 5},
		},
		{
			name: "link blocking needs nothing",
			rule: filter.SpamRule{Kind: filter.SpamLinkBlocking},
			ok:   true,
		},
		{
			name: "unknown kind",
			rule: filter.SpamRule{Kind: "vibes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.rule.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestExcessiveCaps(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamExcessiveCaps, MaxPercentage: 70}
	hist := filter.NewHistory()
	now := time.Now()

	matched, confidence, reason := rule.Check(spamMsg("STOP SPAMMING ME NOW", now), chat.RoleViewer, hist)
	require.True(t, matched)
	assert.InDelta(t, 0.9, confidence, 0.001)
	assert.Contains(t, reason, "caps")

	matched, _, _ = rule.Check(spamMsg("Stop spamming me now", now), chat.RoleViewer, hist)
	assert.False(t, matched)

	// Short shouts never trip the rule regardless of ratio.
	matched, _, _ = rule.Check(spamMsg("WOW!", now), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestMessageLength(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamMessageLength, MaxLength: 10}
	hist := filter.NewHistory()
	now := time.Now()

	matched, confidence, _ := rule.Check(spamMsg("this message is way too long", now), chat.RoleViewer, hist)
	require.True(t, matched)
	assert.InDelta(t, 1.0, confidence, 0.001)

	matched, _, _ = rule.Check(spamMsg("short", now), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestSymbolSpam(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamSymbolSpam, MaxPercentage: 50}
	hist := filter.NewHistory()
	now := time.Now()

	matched, _, _ := rule.Check(spamMsg("$$$ ### !!! @@@", now), chat.RoleViewer, hist)
	assert.True(t, matched)

	matched, _, _ = rule.Check(spamMsg("hello there friend", now), chat.RoleViewer, hist)
	assert.False(t, matched)

	matched, _, _ = rule.Check(spamMsg("   ", now), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestExcessiveEmotes(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamExcessiveEmotes, MaxCount: 2}
	hist := filter.NewHistory()
	now := time.Now()

	matched, _, _ := rule.Check(spamMsg("\U0001F600\U0001F602\U0001F60D", now), chat.RoleViewer, hist)
	assert.True(t, matched)

	// ASCII emoticon tokens count toward the limit too.
	matched, _, _ = rule.Check(spamMsg("gg :) :) :)", now), chat.RoleViewer, hist)
	assert.True(t, matched)

	matched, _, _ = rule.Check(spamMsg("nice :)", now), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestRepeatedMessages(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamRepeatedMessage, MaxRepeats: 2, WindowSeconds: 60}
	hist := filter.NewHistory()
	now := time.Now()

	for i := range 3 {
		hist.Observe(spamMsg("buy my merch", now.Add(time.Duration(i)*time.Second)))
	}

	matched, confidence, _ := rule.Check(spamMsg("buy my merch", now.Add(2*time.Second)), chat.RoleViewer, hist)
	require.True(t, matched)
	assert.InDelta(t, 1.0, confidence, 0.001)

	// Different content from the same user does not count as a repeat.
	matched, _, _ = rule.Check(spamMsg("how is everyone", now.Add(3*time.Second)), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestRepeatedMessagesCaseFolded(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamRepeatedMessage, MaxRepeats: 2, WindowSeconds: 60}
	hist := filter.NewHistory()
	now := time.Now()

	hist.Observe(spamMsg("buy my merch", now))
	hist.Observe(spamMsg("BUY MY MERCH", now.Add(time.Second)))
	hist.Observe(spamMsg("Buy  My  Merch", now.Add(2*time.Second)))

	// Case and spacing tweaks still count against the repeat cap.
	matched, _, _ := rule.Check(spamMsg("buy my merch", now.Add(2*time.Second)), chat.RoleViewer, hist)
	assert.True(t, matched)
}

func TestRepeatedMessagesWindowExpiry(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamRepeatedMessage, MaxRepeats: 2, WindowSeconds: 10}
	hist := filter.NewHistory()
	now := time.Now()

	hist.Observe(spamMsg("buy my merch", now))
	hist.Observe(spamMsg("buy my merch", now.Add(time.Second)))
	hist.Observe(spamMsg("buy my merch", now.Add(30*time.Second)))

	// Only the last copy sits inside the window.
	matched, _, _ := rule.Check(spamMsg("buy my merch", now.Add(30*time.Second)), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamRateLimit, MaxMessages: 3, WindowSeconds: 10}
	hist := filter.NewHistory()
	now := time.Now()

	for i := range 4 {
		hist.Observe(spamMsg("msg", now.Add(time.Duration(i)*time.Second)))
	}

	matched, _, reason := rule.Check(spamMsg("msg", now.Add(3*time.Second)), chat.RoleViewer, hist)
	require.True(t, matched)
	assert.Contains(t, reason, "messages inside")
}

func TestLinkBlocking(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{
		Kind:      filter.SpamLinkBlocking,
		Whitelist: []string{"clips.twitch.tv"},
	}
	hist := filter.NewHistory()
	now := time.Now()

	matched, _, reason := rule.Check(spamMsg("check https://scam.example now", now), chat.RoleViewer, hist)
	require.True(t, matched)
	assert.Contains(t, reason, "scam.example")

	matched, _, _ = rule.Check(spamMsg("bare www.sketchy.biz link", now), chat.RoleViewer, hist)
	assert.True(t, matched)

	matched, _, _ = rule.Check(spamMsg("see https://clips.twitch.tv/abc", now), chat.RoleViewer, hist)
	assert.False(t, matched)

	matched, _, _ = rule.Check(spamMsg("no links here", now), chat.RoleViewer, hist)
	assert.False(t, matched)
}

func TestLinkBlockingAllowMods(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamLinkBlocking, AllowMods: true}
	hist := filter.NewHistory()
	now := time.Now()

	matched, _, _ := rule.Check(spamMsg("https://anything.example", now), chat.RoleModerator, hist)
	assert.False(t, matched)

	matched, _, _ = rule.Check(spamMsg("https://anything.example", now), chat.RoleSubscriber, hist)
	assert.True(t, matched)
}

func TestHistorySweep(t *testing.T) {
	t.Parallel()

	rule := &filter.SpamRule{Kind: filter.SpamRateLimit, MaxMessages: 2, WindowSeconds: 3600}
	hist := filter.NewHistory()
	now := time.Now()

	for i := range 3 {
		hist.Observe(spamMsg("msg", now.Add(time.Duration(i)*time.Second)))
	}

	matched, _, _ := rule.Check(spamMsg("msg", now.Add(2*time.Second)), chat.RoleViewer, hist)
	require.True(t, matched)

	hist.Sweep(now.Add(2*time.Hour), time.Hour)

	matched, _, _ = rule.Check(spamMsg("msg", now.Add(2*time.Second)), chat.RoleViewer, hist)
	assert.False(t, matched)
}
