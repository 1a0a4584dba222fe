package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notarikon-nz/notabot/internal/chat"
)

func TestParseTwitchPrivmsgTagged(t *testing.T) {
	t.Parallel()

	line := "@badges=moderator/1,subscriber/12;display-name=CoolMod;id=abc-123;" +
		"mod=1;subscriber=1;tmi-sent-ts=1700000000000;user-id=44556" +
		" :coolmod!coolmod@coolmod.tmi.twitch.tv PRIVMSG #streamer :hello chat"

	msg, ok := parseTwitchPrivmsg(line)
	require.True(t, ok)

	assert.Equal(t, "abc-123", msg.ID)
	assert.Equal(t, chat.PlatformTwitch, msg.Platform)
	assert.Equal(t, "streamer", msg.Channel)
	assert.Equal(t, "44556", msg.UserID)
	assert.Equal(t, "CoolMod", msg.DisplayName)
	assert.Equal(t, "hello chat", msg.Content)
	assert.True(t, msg.IsModerator)
	assert.True(t, msg.IsSubscriber)
	assert.Contains(t, msg.Badges, "moderator")
	assert.Contains(t, msg.Badges, "subscriber")
	assert.Equal(t, time.UnixMilli(1700000000000), msg.ArrivedAt)
}

func TestParseTwitchPrivmsgUntagged(t *testing.T) {
	t.Parallel()

	msg, ok := parseTwitchPrivmsg(":viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #streamer :plain message")
	require.True(t, ok)

	// Without tags the username stands in for both id and display name.
	assert.Equal(t, "viewer", msg.UserID)
	assert.Equal(t, "viewer", msg.DisplayName)
	assert.Equal(t, "plain message", msg.Content)
	assert.False(t, msg.IsModerator)
	assert.Empty(t, msg.Badges)
	assert.False(t, msg.ArrivedAt.IsZero())
}

func TestParseTwitchPrivmsgColonInContent(t *testing.T) {
	t.Parallel()

	msg, ok := parseTwitchPrivmsg(":v!v@v.tmi.twitch.tv PRIVMSG #chan :see: this :link")
	require.True(t, ok)
	assert.Equal(t, "see: this :link", msg.Content)
}

func TestParseTwitchPrivmsgRejectsOtherLines(t *testing.T) {
	t.Parallel()

	lines := []string{
		"PING :tmi.twitch.tv",
		":tmi.twitch.tv 001 botname :Welcome, GLHF!",
		":viewer!viewer@viewer.tmi.twitch.tv JOIN #streamer",
		"@badges= ",
		"",
	}

	for _, line := range lines {
		_, ok := parseTwitchPrivmsg(line)
		assert.False(t, ok, "line %q", line)
	}
}
