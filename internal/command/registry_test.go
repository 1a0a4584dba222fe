package command_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/command"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/dispatcher"
)

const commandBotYAML = `core:
  bot_name: testbot
features:
  commands: true
commands:
  - name: discord
    response: "hey {user}, links live in {channel}"
    cooldown_seconds: 60
    enabled: true
  - name: secret
    response: mods only
    mod_only: true
    enabled: true
  - name: retired
    response: old news
    enabled: false
`

type recordedAnnouncement struct {
	platform chat.Platform
	channel  string
	text     string
	class    dispatcher.WorkClass
}

type stubAnnouncer struct {
	sent []recordedAnnouncement
}

func (a *stubAnnouncer) EnqueueAnnouncement(
	p chat.Platform, channel, text string, class dispatcher.WorkClass,
) error {
	a.sent = append(a.sent, recordedAnnouncement{p, channel, text, class})
	return nil
}

func newRegistry(t *testing.T, botYAML string) (*command.Registry, *stubAnnouncer) {
	t.Helper()

	dir := t.TempDir()
	for name, content := range map[string]string{
		config.BotFile:      botYAML,
		config.PatternsFile: "pattern_collections: {}\n",
		config.FiltersFile:  "blacklist_filters: []\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	manager, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	announcer := &stubAnnouncer{}

	return command.NewRegistry(manager, announcer, zaptest.NewLogger(t)), announcer
}

func commandMsg(content string) *chat.Message {
	return &chat.Message{
		Platform:    chat.PlatformTwitch,
		Channel:     "chan",
		UserID:      "u1",
		DisplayName: "Viewer",
		Content:     content,
		ArrivedAt:   time.Now(),
	}
}

func TestHandleMessageAnswersCommand(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	handled := registry.HandleMessage(commandMsg("!discord"), chat.RoleViewer)
	require.True(t, handled)

	require.Len(t, announcer.sent, 1)
	sent := announcer.sent[0]
	assert.Equal(t, chat.PlatformTwitch, sent.platform)
	assert.Equal(t, "chan", sent.channel)
	assert.Equal(t, "hey Viewer, links live in chan", sent.text)
	assert.Equal(t, dispatcher.ClassCommand, sent.class)
}

func TestHandleMessageIgnoresNonCommands(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	assert.False(t, registry.HandleMessage(commandMsg("just chatting"), chat.RoleViewer))
	assert.False(t, registry.HandleMessage(commandMsg("!unknown"), chat.RoleViewer))
	assert.Empty(t, announcer.sent)
}

func TestHandleMessageCaseAndArguments(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	// Invocation name is case folded and trailing arguments are ignored.
	require.True(t, registry.HandleMessage(commandMsg("!DISCORD please"), chat.RoleViewer))
	assert.Len(t, announcer.sent, 1)
}

func TestHandleMessageCooldownThrottles(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	require.True(t, registry.HandleMessage(commandMsg("!discord"), chat.RoleViewer))
	// The second invocation is still a command but gets no response.
	require.True(t, registry.HandleMessage(commandMsg("!discord"), chat.RoleViewer))
	assert.Len(t, announcer.sent, 1)
}

func TestHandleMessageCooldownIsPerChannel(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	require.True(t, registry.HandleMessage(commandMsg("!discord"), chat.RoleViewer))

	other := commandMsg("!discord")
	other.Channel = "otherchan"
	require.True(t, registry.HandleMessage(other, chat.RoleViewer))

	assert.Len(t, announcer.sent, 2)
}

func TestHandleMessageModOnly(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	require.True(t, registry.HandleMessage(commandMsg("!secret"), chat.RoleViewer))
	assert.Empty(t, announcer.sent)

	require.True(t, registry.HandleMessage(commandMsg("!secret"), chat.RoleModerator))
	assert.Len(t, announcer.sent, 1)
}

func TestHandleMessageDisabledCommand(t *testing.T) {
	t.Parallel()

	registry, announcer := newRegistry(t, commandBotYAML)

	require.True(t, registry.HandleMessage(commandMsg("!retired"), chat.RoleViewer))
	assert.Empty(t, announcer.sent)
}

func TestHandleMessageFeatureDisabled(t *testing.T) {
	t.Parallel()

	yaml := `features:
  commands: false
commands:
  - name: discord
    response: link
    enabled: true
`
	registry, announcer := newRegistry(t, yaml)

	assert.False(t, registry.HandleMessage(commandMsg("!discord"), chat.RoleViewer))
	assert.Empty(t, announcer.sent)
}
