// Package command answers !commands from chat with configured responses,
// throttled per channel so popular commands cannot flood the outbound queue.
package command

import (
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/dispatcher"
)

// commandPrefix marks a chat line as a command invocation.
const commandPrefix = "!"

// Announcer is the outbound surface command responses go through.
type Announcer interface {
	EnqueueAnnouncement(
		p chat.Platform, channel, text string, class dispatcher.WorkClass,
	) error
}

// Registry resolves command invocations against the live config and
// enqueues their responses. Cooldowns are tracked per command and
// channel so one busy channel does not silence the rest.
type Registry struct {
	cfg       *config.Manager
	announcer Announcer
	logger    *zap.Logger

	// cooldowns maps "command\x00channel" to the earliest next firing.
	cooldowns *xsync.MapOf[string, time.Time]
}

// NewRegistry creates a registry bound to the live config.
func NewRegistry(cfg *config.Manager, announcer Announcer, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		announcer: announcer,
		logger:    logger.Named("command"),
		cooldowns: xsync.NewMapOf[string, time.Time](),
	}
}

// HandleMessage checks whether msg invokes a known command and fires
// the response. It reports whether the message was a command
// invocation, even if the invocation was throttled or refused.
func (r *Registry) HandleMessage(msg *chat.Message, role chat.Role) bool {
	if !strings.HasPrefix(msg.Content, commandPrefix) {
		return false
	}

	snap := r.cfg.Current()
	if snap == nil || !snap.Bot.Features.Commands {
		return false
	}

	name := commandName(msg.Content)
	if name == "" {
		return false
	}

	cmd, ok := lookup(snap.Commands, name)
	if !ok {
		return false
	}

	if !cmd.Enabled {
		return true
	}

	if cmd.ModOnly && role < chat.RoleModerator {
		r.logger.Debug("Mod-only command refused",
			zap.String("command", name),
			zap.String("user", msg.UserID))

		return true
	}

	if !r.passCooldown(cmd, msg.Channel, time.Now()) {
		return true
	}

	response := expandResponse(cmd.Response, msg)

	err := r.announcer.EnqueueAnnouncement(
		msg.Platform, msg.Channel, response, dispatcher.ClassCommand,
	)
	if err != nil {
		r.logger.Debug("Command response shed",
			zap.String("command", name),
			zap.String("channel", msg.Channel),
			zap.Error(err))

		return true
	}

	r.logger.Debug("Command answered",
		zap.String("command", name),
		zap.String("channel", msg.Channel))

	return true
}

// passCooldown atomically claims the next firing slot for the command
// in the channel.
func (r *Registry) passCooldown(cmd *config.CommandConfig, channel string, now time.Time) bool {
	if cmd.CooldownSeconds <= 0 {
		return true
	}

	key := cmd.Name + "\x00" + channel
	allowed := false

	r.cooldowns.Compute(key, func(next time.Time, _ bool) (time.Time, bool) {
		if now.Before(next) {
			return next, false
		}

		allowed = true

		return now.Add(time.Duration(cmd.CooldownSeconds) * time.Second), false
	})

	return allowed
}

func commandName(content string) string {
	rest := strings.TrimPrefix(content, commandPrefix)

	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}

	return strings.ToLower(strings.TrimSpace(rest))
}

func lookup(commands []config.CommandConfig, name string) (*config.CommandConfig, bool) {
	for i := range commands {
		if strings.EqualFold(commands[i].Name, name) {
			return &commands[i], true
		}
	}

	return nil, false
}

// expandResponse substitutes the invoking user and channel into a
// configured response.
func expandResponse(response string, msg *chat.Message) string {
	return strings.NewReplacer(
		"{user}", msg.DisplayName,
		"{channel}", msg.Channel,
	).Replace(response)
}
