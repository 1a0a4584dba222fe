package chat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notarikon-nz/notabot/internal/chat"
)

func TestActionKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pass", chat.ActionPass.String())
	assert.Equal(t, "log_only", chat.ActionLogOnly.String())
	assert.Equal(t, "warn", chat.ActionWarn.String())
	assert.Equal(t, "delete", chat.ActionDelete.String())
	assert.Equal(t, "timeout", chat.ActionTimeout.String())
	assert.Equal(t, "ban", chat.ActionBan.String())
	assert.Equal(t, "unknown(42)", chat.ActionKind(42).String())
}

func TestActionAttenuateChain(t *testing.T) {
	t.Parallel()

	ban := chat.Action{Kind: chat.ActionBan, Message: "bye"}

	timeout := ban.Attenuate()
	assert.Equal(t, chat.ActionTimeout, timeout.Kind)
	assert.Equal(t, 24*time.Hour, timeout.Duration)

	del := timeout.Attenuate()
	assert.Equal(t, chat.ActionDelete, del.Kind)

	warn := chat.Action{Kind: chat.ActionDelete, Message: "keep it civil"}.Attenuate()
	assert.Equal(t, chat.ActionWarn, warn.Kind)
	assert.Equal(t, "keep it civil", warn.Message)

	logOnly := warn.Attenuate()
	assert.Equal(t, chat.ActionLogOnly, logOnly.Kind)

	// Already at the floor.
	assert.Equal(t, logOnly, logOnly.Attenuate())
}

func TestActionSeverityOrdering(t *testing.T) {
	t.Parallel()

	kinds := []chat.ActionKind{
		chat.ActionPass, chat.ActionLogOnly, chat.ActionWarn,
		chat.ActionDelete, chat.ActionTimeout, chat.ActionBan,
	}

	for i := 1; i < len(kinds); i++ {
		weaker := chat.Action{Kind: kinds[i-1]}
		stronger := chat.Action{Kind: kinds[i]}
		assert.Less(t, weaker.Severity(), stronger.Severity())
	}
}

func TestDecisionMatched(t *testing.T) {
	t.Parallel()

	assert.False(t, chat.Decision{Action: chat.Pass()}.Matched())
	assert.True(t, chat.Decision{Action: chat.Action{Kind: chat.ActionWarn}}.Matched())
}

func TestUserRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       chat.Message
		isRegular bool
		want      chat.Role
	}{
		{
			name: "broadcaster badge wins over mod flag",
			msg: chat.Message{
				Badges:      map[string]struct{}{"broadcaster": {}},
				IsModerator: true,
			},
			want: chat.RoleOwner,
		},
		{
			name: "youtube owner badge",
			msg:  chat.Message{Badges: map[string]struct{}{"owner": {}}},
			want: chat.RoleOwner,
		},
		{
			name: "moderator",
			msg:  chat.Message{IsModerator: true, IsSubscriber: true},
			want: chat.RoleModerator,
		},
		{
			name: "subscriber",
			msg:  chat.Message{IsSubscriber: true},
			want: chat.RoleSubscriber,
		},
		{
			name:      "regular from loyalty data",
			msg:       chat.Message{},
			isRegular: true,
			want:      chat.RoleRegular,
		},
		{
			name: "plain viewer",
			msg:  chat.Message{},
			want: chat.RoleViewer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.msg.UserRole(tt.isRegular))
		})
	}
}

func TestHasBadge(t *testing.T) {
	t.Parallel()

	msg := chat.Message{Badges: map[string]struct{}{"vip": {}}}
	assert.True(t, msg.HasBadge("vip"))
	assert.False(t, msg.HasBadge("moderator"))

	var bare chat.Message
	assert.False(t, bare.HasBadge("vip"))
}
