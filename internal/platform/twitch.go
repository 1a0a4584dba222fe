package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
)

// twitchIRCURL is the IRC-over-WebSocket gateway.
const twitchIRCURL = "wss://irc-ws.chat.twitch.tv:443"

// twitchCapabilities requests message tags so badges, mod state, and
// message ids arrive with each line.
const twitchCapabilities = "CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership"

// TwitchCredentials hold the IRC login pair from the environment.
type TwitchCredentials struct {
	Username   string
	OAuthToken string
}

// TwitchConnection is one IRC-over-WebSocket link to Twitch chat.
type TwitchConnection struct {
	creds    TwitchCredentials
	channels []string
	timeout  time.Duration
	logger   *zap.Logger

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	messages  chan *chat.Message
	done      chan struct{}
}

// NewTwitchConnection creates an unconnected Twitch link for the given
// channels.
func NewTwitchConnection(
	creds TwitchCredentials, channels []string, timeout time.Duration, logger *zap.Logger,
) *TwitchConnection {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &TwitchConnection{
		creds:    creds,
		channels: channels,
		timeout:  timeout,
		logger:   logger.Named("twitch"),
	}
}

// Platform implements Connection.
func (c *TwitchConnection) Platform() chat.Platform { return chat.PlatformTwitch }

// Connect dials the gateway, authenticates, joins the configured
// channels, and starts the read loop.
func (c *TwitchConnection) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, twitchIRCURL, nil)
	if err != nil {
		return fmt.Errorf("%w: twitch dial: %w", ErrPlatformConnect, err)
	}

	c.conn = conn
	c.messages = make(chan *chat.Message, 64)
	c.done = make(chan struct{})

	token := c.creds.OAuthToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	lines := []string{
		twitchCapabilities,
		"PASS " + token,
		"NICK " + strings.ToLower(c.creds.Username),
	}

	for _, channel := range c.channels {
		lines = append(lines, "JOIN #"+strings.TrimPrefix(strings.ToLower(channel), "#"))
	}

	for _, line := range lines {
		if err := c.writeLine(line); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: twitch handshake: %w", ErrPlatformConnect, err)
		}
	}

	c.connected.Store(true)

	go c.readLoop()

	c.logger.Info("Connected to Twitch IRC",
		zap.String("username", c.creds.Username),
		zap.Strings("channels", c.channels))

	return nil
}

// Disconnect closes the link. The read loop notices and closes the
// message stream.
func (c *TwitchConnection) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return c.conn.Close()
}

// IsConnected implements Connection.
func (c *TwitchConnection) IsConnected() bool { return c.connected.Load() }

// Messages implements Connection.
func (c *TwitchConnection) Messages() <-chan *chat.Message { return c.messages }

// SendMessage posts a chat line to a channel.
func (c *TwitchConnection) SendMessage(ctx context.Context, channel, text string) error {
	return c.privmsg(ctx, channel, text)
}

// DeleteMessage removes a single message by its tag id.
func (c *TwitchConnection) DeleteMessage(ctx context.Context, channel, messageID string) error {
	return c.privmsg(ctx, channel, "/delete "+messageID)
}

// TimeoutUser issues a timed ban.
func (c *TwitchConnection) TimeoutUser(
	ctx context.Context, channel, userID string, duration time.Duration, reason string,
) error {
	seconds := int(duration.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	cmd := fmt.Sprintf("/timeout %s %d", userID, seconds)
	if reason != "" {
		cmd += " " + reason
	}

	return c.privmsg(ctx, channel, cmd)
}

// BanUser issues a permanent ban.
func (c *TwitchConnection) BanUser(ctx context.Context, channel, userID, reason string) error {
	cmd := "/ban " + userID
	if reason != "" {
		cmd += " " + reason
	}

	return c.privmsg(ctx, channel, cmd)
}

func (c *TwitchConnection) privmsg(ctx context.Context, channel, text string) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: twitch", ErrNotConnected)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	channel = "#" + strings.TrimPrefix(strings.ToLower(channel), "#")

	if err := c.writeLine("PRIVMSG " + channel + " :" + text); err != nil {
		return fmt.Errorf("%w: twitch: %w", ErrPlatformSend, err)
	}

	return nil
}

func (c *TwitchConnection) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))

	return c.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (c *TwitchConnection) readLoop() {
	defer func() {
		c.connected.Store(false)
		close(c.messages)
		close(c.done)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.connected.Load() {
				c.logger.Warn("Twitch read loop ended", zap.Error(err))
			}

			return
		}

		for _, line := range strings.Split(string(payload), "\r\n") {
			if line == "" {
				continue
			}

			c.handleLine(line)
		}
	}
}

func (c *TwitchConnection) handleLine(line string) {
	if strings.HasPrefix(line, "PING") {
		if err := c.writeLine("PONG :tmi.twitch.tv"); err != nil {
			c.logger.Warn("PONG write failed", zap.Error(err))
		}

		return
	}

	msg, ok := parseTwitchPrivmsg(line)
	if !ok {
		return
	}

	select {
	case c.messages <- msg:
	case <-c.done:
	}
}

// parseTwitchPrivmsg decodes one tagged IRC PRIVMSG line into a chat
// message. Non-PRIVMSG lines report ok=false.
func parseTwitchPrivmsg(line string) (*chat.Message, bool) {
	tags := map[string]string{}

	if strings.HasPrefix(line, "@") {
		idx := strings.Index(line, " ")
		if idx < 0 {
			return nil, false
		}

		for _, pair := range strings.Split(line[1:idx], ";") {
			if k, v, found := strings.Cut(pair, "="); found {
				tags[k] = v
			}
		}

		line = line[idx+1:]
	}

	if !strings.HasPrefix(line, ":") {
		return nil, false
	}

	rest := line[1:]

	idx := strings.Index(rest, " PRIVMSG ")
	if idx < 0 {
		return nil, false
	}

	prefix := rest[:idx]
	rest = rest[idx+len(" PRIVMSG "):]

	channel, content, found := strings.Cut(rest, " :")
	if !found {
		return nil, false
	}

	username := prefix
	if bang := strings.Index(prefix, "!"); bang >= 0 {
		username = prefix[:bang]
	}

	badges := map[string]struct{}{}

	for _, badge := range strings.Split(tags["badges"], ",") {
		if badge == "" {
			continue
		}

		name, _, _ := strings.Cut(badge, "/")
		badges[name] = struct{}{}
	}

	arrived := time.Now()

	if ts := tags["tmi-sent-ts"]; ts != "" {
		if millis, err := strconv.ParseInt(ts, 10, 64); err == nil {
			arrived = time.UnixMilli(millis)
		}
	}

	userID := tags["user-id"]
	if userID == "" {
		userID = username
	}

	displayName := tags["display-name"]
	if displayName == "" {
		displayName = username
	}

	return &chat.Message{
		ID:           tags["id"],
		Platform:     chat.PlatformTwitch,
		Channel:      strings.TrimPrefix(channel, "#"),
		UserID:       userID,
		DisplayName:  displayName,
		Content:      content,
		Badges:       badges,
		IsModerator:  tags["mod"] == "1",
		IsSubscriber: tags["subscriber"] == "1",
		ArrivedAt:    arrived,
	}, true
}
