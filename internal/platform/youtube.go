package platform

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/pkg/utils"
)

// defaultPollInterval is used until the API reports its own preferred
// polling interval.
const defaultPollInterval = 2 * time.Second

// YouTubeCredentials hold the API access configuration.
type YouTubeCredentials struct {
	APIKey     string
	OAuthToken string
	LiveChatID string
}

// YouTubeConnection polls the live chat REST API and pushes moderation
// operations back through it.
type YouTubeConnection struct {
	creds        YouTubeCredentials
	timeout      time.Duration
	pollInterval time.Duration
	logger       *zap.Logger

	service   *youtube.Service
	connected atomic.Bool
	messages  chan *chat.Message
	cancel    context.CancelFunc
}

// NewYouTubeConnection creates an unconnected YouTube live chat link.
func NewYouTubeConnection(
	creds YouTubeCredentials, timeout, pollInterval time.Duration, logger *zap.Logger,
) *YouTubeConnection {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &YouTubeConnection{
		creds:        creds,
		timeout:      timeout,
		pollInterval: pollInterval,
		logger:       logger.Named("youtube"),
	}
}

// Platform implements Connection.
func (c *YouTubeConnection) Platform() chat.Platform { return chat.PlatformYouTube }

// Connect builds the API client and starts the polling loop.
func (c *YouTubeConnection) Connect(ctx context.Context) error {
	if c.creds.LiveChatID == "" {
		return fmt.Errorf("%w: youtube live chat id missing", ErrPlatformConnect)
	}

	opts := []option.ClientOption{}
	if c.creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(c.creds.APIKey))
	}

	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("%w: youtube client: %w", ErrPlatformConnect, err)
	}

	c.service = service
	c.messages = make(chan *chat.Message, 64)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.connected.Store(true)

	go c.pollLoop(pollCtx)

	c.logger.Info("Connected to YouTube live chat", zap.String("liveChatID", c.creds.LiveChatID))

	return nil
}

// Disconnect stops polling.
func (c *YouTubeConnection) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}

	c.cancel()

	return nil
}

// IsConnected implements Connection.
func (c *YouTubeConnection) IsConnected() bool { return c.connected.Load() }

// Messages implements Connection.
func (c *YouTubeConnection) Messages() <-chan *chat.Message { return c.messages }

// SendMessage posts a text message to the live chat.
func (c *YouTubeConnection) SendMessage(ctx context.Context, _ string, text string) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: youtube", ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.service.LiveChatMessages.Insert([]string{"snippet"}, &youtube.LiveChatMessage{
		Snippet: &youtube.LiveChatMessageSnippet{
			LiveChatId: c.creds.LiveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &youtube.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}).Context(callCtx).Do()
	if err != nil {
		return fmt.Errorf("%w: youtube insert: %w", ErrPlatformSend, err)
	}

	return nil
}

// DeleteMessage removes a live chat message by id.
func (c *YouTubeConnection) DeleteMessage(ctx context.Context, _ string, messageID string) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: youtube", ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.service.LiveChatMessages.Delete(messageID).Context(callCtx).Do(); err != nil {
		return fmt.Errorf("%w: youtube delete: %w", ErrPlatformSend, err)
	}

	return nil
}

// TimeoutUser issues a temporary ban.
func (c *YouTubeConnection) TimeoutUser(
	ctx context.Context, _ string, userID string, duration time.Duration, _ string,
) error {
	return c.ban(ctx, userID, "temporary", int64(duration.Seconds()))
}

// BanUser issues a permanent ban.
func (c *YouTubeConnection) BanUser(ctx context.Context, _ string, userID string, _ string) error {
	return c.ban(ctx, userID, "permanent", 0)
}

func (c *YouTubeConnection) ban(ctx context.Context, userID, banType string, seconds int64) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: youtube", ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snippet := &youtube.LiveChatBanSnippet{
		LiveChatId: c.creds.LiveChatID,
		Type:       banType,
		BannedUserDetails: &youtube.ChannelProfileDetails{
			ChannelId: userID,
		},
	}

	if banType == "temporary" && seconds > 0 {
		snippet.BanDurationSeconds = uint64(seconds)
	}

	_, err := c.service.LiveChatBans.Insert([]string{"snippet"}, &youtube.LiveChatBan{
		Snippet: snippet,
	}).Context(callCtx).Do()
	if err != nil {
		return fmt.Errorf("%w: youtube ban: %w", ErrPlatformSend, err)
	}

	return nil
}

func (c *YouTubeConnection) pollLoop(ctx context.Context) {
	defer func() {
		c.connected.Store(false)
		close(c.messages)
	}()

	pageToken := ""
	interval := c.pollInterval

	for {
		if utils.ContextSleep(ctx, interval) == utils.SleepCancelled {
			return
		}

		resp, err := utils.WithRetry(ctx, func() (*youtube.LiveChatMessageListResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			call := c.service.LiveChatMessages.
				List(c.creds.LiveChatID, []string{"snippet", "authorDetails"}).
				Context(callCtx)

			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			return call.Do()
		}, utils.GetPollRetryOptions())
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.logger.Warn("Live chat poll failed, stopping connection", zap.Error(err))

			return
		}

		pageToken = resp.NextPageToken

		if resp.PollingIntervalMillis > 0 {
			interval = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		}

		for _, item := range resp.Items {
			msg := convertYouTubeMessage(item)
			if msg == nil {
				continue
			}

			select {
			case c.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertYouTubeMessage maps an API item to the internal message shape.
// Non-text events return nil.
func convertYouTubeMessage(item *youtube.LiveChatMessage) *chat.Message {
	if item.Snippet == nil || item.AuthorDetails == nil {
		return nil
	}

	if item.Snippet.TextMessageDetails == nil {
		return nil
	}

	arrived := time.Now()
	if ts, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		arrived = ts
	}

	badges := map[string]struct{}{}
	if item.AuthorDetails.IsChatOwner {
		badges["owner"] = struct{}{}
	}

	return &chat.Message{
		ID:           item.Id,
		Platform:     chat.PlatformYouTube,
		Channel:      item.Snippet.LiveChatId,
		UserID:       item.AuthorDetails.ChannelId,
		DisplayName:  item.AuthorDetails.DisplayName,
		Content:      item.Snippet.TextMessageDetails.MessageText,
		Badges:       badges,
		IsModerator:  item.AuthorDetails.IsChatModerator,
		IsSubscriber: item.AuthorDetails.IsChatSponsor,
		ArrivedAt:    arrived,
	}
}
