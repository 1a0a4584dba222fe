// Package platform abstracts chat services behind a single connection
// interface and pools connections with health tracking, rate limiting,
// and circuit breaking.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/notarikon-nz/notabot/internal/chat"
)

var (
	// ErrPlatformConnect marks connection establishment failures.
	ErrPlatformConnect = errors.New("platform connect failed")

	// ErrPlatformSend marks delivery failures after retries.
	ErrPlatformSend = errors.New("platform send failed")

	// ErrPlatformRateLimited is returned when the platform's rate budget
	// rejects an outbound operation.
	ErrPlatformRateLimited = errors.New("platform rate limited")

	// ErrNotConnected is returned for operations on a closed connection.
	ErrNotConnected = errors.New("not connected")
)

// Health is a connection's current standing in the pool.
type Health int

const (
	HealthLive Health = iota
	HealthDegraded
	HealthDead
)

// String implements fmt.Stringer.
func (h Health) String() string {
	switch h {
	case HealthLive:
		return "live"
	case HealthDegraded:
		return "degraded"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Connection is one live link to a chat platform. Implementations push
// inbound messages to the channel returned by Messages until the
// connection closes.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Messages returns the inbound stream. The channel closes when the
	// connection drops.
	Messages() <-chan *chat.Message

	SendMessage(ctx context.Context, channel, text string) error
	DeleteMessage(ctx context.Context, channel, messageID string) error
	TimeoutUser(ctx context.Context, channel, userID string, duration time.Duration, reason string) error
	BanUser(ctx context.Context, channel, userID, reason string) error

	Platform() chat.Platform
}

// Factory builds fresh connections for one platform, used by the pool
// to replace dead links.
type Factory func() Connection
