package setup

import (
	"errors"
	"fmt"
	"os"

	"github.com/notarikon-nz/notabot/internal/platform"
)

// ErrCredentialsMissing indicates an enabled platform has no usable
// credentials in the environment.
var ErrCredentialsMissing = errors.New("credentials missing")

// Credentials holds the secrets read from the environment. Secrets
// never live in config files so they cannot leak through snapshots or
// exports.
type Credentials struct {
	Twitch        platform.TwitchCredentials
	YouTube       platform.YouTubeCredentials
	DashboardAddr string
}

// LoadCredentials reads platform secrets and the dashboard address from
// the environment.
func LoadCredentials() Credentials {
	port := os.Getenv("DASHBOARD_PORT")
	if port == "" {
		port = "8080"
	}

	return Credentials{
		Twitch: platform.TwitchCredentials{
			Username:   os.Getenv("TWITCH_USERNAME"),
			OAuthToken: os.Getenv("TWITCH_OAUTH_TOKEN"),
		},
		YouTube: platform.YouTubeCredentials{
			APIKey:     os.Getenv("YOUTUBE_API_KEY"),
			OAuthToken: os.Getenv("YOUTUBE_OAUTH_TOKEN"),
			LiveChatID: os.Getenv("YOUTUBE_LIVE_CHAT_ID"),
		},
		DashboardAddr: ":" + port,
	}
}

// ValidateTwitch confirms the Twitch secrets are present.
func (c Credentials) ValidateTwitch() error {
	if c.Twitch.Username == "" || c.Twitch.OAuthToken == "" {
		return fmt.Errorf(
			"%w: TWITCH_USERNAME and TWITCH_OAUTH_TOKEN are required", ErrCredentialsMissing,
		)
	}

	return nil
}

// ValidateYouTube confirms the YouTube secrets are present.
func (c Credentials) ValidateYouTube() error {
	if c.YouTube.LiveChatID == "" || (c.YouTube.APIKey == "" && c.YouTube.OAuthToken == "") {
		return fmt.Errorf(
			"%w: YOUTUBE_LIVE_CHAT_ID and one of YOUTUBE_API_KEY or YOUTUBE_OAUTH_TOKEN are required",
			ErrCredentialsMissing,
		)
	}

	return nil
}
