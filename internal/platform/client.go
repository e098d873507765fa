package platform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	logx "fleetbot/pkg/logx"
)

var (
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrAuth             = errors.New("authentication failed")
)

// Profile is the authenticated account.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Followers int    `json:"followers"`
	Following int    `json:"following"`
}

// Message is a search hit.
type Message struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	Liked          bool      `json:"liked"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is a user-search hit.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Followers int    `json:"followers"`
	Following int    `json:"following"`
	Followed  bool   `json:"followed"` // already followed by us
}

// Client is a tenant's session with the social platform. Every call blocks
// on the network and may fail; implementations must honor ctx.
type Client interface {
	Authenticate(ctx context.Context) (Profile, error)
	Post(ctx context.Context, text string, mediaIDs []string) (string, error)
	UploadMedia(ctx context.Context, path string) (string, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]Message, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]User, error)
	Like(ctx context.Context, messageID string) error
	Follow(ctx context.Context, userID string) error
	Reply(ctx context.Context, messageID, text string) (string, error)
	FetchProfile(ctx context.Context) (Profile, error)
	Close() error
}

// Config selects and tunes the driver.
type Config struct {
	Driver     string
	RatePerSec float64
	Burst      int
}

// Open builds a client for one tenant.
func Open(cfg Config, tenantID, username string, log logx.Logger) (Client, error) {
	var c Client
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "dryrun":
		c = NewDryRun(tenantID, username, log)
	default:
		return nil, fmt.Errorf("unknown platform driver: %s", d)
	}
	if cfg.RatePerSec > 0 {
		c = Throttle(c, cfg.RatePerSec, cfg.Burst)
	}
	return c, nil
}

// MediaType maps a media file extension to its upload content type.
func MediaType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov":
		return "video/mp4", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".png":
		return "image/png", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, filepath.Ext(path))
	}
}
