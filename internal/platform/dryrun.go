package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "fleetbot/pkg/logx"
)

// DryRun is an offline Client. Searches return deterministic synthetic
// results per query; writes are logged and remembered but never sent.
type DryRun struct {
	tenant   string
	username string
	log      logx.Logger

	mu       sync.Mutex
	authed   bool
	closed   bool
	posts    int
	liked    map[string]bool
	followed map[string]bool
}

func NewDryRun(tenantID, username string, log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	if username == "" {
		username = tenantID
	}
	return &DryRun{
		tenant:   tenantID,
		username: username,
		log:      log.With(logx.String("comp", "platform.dryrun"), logx.String("tenant", tenantID)),
		liked:    map[string]bool{},
		followed: map[string]bool{},
	}
}

func (d *DryRun) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dryrun client closed")
	}
	if !d.authed {
		return fmt.Errorf("%w: not authenticated", ErrAuth)
	}
	return nil
}

func (d *DryRun) Authenticate(ctx context.Context) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	d.mu.Lock()
	d.authed = true
	d.mu.Unlock()
	d.log.Info("dry-run session opened")
	return d.profile(), nil
}

func (d *DryRun) profile() Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Profile{
		ID:        "u-" + d.tenant,
		Username:  d.username,
		Name:      d.username,
		Followers: 100 + d.posts,
		Following: len(d.followed),
	}
}

func (d *DryRun) Post(ctx context.Context, text string, mediaIDs []string) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.posts++
	d.mu.Unlock()
	d.log.Info("dry-run post", logx.String("id", id), logx.Int("len", len([]rune(text))), logx.Int("media", len(mediaIDs)))
	return id, nil
}

func (d *DryRun) UploadMedia(ctx context.Context, path string) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	if _, err := MediaType(path); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return "media-" + uuid.NewString(), nil
}

func seed(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (d *DryRun) SearchMessages(ctx context.Context, query string, limit int) ([]Message, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	n := min(limit, 10)
	base := seed(query)
	now := time.Now()
	out := make([]Message, 0, n)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m-%08x-%d", base, i)
		author := fmt.Sprintf("user%d", (base+uint32(i))%97)
		if i == 0 {
			author = d.username
		}
		out = append(out, Message{
			ID:             id,
			Text:           fmt.Sprintf("%s #%d", query, i),
			AuthorID:       "u-" + author,
			AuthorUsername: author,
			Liked:          d.liked[id],
			CreatedAt:      now.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out, nil
}

func (d *DryRun) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	n := min(limit, 10)
	base := seed(query)
	out := make([]User, 0, n)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		v := base + uint32(i)*7919
		id := fmt.Sprintf("u-%08x", v)
		out = append(out, User{
			ID:        id,
			Username:  fmt.Sprintf("user%x", v%4096),
			Followers: int(v % 8000),
			Following: int(v % 900),
			Followed:  d.followed[id],
		})
	}
	return out, nil
}

func (d *DryRun) Like(ctx context.Context, messageID string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.liked[messageID] = true
	d.mu.Unlock()
	d.log.Debug("dry-run like", logx.String("id", messageID))
	return nil
}

func (d *DryRun) Follow(ctx context.Context, userID string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.followed[userID] = true
	d.mu.Unlock()
	d.log.Debug("dry-run follow", logx.String("id", userID))
	return nil
}

func (d *DryRun) Reply(ctx context.Context, messageID, text string) (string, error) {
	if err := d.check(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	d.log.Debug("dry-run reply", logx.String("to", messageID), logx.String("id", id))
	return id, nil
}

func (d *DryRun) FetchProfile(ctx context.Context) (Profile, error) {
	if err := d.check(ctx); err != nil {
		return Profile{}, err
	}
	return d.profile(), nil
}

func (d *DryRun) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
