package platform

import (
	"context"

	"golang.org/x/time/rate"
)

type throttled struct {
	next Client
	lim  *rate.Limiter
}

// Throttle wraps c so every call first waits for a token from a
// rate.Limiter (rps tokens/second, burst). Waiting honors ctx.
func Throttle(c Client, rps float64, burst int) Client {
	if burst <= 0 {
		burst = 1
	}
	return &throttled{next: c, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) Authenticate(ctx context.Context) (Profile, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return Profile{}, err
	}
	return t.next.Authenticate(ctx)
}

func (t *throttled) Post(ctx context.Context, text string, mediaIDs []string) (string, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Post(ctx, text, mediaIDs)
}

func (t *throttled) UploadMedia(ctx context.Context, path string) (string, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.UploadMedia(ctx, path)
}

func (t *throttled) SearchMessages(ctx context.Context, query string, limit int) ([]Message, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.SearchMessages(ctx, query, limit)
}

func (t *throttled) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.SearchUsers(ctx, query, limit)
}

func (t *throttled) Like(ctx context.Context, messageID string) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.next.Like(ctx, messageID)
}

func (t *throttled) Follow(ctx context.Context, userID string) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.next.Follow(ctx, userID)
}

func (t *throttled) Reply(ctx context.Context, messageID, text string) (string, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Reply(ctx, messageID, text)
}

func (t *throttled) FetchProfile(ctx context.Context) (Profile, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return Profile{}, err
	}
	return t.next.FetchProfile(ctx)
}

func (t *throttled) Close() error { return t.next.Close() }
