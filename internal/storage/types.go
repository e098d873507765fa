package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled and Open returns Nop().
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Counter is a daily_activity column.
type Counter string

const (
	CounterTweets   Counter = "tweets_posted"
	CounterLikes    Counter = "likes_given"
	CounterReplies  Counter = "replies_made"
	CounterFollows  Counter = "follows_made"
	CounterRetweets Counter = "retweets_made"
)

func (c Counter) valid() bool {
	switch c {
	case CounterTweets, CounterLikes, CounterReplies, CounterFollows, CounterRetweets:
		return true
	}
	return false
}

// Daily is one tenant's counters for one calendar day.
type Daily struct {
	Tenant       string `json:"tenant"`
	Date         string `json:"date"` // YYYY-MM-DD
	TweetsPosted int    `json:"tweets_posted"`
	LikesGiven   int    `json:"likes_given"`
	RepliesMade  int    `json:"replies_made"`
	FollowsMade  int    `json:"follows_made"`
	RetweetsMade int    `json:"retweets_made"`
}

func (d *Daily) add(c Counter, n int) {
	switch c {
	case CounterTweets:
		d.TweetsPosted += n
	case CounterLikes:
		d.LikesGiven += n
	case CounterReplies:
		d.RepliesMade += n
	case CounterFollows:
		d.FollowsMade += n
	case CounterRetweets:
		d.RetweetsMade += n
	}
}

// Activity is one activity_log row. RunID ties rows to a slot run.
type Activity struct {
	At      time.Time `json:"at"`
	Tenant  string    `json:"tenant"`
	RunID   string    `json:"run_id,omitempty"`
	Type    string    `json:"type"`
	Details string    `json:"details,omitempty"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Tweet is the metadata of a posted message.
type Tweet struct {
	At       time.Time `json:"at"`
	Tenant   string    `json:"tenant"`
	TweetID  string    `json:"tweet_id"`
	Text     string    `json:"text"`
	Kind     string    `json:"kind"`
	HasMedia bool      `json:"has_media"`
}

// Followers is a follower/following snapshot.
type Followers struct {
	At        time.Time `json:"at"`
	Tenant    string    `json:"tenant"`
	Followers int       `json:"followers"`
	Following int       `json:"following"`
}

// KeywordStat records how many messages a search keyword found and how many
// were engaged with. Rows for the same (tenant, keyword, day) accumulate.
type KeywordStat struct {
	At      time.Time `json:"at"`
	Tenant  string    `json:"tenant"`
	Keyword string    `json:"keyword"`
	Found   int       `json:"found"`
	Engaged int       `json:"engaged"`
}

// Reply records a reply so the same message is never replied to twice.
type Reply struct {
	At        time.Time `json:"at"`
	Tenant    string    `json:"tenant"`
	TweetID   string    `json:"tweet_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text,omitempty"`
	ReplyID   string    `json:"reply_id,omitempty"`
	ReplyText string    `json:"reply_text,omitempty"`
}

// Store is the metrics/activity store. Writes are keyed by tenant and date.
type Store interface {
	IncrementDaily(ctx context.Context, tenant string, c Counter, n int) error
	AppendActivity(ctx context.Context, a Activity) error
	RecordTweet(ctx context.Context, t Tweet) error
	RecordFollowers(ctx context.Context, f Followers) error
	RecordKeyword(ctx context.Context, k KeywordStat) error
	RecordReply(ctx context.Context, r Reply) error
	HasReplied(ctx context.Context, tenant, tweetID string) (bool, error)

	DailyActivity(ctx context.Context, tenant string, day time.Time) (Daily, error)
	RecentActivity(ctx context.Context, tenant string, limit int) ([]Activity, error)

	Close() error
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("2006-01-02")
}
