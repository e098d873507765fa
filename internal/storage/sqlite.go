package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "fleetbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; tenant goroutines queue on the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) IncrementDaily(ctx context.Context, tenant string, c Counter, n int) error {
	if !c.valid() {
		return fmt.Errorf("unknown daily counter %q", c)
	}
	if n == 0 {
		return nil
	}
	now := time.Now()
	// Column names come from the closed Counter set above.
	q := fmt.Sprintf(`INSERT INTO daily_activity(tenant_id, date, %[1]s, updated_at) VALUES(?,?,?,?)
		ON CONFLICT(tenant_id, date) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s, updated_at = excluded.updated_at`, c)
	_, err := s.db.ExecContext(ctx, q, tenant, dateKey(now), n, now.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AppendActivity(ctx context.Context, a Activity) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log(tenant_id, at, run_id, activity_type, details, success, error_message)
		 VALUES(?,?,?,?,?,?,?)`,
		a.Tenant, a.At.Format(time.RFC3339Nano), nullStr(a.RunID), a.Type, nullStr(a.Details), a.Success, nullStr(a.Error),
	)
	return err
}

func (s *sqliteStore) RecordTweet(ctx context.Context, t Tweet) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tweet_performance(tenant_id, tweet_id, tweet_text, tweet_type, has_media, posted_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, tweet_id) DO NOTHING`,
		t.Tenant, t.TweetID, nullStr(t.Text), nullStr(t.Kind), t.HasMedia, t.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecordFollowers(ctx context.Context, f Followers) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	var ratio any
	if f.Following > 0 {
		ratio = float64(f.Followers) / float64(f.Following)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follower_growth(tenant_id, date, followers_count, following_count, ratio, recorded_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, date) DO UPDATE SET
		   followers_count = excluded.followers_count,
		   following_count = excluded.following_count,
		   ratio = excluded.ratio,
		   recorded_at = excluded.recorded_at`,
		f.Tenant, dateKey(f.At), f.Followers, f.Following, ratio, f.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecordKeyword(ctx context.Context, k KeywordStat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO keyword_performance(tenant_id, keyword, date, tweets_found, engaged)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, keyword, date) DO UPDATE SET
		   tweets_found = tweets_found + excluded.tweets_found,
		   engaged = engaged + excluded.engaged`,
		k.Tenant, k.Keyword, dateKey(k.At), k.Found, k.Engaged,
	)
	return err
}

func (s *sqliteStore) RecordReply(ctx context.Context, r Reply) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commented_tweets(tenant_id, tweet_id, tweet_author, tweet_text, our_reply_id, our_reply_text, at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, tweet_id) DO NOTHING`,
		r.Tenant, r.TweetID, r.Author, nullStr(r.Text), nullStr(r.ReplyID), nullStr(r.ReplyText), r.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) HasReplied(ctx context.Context, tenant, tweetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM commented_tweets WHERE tenant_id = ? AND tweet_id = ?`, tenant, tweetID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) DailyActivity(ctx context.Context, tenant string, day time.Time) (Daily, error) {
	d := Daily{Tenant: tenant, Date: dateKey(day)}
	err := s.db.QueryRowContext(ctx,
		`SELECT tweets_posted, likes_given, replies_made, follows_made, retweets_made
		 FROM daily_activity WHERE tenant_id = ? AND date = ?`, tenant, d.Date,
	).Scan(&d.TweetsPosted, &d.LikesGiven, &d.RepliesMade, &d.FollowsMade, &d.RetweetsMade)
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	return d, err
}

func (s *sqliteStore) RecentActivity(ctx context.Context, tenant string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, activity_type, details, success, error_message
		 FROM activity_log WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`, tenant, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			at                     string
			runID, details, errMsg sql.NullString
		)
		a := Activity{Tenant: tenant}
		if err := rows.Scan(&at, &runID, &a.Type, &details, &a.Success, &errMsg); err != nil {
			return nil, err
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		a.RunID, a.Details, a.Error = runID.String, details.String, errMsg.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, like the file driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
