package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "fleetbot/pkg/logx"
)

// Open initializes the configured store. A disabled store is Nop(), never nil.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return Nop(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Nop returns a store that accepts writes and keeps nothing.
// Reads return ErrDisabled.
func Nop() Store { return nopStore{} }

type nopStore struct{}

func (nopStore) IncrementDaily(context.Context, string, Counter, int) error { return nil }
func (nopStore) AppendActivity(context.Context, Activity) error            { return nil }
func (nopStore) RecordTweet(context.Context, Tweet) error                  { return nil }
func (nopStore) RecordFollowers(context.Context, Followers) error          { return nil }
func (nopStore) RecordKeyword(context.Context, KeywordStat) error          { return nil }
func (nopStore) RecordReply(context.Context, Reply) error                  { return nil }
func (nopStore) HasReplied(context.Context, string, string) (bool, error)  { return false, nil }
func (nopStore) DailyActivity(_ context.Context, tenant string, day time.Time) (Daily, error) {
	return Daily{Tenant: tenant, Date: dateKey(day)}, ErrDisabled
}
func (nopStore) RecentActivity(context.Context, string, int) ([]Activity, error) {
	return nil, ErrDisabled
}
func (nopStore) Close() error { return nil }
