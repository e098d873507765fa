package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	logx "fleetbot/pkg/logx"
)

// fileStore is a plain-file persistence backend (no database).
//
// Files:
//   - <prefix>.activity.jsonl       (append-only activity log)
//   - <prefix>.records.jsonl        (append-only tweets/followers/keywords/replies)
//   - <prefix>.daily.snapshot.json  (daily counters, periodic snapshot)
//   - <prefix>.daily.journal.jsonl  (daily counter increments since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery increments.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	activityPath string
	activity     *os.File
	records      *os.File

	snapshotPath string
	journal      *os.File
	daily        map[string]*Daily // tenant|date
	replied      map[string]bool   // tenant|tweet_id
	increments   int
}

const compactEvery = 500

type dailyIncrement struct {
	Tenant  string  `json:"tenant"`
	Date    string  `json:"date"`
	Counter Counter `json:"counter"`
	N       int     `json:"n"`
}

type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		activityPath: prefix + ".activity.jsonl",
		snapshotPath: prefix + ".daily.snapshot.json",
		daily:        map[string]*Daily{},
		replied:      map[string]bool{},
	}
	journalPath := prefix + ".daily.journal.jsonl"
	recordsPath := prefix + ".records.jsonl"

	_ = s.loadSnapshot()
	_ = s.replayJournal(journalPath)
	_ = s.loadReplies(recordsPath)

	var err error
	if s.activity, err = openAppend(s.activityPath); err != nil {
		return nil, err
	}
	if s.records, err = openAppend(recordsPath); err != nil {
		_ = s.activity.Close()
		return nil, err
	}
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.activity.Close()
		_ = s.records.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil && s.increments > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("daily compact on close failed", logx.Err(err))
		}
	}
	var errs []error
	for _, f := range []*os.File{s.activity, s.records, s.journal} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	s.activity, s.records, s.journal = nil, nil, nil
	return errors.Join(errs...)
}

func (s *fileStore) IncrementDaily(_ context.Context, tenant string, c Counter, n int) error {
	if !c.valid() {
		return errors.New("unknown daily counter " + string(c))
	}
	if n == 0 {
		return nil
	}
	inc := dailyIncrement{Tenant: tenant, Date: dateKey(time.Now()), Counter: c, N: n}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("daily journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(inc); err != nil {
		return err
	}
	s.applyLocked(inc)
	s.increments++
	if s.increments%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("daily compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) applyLocked(inc dailyIncrement) {
	k := inc.Tenant + "|" + inc.Date
	d := s.daily[k]
	if d == nil {
		d = &Daily{Tenant: inc.Tenant, Date: inc.Date}
		s.daily[k] = d
	}
	d.add(inc.Counter, inc.N)
}

func (s *fileStore) AppendActivity(_ context.Context, a Activity) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity == nil {
		return errors.New("activity file closed")
	}
	return json.NewEncoder(s.activity).Encode(a)
}

func (s *fileStore) appendRecord(typ string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.records == nil {
		return errors.New("records file closed")
	}
	return json.NewEncoder(s.records).Encode(record{Type: typ, Data: b})
}

func (s *fileStore) RecordTweet(_ context.Context, t Tweet) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecord("tweet", t)
}

func (s *fileStore) RecordFollowers(_ context.Context, f Followers) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecord("followers", f)
}

func (s *fileStore) RecordKeyword(_ context.Context, k KeywordStat) error {
	if k.At.IsZero() {
		k.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRecord("keyword", k)
}

func (s *fileStore) RecordReply(_ context.Context, r Reply) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := r.Tenant + "|" + r.TweetID
	if s.replied[k] {
		return nil
	}
	if err := s.appendRecord("reply", r); err != nil {
		return err
	}
	s.replied[k] = true
	return nil
}

func (s *fileStore) HasReplied(_ context.Context, tenant, tweetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replied[tenant+"|"+tweetID], nil
}

func (s *fileStore) DailyActivity(_ context.Context, tenant string, day time.Time) (Daily, error) {
	date := dateKey(day)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.daily[tenant+"|"+date]; d != nil {
		return *d, nil
	}
	return Daily{Tenant: tenant, Date: date}, nil
}

// RecentActivity scans the activity log and keeps the last limit rows for tenant.
func (s *fileStore) RecentActivity(_ context.Context, tenant string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.activityPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Activity, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var a Activity
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil || a.Tenant != tenant {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, a)
	}
	return ring, sc.Err()
}

func (s *fileStore) compactLocked() error {
	rows := make([]Daily, 0, len(s.daily))
	for _, d := range s.daily {
		rows = append(rows, *d)
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	// Snapshot must be fully on disk before the journal is dropped.
	if err := renameio.WriteFile(s.snapshotPath, b, 0o600); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.increments = 0
	return err
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var rows []Daily
	if err := json.Unmarshal(b, &rows); err != nil {
		return err
	}
	for i := range rows {
		d := rows[i]
		s.daily[d.Tenant+"|"+d.Date] = &d
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var inc dailyIncrement
		if err := json.Unmarshal(sc.Bytes(), &inc); err != nil || inc.Tenant == "" {
			continue
		}
		s.applyLocked(inc)
	}
	return sc.Err()
}

func (s *fileStore) loadReplies(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Type != "reply" {
			continue
		}
		var r Reply
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			continue
		}
		s.replied[r.Tenant+"|"+r.TweetID] = true
	}
	return sc.Err()
}
