package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetbot/internal/content"
	"fleetbot/internal/platform"
	"fleetbot/internal/ratelimit"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

// Follow targets outside this follower range are skipped.
const (
	minTargetFollowers = 100
	maxTargetFollowers = 5000
)

const (
	searchLimit     = 10
	userSearchLimit = 20
)

const defaultCallTimeout = 60 * time.Second

// Quota is the rate gate consulted before every side effect.
type Quota interface {
	CanPerform(kind ratelimit.Kind) bool
	Record(kind ratelimit.Kind)
}

// Producer supplies post text, search keywords and reply text.
type Producer interface {
	Produce(ctx context.Context, kind content.Kind) (content.Piece, error)
	Keywords(intent content.Intent) []string
	EngagementReply() string
}

// Range is an inclusive pacing window. A zero Max disables the pause.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pacing holds the randomized pauses between side effects.
type Pacing struct {
	Default     Range // after likes and replies
	AfterPost   Range
	AfterFollow Range
}

// Config is everything an Executor needs for one tenant.
type Config struct {
	Tenant   string
	Username string

	Client   platform.Client
	Quota    Quota
	Producer Producer
	Store    storage.Store

	// FollowKeywords maps a step's Keywords name to user-search queries.
	FollowKeywords map[string][]string
	ReplyMax       int

	Pacing      Pacing
	CallTimeout time.Duration

	Log logx.Logger
	Now func() time.Time
	// Seed fixes keyword and delay choice (tests). Zero means time-seeded.
	Seed int64
}

// Executor runs slot pipelines for one tenant. It is not safe for concurrent
// RunSlot calls; a tenant's worker runs slots sequentially.
type Executor struct {
	cfg Config
	log logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Client == nil:
		return nil, errors.New("pipeline: client is required")
	case cfg.Producer == nil:
		return nil, errors.New("pipeline: producer is required")
	}
	if cfg.Quota == nil {
		cfg.Quota = ratelimit.Gate{}
	}
	if cfg.Store == nil {
		cfg.Store = storage.Nop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{
		cfg: cfg,
		log: cfg.Log.With(logx.String("comp", "pipeline"), logx.String("tenant", cfg.Tenant)),
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// RunSlot runs slot's pipeline. Step failures and quota skips never stop the
// pipeline; cancellation of ctx marks the steps not yet started as cancelled.
func (e *Executor) RunSlot(ctx context.Context, slot string) Report {
	rep := Report{
		RunID:     uuid.NewString(),
		Tenant:    e.cfg.Tenant,
		Slot:      slot,
		StartedAt: e.cfg.Now(),
	}
	log := e.log.With(logx.String("slot", slot), logx.String("run_id", rep.RunID))
	log.Info("slot started")

	for _, st := range PlanFor(slot, e.cfg.ReplyMax) {
		if ctx.Err() != nil {
			rep.Steps = append(rep.Steps, StepResult{Step: st.Kind, Outcome: Cancelled})
			continue
		}
		r := e.runStep(ctx, rep.RunID, slot, st)
		switch r.Outcome {
		case Failed:
			log.Warn("step failed", logx.String("step", string(r.Step)), logx.String("error", r.Error))
		case SkippedQuota:
			log.Info("quota reached, step skipped", logx.String("step", string(r.Step)), logx.String("kind", string(quotaKind(r.Step))))
		default:
			log.Debug("step done", logx.String("step", string(r.Step)), logx.String("outcome", string(r.Outcome)), logx.Int("count", r.Count))
		}
		rep.Steps = append(rep.Steps, r)
	}

	rep.Duration = e.cfg.Now().Sub(rep.StartedAt)
	log.Info("slot finished",
		logx.Duration("took", rep.Duration),
		logx.Int("actions", rep.Actions()),
		logx.Int("failed", rep.Count(Failed)),
		logx.Int("skipped_quota", rep.Count(SkippedQuota)),
	)

	var slotErr error
	if n := rep.Count(Failed); n > 0 {
		slotErr = fmt.Errorf("%d of %d steps failed", n, len(rep.Steps))
	}
	cctx, cancel := e.callCtx(ctx)
	e.activity(cctx, rep.RunID, slot+"_slot", fmt.Sprintf("actions=%d took=%s", rep.Actions(), rep.Duration.Round(time.Millisecond)), slotErr)
	cancel()
	return rep
}

// quotaKind is the rate-limit kind a step's actions count against.
func quotaKind(k StepKind) ratelimit.Kind {
	switch k {
	case StepPost:
		return ratelimit.KindTweets
	case StepLike:
		return ratelimit.KindLikes
	case StepFollow:
		return ratelimit.KindFollows
	case StepReply:
		return ratelimit.KindReplies
	}
	return ""
}

func (e *Executor) runStep(ctx context.Context, runID, slot string, st Step) StepResult {
	switch st.Kind {
	case StepPost:
		return e.post(ctx, runID, st)
	case StepLike:
		return e.like(ctx, runID, st)
	case StepFollow:
		return e.follow(ctx, runID, st)
	case StepReply:
		return e.reply(ctx, runID, st)
	case StepSummary:
		return e.summary(ctx)
	case StepRefresh:
		return e.refresh(ctx, runID)
	default:
		return StepResult{Step: st.Kind, Outcome: Failed, Error: "unknown step " + string(st.Kind)}
	}
}

// callCtx detaches from cancellation so an already started platform call
// finishes, bounded by the call timeout.
func (e *Executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
}

func (e *Executor) post(ctx context.Context, runID string, st Step) StepResult {
	res := StepResult{Step: StepPost}
	if !e.cfg.Quota.CanPerform(ratelimit.KindTweets) {
		res.Outcome = SkippedQuota
		return res
	}

	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	piece, err := e.cfg.Producer.Produce(cctx, st.Content)
	if err != nil {
		return e.fail(ctx, runID, res, "tweet", fmt.Errorf("produce %s: %w", st.Content, err))
	}

	var media []string
	if piece.Media != "" {
		if id, err := e.upload(cctx, piece.Media); err != nil {
			e.log.Info("posting text-only", logx.String("media", piece.Media), logx.Err(err))
		} else {
			media = append(media, id)
		}
	}

	id, err := e.cfg.Client.Post(cctx, piece.Text, media)
	if err != nil {
		return e.fail(ctx, runID, res, "tweet", err)
	}
	e.cfg.Quota.Record(ratelimit.KindTweets)
	e.storeDo("increment tweets", e.cfg.Store.IncrementDaily(cctx, e.cfg.Tenant, storage.CounterTweets, 1))
	e.storeDo("record tweet", e.cfg.Store.RecordTweet(cctx, storage.Tweet{
		Tenant:   e.cfg.Tenant,
		TweetID:  id,
		Text:     piece.Text,
		Kind:     string(st.Content),
		HasMedia: len(media) > 0,
	}))
	e.activity(cctx, runID, "tweet", fmt.Sprintf("%s %s", st.Content, id), nil)

	res.Outcome, res.Count, res.Detail = Performed, 1, id
	if len(media) > 0 {
		res.Detail += " +media"
	}
	_ = e.pause(ctx, e.cfg.Pacing.AfterPost)
	return res
}

func (e *Executor) upload(ctx context.Context, path string) (string, error) {
	if _, err := platform.MediaType(path); err != nil {
		return "", err
	}
	return e.cfg.Client.UploadMedia(ctx, path)
}

func (e *Executor) like(ctx context.Context, runID string, st Step) StepResult {
	res := StepResult{Step: StepLike}
	keyword, ok := e.pick(e.cfg.Producer.Keywords(st.Intent))
	if !ok {
		res.Outcome, res.Detail = SkippedNoData, "no "+string(st.Intent)+" keywords"
		return res
	}
	if !e.cfg.Quota.CanPerform(ratelimit.KindLikes) {
		res.Outcome = SkippedQuota
		return res
	}

	cctx, cancel := e.callCtx(ctx)
	msgs, err := e.cfg.Client.SearchMessages(cctx, keyword, searchLimit)
	cancel()
	if err != nil {
		return e.fail(ctx, runID, res, "like", fmt.Errorf("search %q: %w", keyword, err))
	}

	var lastErr error
	quotaHit := false
	for _, m := range msgs {
		if res.Count >= st.Max {
			break
		}
		if m.Liked || e.own(m.AuthorUsername) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !e.cfg.Quota.CanPerform(ratelimit.KindLikes) {
			quotaHit = true
			break
		}
		cctx, cancel := e.callCtx(ctx)
		err := e.cfg.Client.Like(cctx, m.ID)
		if err != nil {
			lastErr = err
			e.activity(cctx, runID, "like", m.ID, err)
			cancel()
			continue
		}
		e.cfg.Quota.Record(ratelimit.KindLikes)
		e.storeDo("increment likes", e.cfg.Store.IncrementDaily(cctx, e.cfg.Tenant, storage.CounterLikes, 1))
		e.activity(cctx, runID, "like", m.ID, nil)
		cancel()
		res.Count++
		if e.pause(ctx, e.cfg.Pacing.Default) != nil {
			break
		}
	}

	cctx, cancel = e.callCtx(ctx)
	e.storeDo("record keyword", e.cfg.Store.RecordKeyword(cctx, storage.KeywordStat{
		Tenant:  e.cfg.Tenant,
		Keyword: keyword,
		Found:   len(msgs),
		Engaged: res.Count,
	}))
	cancel()

	return e.settle(res, keyword, quotaHit, lastErr)
}

func (e *Executor) follow(ctx context.Context, runID string, st Step) StepResult {
	res := StepResult{Step: StepFollow}
	keyword, ok := e.pick(e.cfg.FollowKeywords[st.Keywords])
	if !ok {
		res.Outcome, res.Detail = SkippedNoData, "no follow keywords for "+st.Keywords
		return res
	}
	if !e.cfg.Quota.CanPerform(ratelimit.KindFollows) {
		res.Outcome = SkippedQuota
		return res
	}

	cctx, cancel := e.callCtx(ctx)
	users, err := e.cfg.Client.SearchUsers(cctx, keyword, userSearchLimit)
	cancel()
	if err != nil {
		return e.fail(ctx, runID, res, "follow", fmt.Errorf("search users %q: %w", keyword, err))
	}

	var lastErr error
	quotaHit := false
	for _, u := range users {
		if res.Count >= st.Max {
			break
		}
		if u.Followed || e.own(u.Username) || u.Followers < minTargetFollowers || u.Followers > maxTargetFollowers {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !e.cfg.Quota.CanPerform(ratelimit.KindFollows) {
			quotaHit = true
			break
		}
		cctx, cancel := e.callCtx(ctx)
		err := e.cfg.Client.Follow(cctx, u.ID)
		if err != nil {
			lastErr = err
			e.activity(cctx, runID, "follow", "@"+u.Username, err)
			cancel()
			continue
		}
		e.cfg.Quota.Record(ratelimit.KindFollows)
		e.storeDo("increment follows", e.cfg.Store.IncrementDaily(cctx, e.cfg.Tenant, storage.CounterFollows, 1))
		e.activity(cctx, runID, "follow", "@"+u.Username, nil)
		cancel()
		res.Count++
		if e.pause(ctx, e.cfg.Pacing.AfterFollow) != nil {
			break
		}
	}
	return e.settle(res, keyword, quotaHit, lastErr)
}

func (e *Executor) reply(ctx context.Context, runID string, st Step) StepResult {
	res := StepResult{Step: StepReply}
	keyword, ok := e.pick(e.cfg.Producer.Keywords(st.Intent))
	if !ok {
		res.Outcome, res.Detail = SkippedNoData, "no "+string(st.Intent)+" keywords"
		return res
	}
	if !e.cfg.Quota.CanPerform(ratelimit.KindReplies) {
		res.Outcome = SkippedQuota
		return res
	}

	cctx, cancel := e.callCtx(ctx)
	msgs, err := e.cfg.Client.SearchMessages(cctx, keyword, searchLimit)
	cancel()
	if err != nil {
		return e.fail(ctx, runID, res, "reply", fmt.Errorf("search %q: %w", keyword, err))
	}

	var lastErr error
	quotaHit := false
	for _, m := range msgs {
		if res.Count >= st.Max {
			break
		}
		if e.own(m.AuthorUsername) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		cctx, cancel := e.callCtx(ctx)
		done, err := e.cfg.Store.HasReplied(cctx, e.cfg.Tenant, m.ID)
		if err == nil && done {
			cancel()
			continue
		}
		if !e.cfg.Quota.CanPerform(ratelimit.KindReplies) {
			cancel()
			quotaHit = true
			break
		}
		text := e.cfg.Producer.EngagementReply()
		id, err := e.cfg.Client.Reply(cctx, m.ID, text)
		if err != nil {
			lastErr = err
			e.activity(cctx, runID, "reply", m.ID, err)
			cancel()
			continue
		}
		e.cfg.Quota.Record(ratelimit.KindReplies)
		e.storeDo("increment replies", e.cfg.Store.IncrementDaily(cctx, e.cfg.Tenant, storage.CounterReplies, 1))
		e.storeDo("record reply", e.cfg.Store.RecordReply(cctx, storage.Reply{
			Tenant:    e.cfg.Tenant,
			TweetID:   m.ID,
			Author:    m.AuthorUsername,
			Text:      m.Text,
			ReplyID:   id,
			ReplyText: text,
		}))
		e.activity(cctx, runID, "reply", m.ID, nil)
		cancel()
		res.Count++
		if e.pause(ctx, e.cfg.Pacing.Default) != nil {
			break
		}
	}
	return e.settle(res, keyword, quotaHit, lastErr)
}

func (e *Executor) summary(ctx context.Context) StepResult {
	res := StepResult{Step: StepSummary}
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	d, err := e.cfg.Store.DailyActivity(cctx, e.cfg.Tenant, e.cfg.Now())
	if errors.Is(err, storage.ErrDisabled) {
		res.Outcome, res.Detail = SkippedNoData, "storage disabled"
		return res
	}
	if err != nil {
		res.Outcome, res.Error = Failed, err.Error()
		return res
	}
	res.Outcome = Performed
	res.Detail = fmt.Sprintf("tweets=%d likes=%d follows=%d replies=%d",
		d.TweetsPosted, d.LikesGiven, d.FollowsMade, d.RepliesMade)
	e.log.Info("daily summary",
		logx.String("date", d.Date),
		logx.Int("tweets", d.TweetsPosted),
		logx.Int("likes", d.LikesGiven),
		logx.Int("follows", d.FollowsMade),
		logx.Int("replies", d.RepliesMade),
	)
	return res
}

func (e *Executor) refresh(ctx context.Context, runID string) StepResult {
	res := StepResult{Step: StepRefresh}
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	p, err := e.cfg.Client.FetchProfile(cctx)
	if err != nil {
		return e.fail(ctx, runID, res, "refresh", err)
	}
	e.storeDo("record followers", e.cfg.Store.RecordFollowers(cctx, storage.Followers{
		Tenant:    e.cfg.Tenant,
		Followers: p.Followers,
		Following: p.Following,
	}))
	res.Outcome = Performed
	res.Detail = fmt.Sprintf("followers=%d following=%d", p.Followers, p.Following)
	return res
}

// settle decides a loop step's outcome from what it managed to do.
func (e *Executor) settle(res StepResult, keyword string, quotaHit bool, lastErr error) StepResult {
	res.Detail = "keyword=" + keyword
	switch {
	case res.Count > 0:
		res.Outcome = Performed
		if quotaHit {
			res.Detail += " (quota reached)"
		}
	case quotaHit:
		res.Outcome = SkippedQuota
	case lastErr != nil:
		res.Outcome, res.Error = Failed, lastErr.Error()
	default:
		res.Outcome = SkippedNoData
	}
	return res
}

func (e *Executor) fail(ctx context.Context, runID string, res StepResult, typ string, err error) StepResult {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	e.activity(cctx, runID, typ, "", err)
	res.Outcome, res.Error = Failed, err.Error()
	return res
}

func (e *Executor) activity(ctx context.Context, runID, typ, details string, err error) {
	a := storage.Activity{
		Tenant:  e.cfg.Tenant,
		RunID:   runID,
		Type:    typ,
		Details: details,
		Success: err == nil,
	}
	if err != nil {
		a.Error = err.Error()
	}
	e.storeDo("append activity", e.cfg.Store.AppendActivity(ctx, a))
}

// storeDo logs store write failures; they never fail a step.
func (e *Executor) storeDo(what string, err error) {
	if err != nil {
		e.log.Debug("store write failed", logx.String("op", what), logx.Err(err))
	}
}

func (e *Executor) own(username string) bool {
	return e.cfg.Username != "" && strings.EqualFold(strings.TrimPrefix(username, "@"), e.cfg.Username)
}

func (e *Executor) pick(list []string) (string, bool) {
	if len(list) == 0 {
		return "", false
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return list[e.rng.Intn(len(list))], true
}

// pause sleeps a random duration in r, returning early with ctx's error.
func (e *Executor) pause(ctx context.Context, r Range) error {
	if r.Max <= 0 {
		return ctx.Err()
	}
	d := r.Min
	if span := r.Max - r.Min; span > 0 {
		e.rngMu.Lock()
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
		e.rngMu.Unlock()
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
