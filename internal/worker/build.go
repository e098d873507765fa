package worker

import (
	"fmt"
	"time"

	"fleetbot/internal/config"
	"fleetbot/internal/content"
	"fleetbot/internal/pipeline"
	"fleetbot/internal/platform"
	"fleetbot/internal/ratelimit"
	"fleetbot/internal/registry"
	"fleetbot/internal/schedule"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

// Factory builds workers from a tenant's folder. Settings are re-read on
// every Build so edits apply on the next start.
//
// Limiter is shared across builds so a restarted worker keeps its counters.
type Factory struct {
	Platform platform.Config
	Store    storage.Store
	Limiter  *ratelimit.Limiter
	Global   *ratelimit.Limiter
	Clock    schedule.Clock

	PollInterval time.Duration
	SlotCooldown time.Duration
	CallTimeout  time.Duration

	Log logx.Logger
}

// Build assembles a worker for t. Every failure wraps ErrSetup.
func (f *Factory) Build(t registry.Tenant, report Reporter) (*Worker, error) {
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("tenant", t.ID))

	settings, err := config.LoadTenantSettings(t.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSetup, t.Root, err)
	}

	limiter := f.Limiter
	if limiter == nil {
		limiter = ratelimit.New()
	}
	limiter.SetLimits(t.ID, settings.Safety.RateLimits)
	gate := ratelimit.Gate{Tenant: t.ID, Local: limiter, Global: f.Global}

	client, err := platform.Open(f.Platform, t.ID, t.Username, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	opts := []content.Option{content.WithLogger(log.With(logx.String("comp", "content")))}
	if settings.AI.Enabled {
		opts = append(opts, content.WithRewriter(content.NewHTTPRewriter(
			settings.AI.APIURL, settings.AI.ImprovePrompt, settings.AI.AITimeout())))
	}
	producer := content.NewTemplates(t.Root, content.Business{
		WANumber: settings.Business.WANumber,
		WALink:   settings.Business.WALink,
	}, opts...)

	def, afterTweet, afterFollow := settings.Safety.Delays.DelayRanges()
	exec, err := pipeline.New(pipeline.Config{
		Tenant:         t.ID,
		Username:       t.Username,
		Client:         client,
		Quota:          gate,
		Producer:       producer,
		Store:          f.Store,
		FollowKeywords: settings.Follow.Keywords,
		ReplyMax:       settings.Engagement.ReplyMax,
		Pacing: pipeline.Pacing{
			Default:     pipeline.Range(def),
			AfterPost:   pipeline.Range(afterTweet),
			AfterFollow: pipeline.Range(afterFollow),
		},
		CallTimeout: f.CallTimeout,
		Log:         log,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	return New(Config{
		Tenant:       t.ID,
		Client:       client,
		Runner:       exec,
		Gate:         gate,
		Store:        f.Store,
		Clock:        f.Clock,
		Slots:        settings.Slots(),
		PollInterval: f.PollInterval,
		SlotCooldown: f.SlotCooldown,
		CallTimeout:  f.CallTimeout,
		Report:       report,
		Log:          log,
	})
}
