package notifier

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/fleet"
	"fleetbot/internal/pipeline"
	rtsup "fleetbot/internal/runtime/supervisor"
	logx "fleetbot/pkg/logx"
)

const historySize = 50

// Service turns fleet events into operator alerts:
// bus subscription -> filter -> dedup -> queue -> rate-limited send.
//
// It also implements logx.AlertSender so warn+ log lines reach the same chat.
type Service struct {
	sender Sender
	log    logx.Logger

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan string
	accepting bool
	dedup     map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "notifier")), dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Minute
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	if s.sender == nil {
		cfg.Enabled = false
	}
	s.cfg = cfg
	burst := max(1, int(cfg.RatePerSec))
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(burst)
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start subscribes to bus and runs the dispatch loops under g. Stopping g
// stops the service.
func (s *Service) Start(g *rtsup.Group, bus eventbus.Bus) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.mu.Unlock()

	if bus != nil {
		events, unsub := bus.Subscribe(256)
		g.Go("notifier.events", func(ctx context.Context) error {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					if text, ok := s.alertFor(e); ok {
						_ = s.enqueue(text)
					}
				}
			}
		})
	}
	g.GoRestart("notifier.send", time.Second, 30*time.Second, func(ctx context.Context) error {
		return s.sendLoop(ctx, q)
	})
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.accepting = false
			s.mu.Unlock()
			return nil
		case text := <-q:
			s.mu.Lock()
			lim := s.limiter
			s.mu.Unlock()
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := s.sender.SendText(sctx, text)
			cancel()
			s.remember(text, err)
			if err != nil {
				// Not logged at warn: the alert log sink would loop it back here.
				s.log.Debug("alert send failed", logx.Err(err))
			}
		}
	}
}

// Notify queues text for delivery.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueue(text)
}

// SendText implements logx.AlertSender.
func (s *Service) SendText(ctx context.Context, text string) error {
	return s.Notify(ctx, text)
}

func (s *Service) enqueue(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	now := time.Now()
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return nil
	}
	if len(s.dedup) > 1000 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	select {
	case s.queue <- text:
		s.dedup[text] = now.Add(s.cfg.DedupWindow)
		return nil
	default:
		return ErrQueueFull
	}
}

// alertFor maps a bus event to alert text when its kind is enabled.
func (s *Service) alertFor(e eventbus.Event) (string, bool) {
	var kind, text string
	switch e.Type {
	case eventbus.TypeWorkerState:
		tr, ok := e.Data.(fleet.Transition)
		if !ok {
			return "", false
		}
		switch tr.To {
		case fleet.StateErrored:
			kind, text = AlertErrored, fmt.Sprintf("❌ %s errored: %s", tr.Tenant, tr.Error)
		case fleet.StateRunning:
			kind, text = AlertRunning, fmt.Sprintf("✅ %s running", tr.Tenant)
		case fleet.StateStopped:
			kind, text = AlertStopped, fmt.Sprintf("⏹ %s stopped", tr.Tenant)
		default:
			return "", false
		}
	case eventbus.TypeWorkerError:
		kind, text = AlertError, fmt.Sprintf("⚠️ %s: %v", e.Tenant, e.Data)
	case eventbus.TypeSlotReport:
		rep, ok := e.Data.(pipeline.Report)
		if !ok || rep.Count(pipeline.Failed) == 0 {
			return "", false
		}
		var failed []string
		for _, st := range rep.Steps {
			if st.Outcome == pipeline.Failed {
				failed = append(failed, fmt.Sprintf("%s (%s)", st.Step, st.Error))
			}
		}
		kind = AlertSlotFailed
		text = fmt.Sprintf("⚠️ %s %s: %s failed", rep.Tenant, rep.Slot, strings.Join(failed, ", "))
	default:
		return "", false
	}

	s.mu.Lock()
	want := slices.Contains(s.cfg.Events, kind)
	s.mu.Unlock()
	return text, want
}

func (s *Service) remember(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if n := len(s.history); n > historySize {
		s.history = append(s.history[:0:0], s.history[n-historySize:]...)
	}
	s.hmu.Unlock()
}

// History returns recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
