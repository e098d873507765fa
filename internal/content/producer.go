package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "fleetbot/pkg/logx"
)

// MaxLength is the platform's message length limit in runes.
const MaxLength = 280

const (
	TemplatesFile = "templates.yaml"
	KeywordsFile  = "keywords.yaml"
)

// Kind selects a template pool.
type Kind string

const (
	KindPromo Kind = "promo"
	KindValue Kind = "value"
)

// Intent selects a keyword pool.
type Intent string

const (
	IntentHigh   Intent = "high"
	IntentMedium Intent = "medium"
	IntentLow    Intent = "low"
)

// Piece is produced message text plus an optional media file (absolute path).
type Piece struct {
	Text  string
	Media string
}

// Business fills the {wa_number} / {wa_link} placeholders.
type Business struct {
	WANumber string
	WALink   string
}

// Rewriter optionally improves produced text. A rewrite error or an empty
// result keeps the original text.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (string, error)
}

type promoItem struct {
	Text  string
	Media string
}

// UnmarshalYAML accepts either a plain string or {text, media}.
func (p *promoItem) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		p.Text = n.Value
		return nil
	}
	var v struct {
		Text  string `yaml:"text"`
		Media string `yaml:"media"`
	}
	if err := n.Decode(&v); err != nil {
		return err
	}
	p.Text, p.Media = v.Text, v.Media
	return nil
}

type templatesDoc struct {
	Promo      []promoItem `yaml:"promo_templates"`
	Value      []string    `yaml:"value_templates"`
	Engagement []string    `yaml:"engagement_templates"`
}

type keywordsDoc struct {
	High   []string `yaml:"high_intent"`
	Medium []string `yaml:"medium_intent"`
	Low    []string `yaml:"low_intent"`
}

// Fallbacks used when a pool is empty.
const (
	fallbackPromo      = "Kuota murah! DM untuk info."
	fallbackValue      = "Tips: hemat kuota dengan mematikan auto-play video!"
	fallbackEngagement = "👍"
)

// Templates produces content from a tenant's templates.yaml and keywords.yaml.
// Files are re-read when their modification time changes.
type Templates struct {
	root     string
	business Business
	rewriter Rewriter
	log      logx.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	tpl       templatesDoc
	tplMod    time.Time
	kw        keywordsDoc
	kwMod     time.Time
	loadedTpl bool
	loadedKw  bool
}

type Option func(*Templates)

func WithRewriter(r Rewriter) Option { return func(t *Templates) { t.rewriter = r } }

func WithLogger(log logx.Logger) Option { return func(t *Templates) { t.log = log } }

// WithSeed makes template choice deterministic (tests).
func WithSeed(seed int64) Option {
	return func(t *Templates) { t.rng = rand.New(rand.NewSource(seed)) }
}

func NewTemplates(root string, biz Business, opts ...Option) *Templates {
	t := &Templates{
		root:     root,
		business: biz,
		log:      logx.Nop(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Templates) refreshLocked() {
	if mod, ok := t.stale(TemplatesFile, t.tplMod, t.loadedTpl); ok {
		var doc templatesDoc
		if err := t.readYAML(TemplatesFile, &doc); err != nil {
			t.log.Warn("templates load failed", logx.String("root", t.root), logx.Err(err))
		} else {
			t.tpl, t.tplMod, t.loadedTpl = doc, mod, true
		}
	}
	if mod, ok := t.stale(KeywordsFile, t.kwMod, t.loadedKw); ok {
		var doc keywordsDoc
		if err := t.readYAML(KeywordsFile, &doc); err != nil {
			t.log.Warn("keywords load failed", logx.String("root", t.root), logx.Err(err))
		} else {
			t.kw, t.kwMod, t.loadedKw = doc, mod, true
		}
	}
}

func (t *Templates) stale(name string, last time.Time, loaded bool) (time.Time, bool) {
	st, err := os.Stat(filepath.Join(t.root, name))
	if err != nil {
		return time.Time{}, false
	}
	return st.ModTime(), !loaded || !st.ModTime().Equal(last)
}

func (t *Templates) readYAML(name string, out any) error {
	b, err := os.ReadFile(filepath.Join(t.root, name))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// Produce returns text (at most MaxLength runes) for kind. Promo pieces may
// carry media; a media path that does not exist is dropped.
func (t *Templates) Produce(ctx context.Context, kind Kind) (Piece, error) {
	t.mu.Lock()
	t.refreshLocked()
	var p Piece
	switch kind {
	case KindPromo:
		if n := len(t.tpl.Promo); n > 0 {
			it := t.tpl.Promo[t.rng.Intn(n)]
			p = Piece{Text: it.Text, Media: it.Media}
		} else {
			p.Text = fallbackPromo
		}
	case KindValue:
		if n := len(t.tpl.Value); n > 0 {
			p.Text = t.tpl.Value[t.rng.Intn(n)]
		} else {
			p.Text = fallbackValue
		}
	default:
		t.mu.Unlock()
		return Piece{}, fmt.Errorf("unknown content kind %q", kind)
	}
	t.mu.Unlock()

	p.Text = t.fill(p.Text)
	if p.Media != "" {
		p.Media = t.resolveMedia(p.Media)
	}
	if t.rewriter != nil {
		if better, err := t.rewriter.Rewrite(ctx, p.Text); err != nil {
			t.log.Debug("rewrite skipped", logx.Err(err))
		} else if better != "" {
			p.Text = better
		}
	}
	if strings.TrimSpace(p.Text) == "" {
		return Piece{}, errors.New("template produced empty text")
	}
	p.Text = Truncate(p.Text, MaxLength)
	return p, nil
}

func (t *Templates) resolveMedia(rel string) string {
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.root, rel)
	}
	if _, err := os.Stat(path); err != nil {
		t.log.Info("media not found; posting text-only", logx.String("media", rel))
		return ""
	}
	return path
}

func (t *Templates) fill(s string) string {
	return strings.NewReplacer(
		"{wa_number}", t.business.WANumber,
		"{wa_link}", t.business.WALink,
	).Replace(s)
}

// Keywords returns the search keywords for intent.
func (t *Templates) Keywords(intent Intent) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	var src []string
	switch intent {
	case IntentMedium:
		src = t.kw.Medium
	case IntentLow:
		src = t.kw.Low
	default:
		src = t.kw.High
	}
	return append([]string(nil), src...)
}

// EngagementReply returns a random reply template.
func (t *Templates) EngagementReply() string {
	t.mu.Lock()
	t.refreshLocked()
	var s string
	if n := len(t.tpl.Engagement); n > 0 {
		s = t.tpl.Engagement[t.rng.Intn(n)]
	} else {
		s = fallbackEngagement
	}
	t.mu.Unlock()
	return Truncate(t.fill(s), MaxLength)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
