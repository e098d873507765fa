package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"fleetbot/internal/ratelimit"
)

var ErrNotFound = errors.New("tenant not found")

// DefaultMaxConcurrent applies when settings.max_concurrent_accounts is unset.
const DefaultMaxConcurrent = 3

// Tenant is one managed account. Root is the tenant folder holding its
// settings, templates, keywords and media.
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Root     string `json:"root"`
	Enabled  bool   `json:"enabled"`
}

// Settings is the fleet-wide section of accounts.yaml.
type Settings struct {
	MaxConcurrent   int              `json:"max_concurrent_accounts"`
	GlobalRateLimit ratelimit.Limits `json:"global_rate_limit,omitempty"`
}

type fileDoc struct {
	Accounts []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Username string `yaml:"username"`
		Folder   string `yaml:"folder"`
		Enabled  bool   `yaml:"enabled"`
	} `yaml:"accounts"`
	Settings struct {
		MaxConcurrent   int              `yaml:"max_concurrent_accounts"`
		GlobalRateLimit ratelimit.Limits `yaml:"global_rate_limit"`
	} `yaml:"settings"`
}

// File is an accounts.yaml-backed registry.
//
// Every read stats the file and re-parses it when the modification time or
// size changed, so enable/disable edits are seen by the next start attempt
// without a process restart.
type File struct {
	path string
	root string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	loaded  bool
	tenants []Tenant
	set     Settings
}

// NewFile returns a registry for path. Tenant folders resolve against root;
// empty root means the directory containing path.
func NewFile(path, root string) *File {
	if strings.TrimSpace(root) == "" {
		root = filepath.Dir(path)
	}
	return &File{path: path, root: root}
}

func (f *File) Path() string { return f.path }

func (f *File) refresh() error {
	st, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("accounts file: %w", err)
	}
	if f.loaded && st.ModTime().Equal(f.modTime) && st.Size() == f.size {
		return nil
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("accounts file: %w", err)
	}
	tenants, set, err := parse(b, f.root)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.tenants, f.set = tenants, set
	f.modTime, f.size, f.loaded = st.ModTime(), st.Size(), true
	return nil
}

func parse(b []byte, root string) ([]Tenant, Settings, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, Settings{}, err
	}
	seen := map[string]bool{}
	out := make([]Tenant, 0, len(doc.Accounts))
	for i, a := range doc.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, Settings{}, fmt.Errorf("accounts[%d]: id required", i)
		}
		if seen[id] {
			return nil, Settings{}, fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		folder := strings.TrimSpace(a.Folder)
		if folder == "" {
			folder = id
		}
		if !filepath.IsAbs(folder) {
			folder = filepath.Join(root, folder)
		}
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = id
		}
		out = append(out, Tenant{
			ID:       id,
			Name:     name,
			Username: strings.TrimPrefix(strings.TrimSpace(a.Username), "@"),
			Root:     folder,
			Enabled:  a.Enabled,
		})
	}
	set := Settings{
		MaxConcurrent:   doc.Settings.MaxConcurrent,
		GlobalRateLimit: doc.Settings.GlobalRateLimit,
	}
	if set.MaxConcurrent <= 0 {
		set.MaxConcurrent = DefaultMaxConcurrent
	}
	if err := set.GlobalRateLimit.Validate(); err != nil {
		return nil, Settings{}, fmt.Errorf("settings.global_rate_limit: %w", err)
	}
	return out, set, nil
}

// List returns every tenant in file order.
func (f *File) List() ([]Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return append([]Tenant(nil), f.tenants...), nil
}

// Get returns the tenant with id, or ErrNotFound.
func (f *File) Get(id string) (Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refresh(); err != nil {
		return Tenant{}, err
	}
	for _, t := range f.tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return Tenant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Enabled returns only tenants with enabled: true.
func (f *File) Enabled() ([]Tenant, error) {
	all, err := f.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *File) Settings() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refresh(); err != nil {
		return Settings{MaxConcurrent: DefaultMaxConcurrent}, err
	}
	s := f.set
	s.GlobalRateLimit = make(ratelimit.Limits, len(f.set.GlobalRateLimit))
	for k, v := range f.set.GlobalRateLimit {
		s.GlobalRateLimit[k] = v
	}
	return s, nil
}
