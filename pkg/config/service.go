package config

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/api"
	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/sched"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// cloudRefreshInterval is how often the cloud is asked for a newer config.
const cloudRefreshInterval = 5 * time.Minute

// Status is the shared-state document under KeyConfigStatus.
type Status struct {
	SiteID    string    `json:"site_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"` // file | cloud | cache
	Path      string    `json:"path,omitempty"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// cloudConfigRow is one site_configs row. The config column holds the full
// site config as JSON.
type cloudConfigRow struct {
	SiteID    string          `json:"site_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Config    json.RawMessage `json:"config"`
}

// Service owns the site configuration: it publishes the active config to
// shared state, reloads on file changes and pulls newer versions from the
// cloud. updated_at is monotonic; an older document never replaces a newer
// one regardless of where it came from.
type Service struct {
	path    string
	dataDir string
	shared  state.Store
	client  *cloud.Client
	logger  zerolog.Logger

	watcher *fsnotify.Watcher
	refresh *sched.Runner
	health  *api.HealthServer

	changes chan *types.SiteConfig
	done    chan struct{}

	mu       sync.Mutex
	current  *types.SiteConfig
	source   string
	loadedAt time.Time

	now func() time.Time
}

// NewService creates the config service around an already-loaded config.
func NewService(cfg *types.SiteConfig, path, dataDir string, shared state.Store, client *cloud.Client) *Service {
	s := &Service{
		path:    path,
		dataDir: dataDir,
		shared:  shared,
		client:  client,
		logger:  log.WithService("config"),
		changes: make(chan *types.SiteConfig, 1),
		current: cfg,
		source:  "file",
		now:     time.Now,
	}
	s.refresh = sched.NewRunner("config-refresh", cloudRefreshInterval, s.cloudRefresh)
	s.health = api.NewHealthServer("config", api.PortConfig, s.status)
	return s
}

// Name implements supervisor.Service.
func (s *Service) Name() string { return "config" }

// Critical implements supervisor.Service.
func (s *Service) Critical() bool { return true }

// HealthURL implements supervisor.Service.
func (s *Service) HealthURL() string { return s.health.URL() }

// Current returns the active config.
func (s *Service) Current() *types.SiteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Changes delivers accepted config reloads. The channel holds one pending
// config; intermediate versions are dropped in favor of the newest.
func (s *Service) Changes() <-chan *types.SiteConfig { return s.changes }

// Start publishes the initial config and begins watching for changes.
func (s *Service) Start() error {
	if err := s.health.Start(); err != nil {
		return &types.ServiceError{Service: "config", Err: err}
	}

	s.publish()
	if err := WriteCache(s.dataDir, s.Current()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache config")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &types.ServiceError{Service: "config", Err: err}
	}
	// Watch the directory, not the file: editors and scp replace the file,
	// and a watch on the old inode goes silent after the rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return &types.ServiceError{Service: "config", Err: err}
	}
	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watch()

	s.refresh.Start()
	s.logger.Info().Str("path", s.path).Str("site_id", s.Current().SiteID).Msg("config service started")
	return nil
}

// Stop ends watching and the cloud refresh loop.
func (s *Service) Stop() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	s.refresh.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.health.Stop(ctx)
	s.logger.Info().Msg("config service stopped")
}

func (s *Service) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reloadFile()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Service) reloadFile() {
	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Error().Err(err).Msg("config file changed but failed to load, keeping current config")
		return
	}
	s.apply(cfg, "file")
}

// cloudRefresh asks the cloud for a newer config document.
func (s *Service) cloudRefresh(ctx context.Context) {
	if !s.client.Configured() {
		return
	}
	current := s.Current()

	var rows []cloudConfigRow
	err := s.client.Get(ctx, "site_configs", map[string]string{
		"site_id": "eq." + current.SiteID,
		"order":   "updated_at.desc",
		"limit":   "1",
	}, &rows)
	if err != nil {
		s.logger.Debug().Err(err).Msg("cloud config refresh failed")
		return
	}
	if len(rows) == 0 || !rows[0].UpdatedAt.After(current.UpdatedAt) {
		return
	}

	var cfg types.SiteConfig
	if err := json.Unmarshal(rows[0].Config, &cfg); err != nil {
		s.logger.Error().Err(err).Msg("cloud config is not decodable, keeping current config")
		return
	}
	if err := Validate(&cfg); err != nil {
		s.logger.Error().Err(err).Msg("cloud config failed validation, keeping current config")
		return
	}
	s.apply(&cfg, "cloud")
}

// apply installs a new config if it is not older than the current one.
func (s *Service) apply(cfg *types.SiteConfig, source string) {
	s.mu.Lock()
	if cfg.UpdatedAt.Before(s.current.UpdatedAt) {
		s.mu.Unlock()
		s.logger.Warn().
			Time("current", s.current.UpdatedAt).
			Time("offered", cfg.UpdatedAt).
			Str("source", source).
			Msg("stale config rejected")
		return
	}
	s.current = cfg
	s.source = source
	s.loadedAt = s.now().UTC()
	s.mu.Unlock()

	s.publish()
	if err := WriteCache(s.dataDir, cfg); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache config")
	}
	s.logger.Info().
		Str("source", source).
		Time("updated_at", cfg.UpdatedAt).
		Msg("config reloaded")

	// Keep only the newest pending change.
	select {
	case <-s.changes:
	default:
	}
	s.changes <- cfg
}

func (s *Service) publish() {
	s.mu.Lock()
	cfg, source, loadedAt := s.current, s.source, s.loadedAt
	s.mu.Unlock()
	if loadedAt.IsZero() {
		loadedAt = s.now().UTC()
	}

	if err := s.shared.Write(state.KeyConfig, cfg); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish config")
	}
	if err := s.shared.Write(state.KeyConfigStatus, Status{
		SiteID:    cfg.SiteID,
		UpdatedAt: cfg.UpdatedAt,
		Source:    source,
		Path:      s.path,
		LoadedAt:  loadedAt,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish config status")
	}
}

func (s *Service) status() (types.ServiceStatus, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.StatusHealthy, map[string]any{
		"site_id":           s.current.SiteID,
		"mode":              string(s.current.Mode),
		"devices":           len(s.current.Devices),
		"config_updated_at": s.current.UpdatedAt.UTC().Format(time.RFC3339),
		"source":            s.source,
	}
}
