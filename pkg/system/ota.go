package system

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// Fetcher downloads a firmware package to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Applier installs a staged firmware package. Platform images supply their
// own; the default records the intent and does nothing so dev hosts and
// tests survive the full state machine.
type Applier interface {
	Backup() error
	Apply(packagePath string) error
	Rollback() error
}

// httpFetcher is the default Fetcher.
type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("firmware download returned %d", resp.StatusCode)
	}

	// Write to a temp name first so a partial download never looks staged.
	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

type noopApplier struct {
	logger zerolog.Logger
}

func (a *noopApplier) Backup() error { return nil }

func (a *noopApplier) Apply(packagePath string) error {
	a.logger.Info().Str("package", packagePath).Msg("no applier configured, firmware package left staged")
	return nil
}

func (a *noopApplier) Rollback() error { return nil }

// firmwareRelease is one firmware_releases row.
type firmwareRelease struct {
	ID             string `json:"id"`
	Version        string `json:"version"`
	PackageURL     string `json:"package_url"`
	SHA256         string `json:"sha256"`
	HardwareTypeID string `json:"hardware_type_id"`
	ReleasedAt     string `json:"released_at"`
}

// otaManager runs the firmware update state machine:
//
//	idle -> checking -> available -> downloading -> ready
//	ready -> applying -> success | failed | rolled_back
//
// Downloading and staging happen unattended; the apply step waits for an
// operator-approved apply_firmware command from the cloud.
type otaManager struct {
	shared  state.Store
	client  *cloud.Client
	fetcher Fetcher
	applier Applier
	logger  zerolog.Logger

	// stopServices and startServices bracket the package extraction;
	// verifyHealth gates success after the restart. All wired from the
	// supervisor, all optional.
	stopServices  func()
	startServices func()
	verifyHealth  func(ctx context.Context) error

	stageDir       string
	hardwareTypeID string
	version        string

	mu     sync.Mutex
	status types.OTAStatus

	now func() time.Time
}

func newOTAManager(shared state.Store, client *cloud.Client, stageDir, hardwareTypeID, version string, fetcher Fetcher, applier Applier) *otaManager {
	logger := log.WithComponent("ota")
	if fetcher == nil {
		fetcher = &httpFetcher{client: &http.Client{Timeout: 10 * time.Minute}}
	}
	if applier == nil {
		applier = &noopApplier{logger: logger}
	}
	return &otaManager{
		shared:         shared,
		client:         client,
		fetcher:        fetcher,
		applier:        applier,
		logger:         logger,
		stageDir:       stageDir,
		hardwareTypeID: hardwareTypeID,
		version:        version,
		status:         types.OTAStatus{State: types.OTAIdle},
		now:            time.Now,
	}
}

// check looks for a newer published release and stages it.
func (m *otaManager) check(ctx context.Context) {
	if !m.client.Configured() || m.hardwareTypeID == "" {
		return
	}
	switch m.current().State {
	case types.OTAReady, types.OTAApplying:
		// A staged package waits for approval; do not re-download it.
		return
	}

	m.transition(types.OTAStatus{State: types.OTAChecking})

	var releases []firmwareRelease
	err := m.client.Get(ctx, "firmware_releases", map[string]string{
		"hardware_type_id": "eq." + m.hardwareTypeID,
		"status":           "eq.published",
	}, &releases)
	if err != nil {
		m.logger.Warn().Err(err).Msg("firmware release check failed")
		m.transition(types.OTAStatus{State: types.OTAIdle})
		return
	}

	release, ok := latestRelease(releases, m.version)
	if !ok {
		m.transition(types.OTAStatus{State: types.OTAIdle})
		return
	}

	m.logger.Info().
		Str("current", m.version).
		Str("available", release.Version).
		Msg("firmware update available")
	m.transition(types.OTAStatus{
		State:      types.OTAAvailable,
		Version:    release.Version,
		PackageURL: release.PackageURL,
		SHA256:     release.SHA256,
	})
	m.download(ctx, release)
}

// latestRelease returns the newest release that differs from the running
// version. released_at is RFC 3339, so the lexicographic sort is temporal.
func latestRelease(releases []firmwareRelease, current string) (firmwareRelease, bool) {
	sort.Slice(releases, func(i, j int) bool {
		return releases[i].ReleasedAt > releases[j].ReleasedAt
	})
	for _, r := range releases {
		if r.Version != "" && r.Version != current {
			return r, true
		}
	}
	return firmwareRelease{}, false
}

func (m *otaManager) download(ctx context.Context, release firmwareRelease) {
	m.transition(m.withState(types.OTADownloading))

	if err := os.MkdirAll(m.stageDir, 0o755); err != nil {
		m.fail(fmt.Errorf("failed to create stage dir: %w", err))
		return
	}
	dest := m.stagePath(release.Version)

	if err := m.fetcher.Fetch(ctx, release.PackageURL, dest); err != nil {
		m.fail(fmt.Errorf("failed to download firmware: %w", err))
		return
	}
	if err := verifySHA256(dest, release.SHA256); err != nil {
		os.Remove(dest)
		m.fail(err)
		return
	}

	m.logger.Info().Str("version", release.Version).Str("package", dest).Msg("firmware staged")
	m.transition(m.withState(types.OTAReady))
}

// healthVerifyTimeout bounds the post-apply health check before the update
// is declared good.
const healthVerifyTimeout = 60 * time.Second

// apply installs the staged package after cloud approval: backup, stop the
// services in reverse start order, extract, restart, and verify health. An
// apply error or an unhealthy restart rolls back to the pre-apply backup.
func (m *otaManager) apply(ctx context.Context) error {
	st := m.current()
	if st.State != types.OTAReady {
		return fmt.Errorf("no staged firmware to apply (state %s)", st.State)
	}
	m.transition(m.withState(types.OTAApplying))

	if err := m.applier.Backup(); err != nil {
		m.fail(fmt.Errorf("failed to back up current firmware: %w", err))
		return err
	}

	// Services hold the data directory and the Modbus buses; they go down
	// before the package is extracted over them.
	if m.stopServices != nil {
		m.stopServices()
	}

	if err := m.applier.Apply(m.stagePath(st.Version)); err != nil {
		m.logger.Error().Err(err).Msg("firmware apply failed, rolling back")
		return m.rollback(err)
	}

	if m.startServices != nil {
		m.startServices()
	}
	if err := m.checkHealth(ctx); err != nil {
		m.logger.Error().Err(err).Msg("services unhealthy after firmware apply, rolling back")
		if m.stopServices != nil {
			m.stopServices()
		}
		return m.rollback(err)
	}

	m.logger.Info().Str("version", st.Version).Msg("firmware applied")
	m.transition(m.withState(types.OTASuccess))
	return nil
}

// rollback restores the backup and brings the services back up on the old
// install. Callers stop the services first.
func (m *otaManager) rollback(cause error) error {
	if rbErr := m.applier.Rollback(); rbErr != nil {
		m.transition(m.withError(types.OTAFailed, rbErr))
		return cause
	}
	if m.startServices != nil {
		m.startServices()
	}
	m.transition(m.withError(types.OTARolledBack, cause))
	return cause
}

func (m *otaManager) checkHealth(ctx context.Context) error {
	if m.verifyHealth == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, healthVerifyTimeout)
	defer cancel()
	return m.verifyHealth(ctx)
}

func (m *otaManager) stagePath(version string) string {
	return filepath.Join(m.stageDir, "volteria-"+version+".pkg")
}

func (m *otaManager) fail(err error) {
	m.logger.Error().Err(err).Msg("firmware update failed")
	m.transition(m.withError(types.OTAFailed, err))
}

func (m *otaManager) withState(s types.OTAState) types.OTAStatus {
	st := m.current()
	st.State = s
	st.Error = ""
	return st
}

func (m *otaManager) withError(s types.OTAState, err error) types.OTAStatus {
	st := m.current()
	st.State = s
	st.Error = err.Error()
	return st
}

// transition publishes every state change so the cloud and diagnostics see
// the machine move even when a step fails.
func (m *otaManager) transition(st types.OTAStatus) {
	st.UpdatedAt = m.now().UTC()
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
	if err := m.shared.Write(state.KeyOTAStatus, st); err != nil {
		m.logger.Error().Err(err).Msg("failed to publish ota status")
	}
}

func (m *otaManager) current() types.OTAStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func verifySHA256(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("firmware checksum mismatch: got %s want %s", got, want)
	}
	return nil
}
