package system

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, dest string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, f.data, 0o644)
}

type fakeApplier struct {
	backupErr   error
	applyErr    error
	rollbackErr error

	backups   int
	applies   int
	rollbacks int
	applied   string

	onApply func()
}

func (a *fakeApplier) Backup() error { a.backups++; return a.backupErr }
func (a *fakeApplier) Apply(p string) error {
	a.applies++
	a.applied = p
	if a.onApply != nil {
		a.onApply()
	}
	return a.applyErr
}
func (a *fakeApplier) Rollback() error { a.rollbacks++; return a.rollbackErr }

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func releaseBody(version, sha string) string {
	return `[{"id":"rel-1","version":"` + version + `","package_url":"http://pkg/fw","sha256":"` + sha + `","hardware_type_id":"hw-1","released_at":"2026-03-01T00:00:00Z"}]`
}

func testOTA(t *testing.T, fc *fakeCloud, fetcher Fetcher, applier Applier) (*otaManager, state.Store) {
	t.Helper()
	shared := testShared(t)
	m := newOTAManager(shared, testCloud(t, fc), t.TempDir(), "hw-1", "1.4.2", fetcher, applier)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m, shared
}

func publishedStatus(t *testing.T, shared state.Store) types.OTAStatus {
	t.Helper()
	var st types.OTAStatus
	found, err := shared.ReadFresh(state.KeyOTAStatus, &st)
	require.NoError(t, err)
	require.True(t, found)
	return st
}

func TestOTAStagesNewRelease(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, &fakeApplier{})

	m.check(context.Background())

	st := publishedStatus(t, shared)
	assert.Equal(t, types.OTAReady, st.State)
	assert.Equal(t, "1.5.0", st.Version)

	// The staged package is on disk and intact.
	staged, err := os.ReadFile(m.stagePath("1.5.0"))
	require.NoError(t, err)
	assert.Equal(t, data, staged)
}

func TestOTAIdleWhenAlreadyCurrent(t *testing.T) {
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.4.2", "irrelevant")}}
	m, shared := testOTA(t, fc, &fakeFetcher{}, &fakeApplier{})

	m.check(context.Background())

	assert.Equal(t, types.OTAIdle, publishedStatus(t, shared).State)
}

func TestOTAChecksumMismatchFails(t *testing.T) {
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum([]byte("expected")))}}
	m, shared := testOTA(t, fc, &fakeFetcher{data: []byte("tampered")}, &fakeApplier{})

	m.check(context.Background())

	st := publishedStatus(t, shared)
	assert.Equal(t, types.OTAFailed, st.State)
	assert.Contains(t, st.Error, "checksum mismatch")

	// The corrupt package never stays staged.
	_, err := os.Stat(m.stagePath("1.5.0"))
	assert.True(t, os.IsNotExist(err))
}

func TestOTAApplySuccess(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	applier := &fakeApplier{}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, applier)

	m.check(context.Background())
	require.NoError(t, m.apply(context.Background()))

	assert.Equal(t, types.OTASuccess, publishedStatus(t, shared).State)
	assert.Equal(t, 1, applier.backups)
	assert.Equal(t, m.stagePath("1.5.0"), applier.applied)
	assert.Equal(t, 0, applier.rollbacks)
}

func TestOTAApplyFailureRollsBack(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	applier := &fakeApplier{applyErr: errors.New("flash write failed")}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, applier)

	m.check(context.Background())
	require.Error(t, m.apply(context.Background()))

	st := publishedStatus(t, shared)
	assert.Equal(t, types.OTARolledBack, st.State)
	assert.Contains(t, st.Error, "flash write failed")
	assert.Equal(t, 1, applier.rollbacks)
}

func TestOTARollbackFailureReportsFailed(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	applier := &fakeApplier{applyErr: errors.New("flash write failed"), rollbackErr: errors.New("backup corrupt")}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, applier)

	m.check(context.Background())
	require.Error(t, m.apply(context.Background()))

	assert.Equal(t, types.OTAFailed, publishedStatus(t, shared).State)
}

// Services stop before the package is extracted over them and come back
// before the health verification runs.
func TestOTAApplyStopsAndRestartsServices(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	applier := &fakeApplier{}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, applier)

	var order []string
	applier.onApply = func() { order = append(order, "apply") }
	m.stopServices = func() { order = append(order, "stop") }
	m.startServices = func() { order = append(order, "start") }
	m.verifyHealth = func(ctx context.Context) error {
		order = append(order, "verify")
		return nil
	}

	m.check(context.Background())
	require.NoError(t, m.apply(context.Background()))

	assert.Equal(t, []string{"stop", "apply", "start", "verify"}, order)
	assert.Equal(t, types.OTASuccess, publishedStatus(t, shared).State)
}

func TestOTAUnhealthyAfterApplyRollsBack(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	applier := &fakeApplier{}
	m, shared := testOTA(t, fc, &fakeFetcher{data: data}, applier)

	starts := 0
	m.stopServices = func() {}
	m.startServices = func() { starts++ }
	m.verifyHealth = func(ctx context.Context) error {
		return errors.New("control service not healthy")
	}

	m.check(context.Background())
	require.Error(t, m.apply(context.Background()))

	st := publishedStatus(t, shared)
	assert.Equal(t, types.OTARolledBack, st.State)
	assert.Contains(t, st.Error, "not healthy")
	assert.Equal(t, 1, applier.rollbacks)
	// Once on the new install, once more after the rollback.
	assert.Equal(t, 2, starts)
}

func TestOTAApplyWithoutStagedPackage(t *testing.T) {
	fc := &fakeCloud{}
	m, _ := testOTA(t, fc, &fakeFetcher{}, &fakeApplier{})

	assert.Error(t, m.apply(context.Background()))
}

func TestOTACheckSkipsWhileStaged(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{"firmware_releases": releaseBody("1.5.0", sum(data))}}
	fetcher := &fakeFetcher{data: data}
	m, _ := testOTA(t, fc, fetcher, &fakeApplier{})

	m.check(context.Background())
	require.Equal(t, types.OTAReady, m.current().State)

	gets := len(fc.byTable("GET", "firmware_releases"))
	m.check(context.Background())
	assert.Equal(t, gets, len(fc.byTable("GET", "firmware_releases")), "re-checked while a package was staged")
}

func TestLatestReleasePicksNewest(t *testing.T) {
	releases := []firmwareRelease{
		{Version: "1.5.0", ReleasedAt: "2026-03-01T00:00:00Z"},
		{Version: "1.6.0", ReleasedAt: "2026-03-10T00:00:00Z"},
		{Version: "1.4.0", ReleasedAt: "2026-01-01T00:00:00Z"},
	}
	r, ok := latestRelease(releases, "1.4.2")
	require.True(t, ok)
	assert.Equal(t, "1.6.0", r.Version)

	_, ok = latestRelease([]firmwareRelease{{Version: "1.4.2", ReleasedAt: "2026-03-01T00:00:00Z"}}, "1.4.2")
	assert.False(t, ok)
}
