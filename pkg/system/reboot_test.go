package system

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/state"
)

type fakeRebooter struct {
	calls int
	err   error
}

func (r *fakeRebooter) Reboot() error { r.calls++; return r.err }

func commandBody(id, command string) string {
	return `[{"id":"` + id + `","command":"` + command + `","status":"pending","created_at":"2026-03-01T11:59:00Z"}]`
}

func testPoller(t *testing.T, fc *fakeCloud, rebooter Rebooter) (*commandPoller, state.Store) {
	t.Helper()
	shared := testShared(t)
	db := testDB(t)
	client := testCloud(t, fc)
	monitor := newHealthMonitor(nil, shared)
	h := newHeartbeater(systemConfig(), shared, db, client, monitor, "1.4.2")
	ota := newOTAManager(shared, client, t.TempDir(), "hw-1", "1.4.2", &fakeFetcher{}, &fakeApplier{})
	p := newCommandPoller("ctrl-1", shared, client, h, ota, rebooter)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p, shared
}

func TestRebootCommand(t *testing.T) {
	fc := &fakeCloud{getBody: map[string]string{"control_commands": commandBody("cmd-1", "reboot")}}
	rebooter := &fakeRebooter{}
	p, shared := testPoller(t, fc, rebooter)

	var stopped bool
	p.stopAll = func() { stopped = true }

	p.poll(context.Background())

	assert.Equal(t, 1, rebooter.calls)
	assert.True(t, stopped)

	// The marker survives for the next boot.
	var pending rebootPending
	found, err := shared.ReadFresh(state.KeyRebootPending, &pending)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cmd-1", pending.CommandID)

	// Acknowledged upstream and a final heartbeat sent.
	patches := fc.byTable(http.MethodPatch, "control_commands")
	require.Len(t, patches, 1)
	assert.Equal(t, "in_progress", patches[0].patch["status"])
	assert.Contains(t, patches[0].query, "id=eq.cmd-1")
	assert.Len(t, fc.byTable(http.MethodPost, "controller_heartbeats"), 1)
}

func TestConsumePendingRebootCompletesCommand(t *testing.T) {
	fc := &fakeCloud{}
	p, shared := testPoller(t, fc, &fakeRebooter{})

	require.NoError(t, shared.Write(state.KeyRebootPending, rebootPending{
		CommandID:   "cmd-1",
		RequestedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}))

	p.consumePendingReboot(context.Background())

	patches := fc.byTable(http.MethodPatch, "control_commands")
	require.Len(t, patches, 1)
	assert.Equal(t, "completed", patches[0].patch["status"])
	assert.NotEmpty(t, patches[0].patch["completed_at"])

	found, err := shared.ReadFresh(state.KeyRebootPending, &rebootPending{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConsumePendingRebootNoopWithoutMarker(t *testing.T) {
	fc := &fakeCloud{}
	p, _ := testPoller(t, fc, &fakeRebooter{})

	p.consumePendingReboot(context.Background())
	assert.Empty(t, fc.byTable(http.MethodPatch, "control_commands"))
}

func TestApplyFirmwareCommand(t *testing.T) {
	data := []byte("firmware-image")
	fc := &fakeCloud{getBody: map[string]string{
		"control_commands":  commandBody("cmd-2", "apply_firmware"),
		"firmware_releases": releaseBody("1.5.0", sum(data)),
	}}
	p, _ := testPoller(t, fc, &fakeRebooter{})
	p.ota.fetcher = &fakeFetcher{data: data}

	// Stage first, then the approval arrives.
	p.ota.check(context.Background())
	p.poll(context.Background())

	patches := fc.byTable(http.MethodPatch, "control_commands")
	require.Len(t, patches, 2)
	assert.Equal(t, "in_progress", patches[0].patch["status"])
	assert.Equal(t, "completed", patches[1].patch["status"])
}

func TestApplyFirmwareWithoutStagedPackageFails(t *testing.T) {
	fc := &fakeCloud{getBody: map[string]string{"control_commands": commandBody("cmd-3", "apply_firmware")}}
	p, _ := testPoller(t, fc, &fakeRebooter{})

	p.poll(context.Background())

	patches := fc.byTable(http.MethodPatch, "control_commands")
	require.Len(t, patches, 2)
	assert.Equal(t, "failed", patches[1].patch["status"])
}

func TestUnknownCommandMarkedFailed(t *testing.T) {
	fc := &fakeCloud{getBody: map[string]string{"control_commands": commandBody("cmd-4", "self_destruct")}}
	p, _ := testPoller(t, fc, &fakeRebooter{})

	p.poll(context.Background())

	patches := fc.byTable(http.MethodPatch, "control_commands")
	require.Len(t, patches, 1)
	assert.Equal(t, "failed", patches[0].patch["status"])
}
