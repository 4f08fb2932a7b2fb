package system

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/state"
)

// Rebooter performs the host reboot. The default logs and does nothing so
// the command path is exercisable off-target.
type Rebooter interface {
	Reboot() error
}

type noopRebooter struct {
	logger zerolog.Logger
}

func (r *noopRebooter) Reboot() error {
	r.logger.Info().Msg("no rebooter configured, skipping host reboot")
	return nil
}

// controlCommand is one control_commands row.
type controlCommand struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// rebootPending is the shared-state document under KeyRebootPending. It is
// written before the reboot and consumed on the next boot so the cloud sees
// the command complete.
type rebootPending struct {
	CommandID   string    `json:"command_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// commandPoller watches the cloud's control_commands table for operator
// actions: reboot and apply_firmware.
type commandPoller struct {
	controllerID string
	shared       state.Store
	client       *cloud.Client
	heartbeat    *heartbeater
	ota          *otaManager
	rebooter     Rebooter
	logger       zerolog.Logger

	// stopAll gracefully stops the controller's services before the host
	// goes down. Wired by the supervisor.
	stopAll func()

	now func() time.Time
}

func newCommandPoller(controllerID string, shared state.Store, client *cloud.Client, heartbeat *heartbeater, ota *otaManager, rebooter Rebooter) *commandPoller {
	logger := log.WithComponent("commands")
	if rebooter == nil {
		rebooter = &noopRebooter{logger: logger}
	}
	return &commandPoller{
		controllerID: controllerID,
		shared:       shared,
		client:       client,
		heartbeat:    heartbeat,
		ota:          ota,
		rebooter:     rebooter,
		logger:       logger,
		now:          time.Now,
	}
}

// poll fetches pending commands and dispatches them in creation order.
func (p *commandPoller) poll(ctx context.Context) {
	if !p.client.Configured() {
		return
	}

	var commands []controlCommand
	err := p.client.Get(ctx, "control_commands", map[string]string{
		"controller_id": "eq." + p.controllerID,
		"status":        "eq.pending",
		"order":         "created_at.asc",
	}, &commands)
	if err != nil {
		p.logger.Debug().Err(err).Msg("control command poll failed")
		return
	}

	for _, cmd := range commands {
		switch cmd.Command {
		case "reboot":
			p.reboot(ctx, cmd)
			return // nothing after a reboot runs
		case "apply_firmware":
			p.applyFirmware(ctx, cmd)
		default:
			p.logger.Warn().Str("command", cmd.Command).Str("id", cmd.ID).Msg("unknown control command")
			p.setCommandStatus(ctx, cmd.ID, "failed")
		}
	}
}

// reboot acknowledges the command, leaves a marker for the next boot, sends
// a final heartbeat and takes the host down.
func (p *commandPoller) reboot(ctx context.Context, cmd controlCommand) {
	p.logger.Info().Str("id", cmd.ID).Msg("reboot command received")
	p.setCommandStatus(ctx, cmd.ID, "in_progress")

	if err := p.shared.Write(state.KeyRebootPending, rebootPending{
		CommandID:   cmd.ID,
		RequestedAt: p.now().UTC(),
	}); err != nil {
		p.logger.Error().Err(err).Msg("failed to persist reboot marker")
	}

	p.heartbeat.beat(ctx, collectStats())

	if p.stopAll != nil {
		p.stopAll()
	}
	if err := p.rebooter.Reboot(); err != nil {
		p.logger.Error().Err(err).Msg("host reboot failed")
		p.setCommandStatus(ctx, cmd.ID, "failed")
	}
}

func (p *commandPoller) applyFirmware(ctx context.Context, cmd controlCommand) {
	p.logger.Info().Str("id", cmd.ID).Msg("firmware apply approved")
	p.setCommandStatus(ctx, cmd.ID, "in_progress")

	if err := p.ota.apply(ctx); err != nil {
		p.setCommandStatus(ctx, cmd.ID, "failed")
		return
	}
	p.setCommandStatus(ctx, cmd.ID, "completed")
}

// consumePendingReboot completes the reboot command the previous boot left
// behind. Called once at startup.
func (p *commandPoller) consumePendingReboot(ctx context.Context) {
	var pending rebootPending
	found, err := p.shared.ReadFresh(state.KeyRebootPending, &pending)
	if err != nil || !found || pending.CommandID == "" {
		return
	}

	p.logger.Info().Str("id", pending.CommandID).Msg("completing reboot command from previous boot")
	p.setCommandStatus(ctx, pending.CommandID, "completed")

	if err := p.shared.Delete(state.KeyRebootPending); err != nil {
		p.logger.Error().Err(err).Msg("failed to clear reboot marker")
	}
}

func (p *commandPoller) setCommandStatus(ctx context.Context, id, status string) {
	patch := map[string]any{"status": status}
	if status == "completed" || status == "failed" {
		patch["completed_at"] = p.now().UTC().Format(time.RFC3339)
	}
	if err := p.client.Patch(ctx, "control_commands", map[string]string{"id": "eq." + id}, patch); err != nil {
		p.logger.Warn().Str("id", id).Str("status", status).Err(err).Msg("failed to update control command")
	}
}
