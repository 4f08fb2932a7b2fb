package system

import (
	"context"
	"time"

	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/types"
)

// PowerNotifier reports loss of mains power. Implementations typically watch
// a GPIO line wired to the site UPS; Events delivers one value per loss
// edge. The default notifier never fires.
type PowerNotifier interface {
	Events() <-chan time.Time
	Close() error
}

// noopPowerNotifier is the default for sites without a UPS signal line.
// Its nil channel blocks forever, so the watcher only ever sees Stop.
type noopPowerNotifier struct{}

func (noopPowerNotifier) Events() <-chan time.Time { return nil }
func (noopPowerNotifier) Close() error             { return nil }

// watchPower runs until Stop. The site is about to go dark when an event
// arrives, so the handler races the UPS hold-up time: alert first, then one
// last heartbeat so the cloud sees the outage rather than a silent drop.
func (s *Service) watchPower(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case at, ok := <-s.power.Events():
			if !ok {
				return
			}
			s.onPowerLoss(at)
		}
	}
}

func (s *Service) onPowerLoss(at time.Time) {
	s.logger.Error().Time("detected_at", at).Msg("mains power loss detected")

	alert := types.AlertRequest{
		Type:      types.AlarmPowerLoss,
		Message:   "mains power loss detected",
		Severity:  types.SeverityCritical,
		Timestamp: at.UTC(),
	}
	if err := state.AppendAlert(s.shared, alert); err != nil {
		s.logger.Error().Err(err).Msg("failed to queue power loss alert")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.heartbeat.beat(ctx, s.stats())
}
