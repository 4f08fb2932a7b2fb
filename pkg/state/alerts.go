package state

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/volteria/controller/pkg/types"
)

// AppendAlert queues an alarm request on the pending_alerts document for
// the logging service to persist. Entries are keyed by UUID so producers
// and the consumer can patch the same document without clobbering each
// other.
func AppendAlert(s Store, alert types.AlertRequest) error {
	return s.Update(KeyPendingAlerts, map[string]any{uuid.NewString(): alert})
}

// ConsumeAlerts drains the pending_alerts document: it returns all live
// entries and removes them in one patch (nil patch values delete keys).
func ConsumeAlerts(s Store) ([]types.AlertRequest, error) {
	var doc map[string]json.RawMessage
	found, err := s.ReadFresh(KeyPendingAlerts, &doc)
	if err != nil || !found {
		return nil, err
	}

	var alerts []types.AlertRequest
	patch := make(map[string]any)
	for key, raw := range doc {
		if string(raw) == "null" {
			continue
		}
		var a types.AlertRequest
		if err := json.Unmarshal(raw, &a); err != nil {
			patch[key] = nil
			continue
		}
		alerts = append(alerts, a)
		patch[key] = nil
	}

	if len(patch) > 0 {
		if err := s.Update(KeyPendingAlerts, patch); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}
