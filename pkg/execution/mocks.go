package execution

import (
	"context"
	"fmt"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// RegisterMockHandlers installs the stock mock executors. The real system
// integrates these action types with external services; the mocks produce
// realistic result shapes without side effects outside the world model.
func (d *Dispatcher) RegisterMockHandlers() {
	d.Register("send_email", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		return map[string]any{"status": "sent", "message_id": fmt.Sprintf("msg_%s_email", a.Target)}, nil
	})
	d.Register("send_sms", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		return map[string]any{"status": "sent", "message_id": fmt.Sprintf("msg_%s_sms", a.Target)}, nil
	})
	d.Register("query_crm", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		if d.world != nil {
			if entity, err := d.world.Get(a.Target); err == nil {
				return map[string]any{"found": true, "properties": entity.Properties}, nil
			}
		}
		return map[string]any{"found": false, "properties": map[string]any{}}, nil
	})
	d.Register("route_to_human", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		queue := "default"
		if q, ok := a.Parameters["queue"].(string); ok && q != "" {
			queue = q
		}
		return map[string]any{"status": "routed", "queue": queue, "context_attached": true}, nil
	})
	d.Register("automated_outreach", func(_ context.Context, _ contracts.PlannedAction) (map[string]any, error) {
		return map[string]any{"status": "sent", "channel": "automated"}, nil
	})
	d.Register("direct_call", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		return map[string]any{"status": "initiated", "call_id": fmt.Sprintf("call_%s", a.Target)}, nil
	})
	d.Register("update_record", func(_ context.Context, a contracts.PlannedAction) (map[string]any, error) {
		if d.world == nil {
			return map[string]any{"status": "not_found"}, nil
		}
		if _, err := d.world.Get(a.Target); err != nil {
			return map[string]any{"status": "not_found"}, nil
		}
		updates, _ := a.Parameters["updates"].(map[string]any)
		if len(updates) > 0 {
			d.world.ApplyExecution(a.Target, updates)
		}
		fields := make([]string, 0, len(updates))
		for k := range updates {
			fields = append(fields, k)
		}
		return map[string]any{"status": "updated", "fields": fields}, nil
	})
}
