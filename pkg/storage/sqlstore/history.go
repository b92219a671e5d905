package sqlstore

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

var _ storage.HistoryStorageWriter = &Storage{}

// AppendHistory ignores events whose id was already appended.
func (s *Storage) AppendHistory(ctx context.Context, event runtime.HistoryEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO history_event
			(event_id, instance_key, activity_instance_key, activity_id, event_type, version, message, created_at, position)
		SELECT CAST(? AS TEXT), CAST(? AS BIGINT), CAST(? AS BIGINT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT),
			CAST(? AS TEXT), CAST(? AS BIGINT), COALESCE(MAX(position), 0) + 1
		FROM history_event WHERE instance_key = ?
		ON CONFLICT (event_id) DO NOTHING`),
		event.Id, event.ProcessInstanceKey, event.ActivityInstanceKey, event.ActivityId, string(event.Type), event.Version,
		event.Message, toMillis(event.CreatedAt), event.ProcessInstanceKey)
	if err != nil {
		return fmt.Errorf("append history event %s: %w", event.Id, err)
	}
	return nil
}

var _ storage.HistoryStorageReader = &Storage{}

func (s *Storage) FindHistory(ctx context.Context, instanceKey int64) ([]runtime.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT event_id, instance_key, activity_instance_key, activity_id, event_type, version, message, created_at
		FROM history_event WHERE instance_key = ? ORDER BY position, event_id`), instanceKey)
	if err != nil {
		return nil, fmt.Errorf("find history of %d: %w", instanceKey, err)
	}
	defer rows.Close()

	res := make([]runtime.HistoryEvent, 0)
	for rows.Next() {
		var (
			event     runtime.HistoryEvent
			eventType string
			createdAt int64
		)
		err := rows.Scan(&event.Id, &event.ProcessInstanceKey, &event.ActivityInstanceKey, &event.ActivityId, &eventType,
			&event.Version, &event.Message, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		event.Type = runtime.HistoryEventType(eventType)
		event.CreatedAt = fromMillis(createdAt)
		res = append(res, event)
	}
	return res, rows.Err()
}
