package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	ProjectInit          = "project.init"
	ScheduleUpdated      = "phase.schedule.updated"
	PhaseTransitioned    = "phase.transitioned"
	PhaseReverted        = "phase.reverted"
	SetupFinalized       = "setup.finalized"
	SetupUnfinalized     = "setup.unfinalized"
	SetupItemAdded       = "setup.item.added"
	SetupItemRemoved     = "setup.item.removed"
	ReadinessInvalidated = "readiness.invalidated"
)

// Writer appends audit events inside the caller's transaction so an event is
// only visible if the change it describes committed.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
