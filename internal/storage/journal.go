package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/execplane/execplane/internal/events"
	"github.com/execplane/execplane/pkg/models"
)

// Journal couples the event store with the live hub: every journaled event is
// also published to subscribers. The hub never persists; the store never
// fans out.
type Journal struct {
	store  EventStore
	hub    *events.Hub
	logger *slog.Logger
}

// NewJournal creates a journal over a store and hub.
func NewJournal(store EventStore, hub *events.Hub, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}
	return &Journal{store: store, hub: hub, logger: logger}
}

// Emit journals one event and publishes it. The payload is JSON-marshaled;
// a marshal failure journals the event with a nil payload rather than losing
// the lifecycle edge.
func (j *Journal) Emit(ctx context.Context, taskID, eventType string, payload any) *models.TaskEvent {
	family := models.EventFamilyTask
	if strings.HasPrefix(eventType, "approval.") {
		family = models.EventFamilyApproval
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			j.logger.Error("marshal event payload", "task_id", taskID, "type", eventType, "error", err)
		} else {
			raw = data
		}
	}

	ev, err := j.store.AppendEvent(ctx, taskID, family, eventType, raw)
	if err != nil {
		j.logger.Error("append event", "task_id", taskID, "type", eventType, "error", err)
		return nil
	}
	if j.hub != nil {
		j.hub.Publish(taskID, *ev)
	}
	return ev
}

// Hub exposes the underlying hub for subscription-based waiters.
func (j *Journal) Hub() *events.Hub { return j.hub }

// Store exposes the underlying event store for replay.
func (j *Journal) Store() EventStore { return j.store }

// Payload is a convenience builder for event bodies.
func Payload(kv ...any) map[string]any {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("storage.Payload: odd argument count %d", len(kv)))
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
