// Package events provides process-local fan-out of task events to live
// subscribers. The hub does not persist anything; every repository write that
// journals a TaskEvent also publishes here.
package events

import (
	"log/slog"
	"sync"

	"github.com/execplane/execplane/pkg/models"
)

// DefaultBuffer is the per-listener channel capacity. A listener that falls
// this far behind starts losing events; the publisher never blocks.
const DefaultBuffer = 64

// Hub fans task events out to per-task listeners. Events published for one
// task reach each listener in publication order. Slow listeners drop events
// for themselves only.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[int64]chan models.TaskEvent
	nextID    int64
	buffer    int
	logger    *slog.Logger

	// onDrop is invoked (outside the hot path contract, but under the lock)
	// when a listener's buffer overflows. Used for metrics.
	onDrop func(taskID string)
}

// NewHub creates a hub with the default per-listener buffer.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default().With("component", "event-hub")
	}
	return &Hub{
		listeners: make(map[string]map[int64]chan models.TaskEvent),
		buffer:    DefaultBuffer,
		logger:    logger,
	}
}

// SetDropHandler registers a callback for dropped events.
func (h *Hub) SetDropHandler(fn func(taskID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Publish delivers an event to every listener of the task. Non-blocking:
// a full listener buffer drops the event for that listener only.
func (h *Hub) Publish(taskID string, event models.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.listeners[taskID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping event for slow listener",
				"task_id", taskID,
				"listener", id,
				"type", event.Type,
			)
			if h.onDrop != nil {
				h.onDrop(taskID)
			}
		}
	}
}

// Subscribe registers a listener for a task's events. The returned cancel
// func is idempotent; calling it twice is a no-op. The channel is closed on
// cancel.
func (h *Hub) Subscribe(taskID string) (<-chan models.TaskEvent, func()) {
	ch := make(chan models.TaskEvent, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.listeners[taskID] == nil {
		h.listeners[taskID] = make(map[int64]chan models.TaskEvent)
	}
	h.listeners[taskID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.listeners[taskID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.listeners, taskID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// ListenerCount returns the number of active listeners for a task.
func (h *Hub) ListenerCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[taskID])
}
