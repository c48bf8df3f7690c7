package ws

import (
	"context"
	"time"

	"shailmann-meeting/internal/store"
)

// Auditor persists meeting events; *store.Postgres satisfies it
type Auditor interface {
	RecordEvent(ctx context.Context, e store.Event) error
}

// record queues an event without blocking the dispatcher if the queue is full
func (h *Hub) record(e store.Event) {
	if h.auditor == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case h.events <- e:
	default:
		h.log.Warn("audit.drop", "room", e.RoomID, "kind", e.Kind)
	}
}

// auditLoop drains the event queue until ctx is cancelled
func (h *Hub) auditLoop(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := h.auditor.RecordEvent(wctx, e); err != nil {
				h.log.Error("audit.write", "room", e.RoomID, "kind", e.Kind, "err", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
