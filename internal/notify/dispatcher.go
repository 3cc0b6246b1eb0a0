package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"classtrack/internal/attendance"
	"classtrack/internal/queue"
)

// ActivePingSource recomputes the grouped ping listing for a class session.
type ActivePingSource interface {
	GetActivePings(ctx context.Context, classID string, date time.Time) ([]attendance.StudentPings, error)
}

// Publisher bridges the write path onto the outbound queue. Publish never
// returns an error to the caller: delivery is not part of the write's
// success contract.
type Publisher struct {
	q queue.Queue
}

// NewPublisher creates a publisher over a queue backend.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Publish marshals and enqueues one event, logging failures.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("event %s marshal failed: %v", eventType, err)
		return
	}
	if err := p.q.Publish(ctx, queue.Message{Type: eventType, Body: raw}); err != nil {
		log.Printf("event %s publish failed: %v", eventType, err)
	}
}

// Dispatcher consumes queued events and turns them into room pushes: a raw
// relay for single-ping events, a recomputed replace-style snapshot for
// room refreshes.
type Dispatcher struct {
	q     queue.Queue
	hub   *Hub
	pings ActivePingSource
	now   func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(q queue.Queue, hub *Hub, pings ActivePingSource) *Dispatcher {
	return &Dispatcher{q: q, hub: hub, pings: pings, now: time.Now}
}

// Run consumes until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	messages, err := d.q.Consume(ctx)
	if err != nil {
		return err
	}
	log.Println("notification dispatcher started")
	for msg := range messages {
		d.handle(ctx, msg)
	}
	log.Println("notification dispatcher stopped")
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg queue.Message) {
	switch msg.Type {
	case attendance.EventPingRecorded:
		var evt attendance.PingEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("bad ping event: %v", err)
			return
		}
		d.hub.Broadcast(evt.ClassID, PingNotice{
			Type:       "ping",
			ClassID:    evt.ClassID,
			Date:       attendance.DateKey(evt.Date),
			Student:    evt.Ping.StudentID,
			PingNumber: evt.Ping.PingNumber,
			PingTime:   evt.Ping.PingedAt,
			Status:     string(evt.Ping.Status),
		})

	case attendance.EventRoomRefresh:
		var evt attendance.RefreshEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("bad refresh event: %v", err)
			return
		}
		grouped, err := d.pings.GetActivePings(ctx, evt.ClassID, evt.Date)
		if err != nil {
			log.Printf("snapshot rebuild failed for class %s: %v", evt.ClassID, err)
			return
		}
		d.hub.Broadcast(evt.ClassID, buildSnapshot(evt, grouped, d.now()))

	default:
		log.Printf("unknown event type %q dropped", msg.Type)
	}
}
