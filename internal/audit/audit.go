// Package audit records privileged actions. Recording is best effort: a
// failure is logged and counted but never reaches the caller whose action
// triggered it.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

// Actions.
const (
	ActionModeToggle  = "course.mode_toggle"
	ActionSelfCheckin = "attendance.self_checkin"
	ActionCheckin     = "attendance.checkin"
	ActionReview      = "attendance.review"
)

// MessageType tags audit events on the shared queue.
const MessageType = "audit"

// Event is an immutable audit entry. UID makes persistence idempotent when
// a queue redelivers.
type Event struct {
	UID       string    `json:"uid"`
	ActorID   int64     `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	At        time.Time `json:"at"`
}

// Recorder accepts audit events without blocking the caller.
type Recorder interface {
	Record(ctx context.Context, actorID int64, actorName, action, details string)
}

// QueueRecorder hands events to a queue from a background goroutine.
type QueueRecorder struct {
	q       queue.Queue
	now     func() time.Time
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewQueueRecorder creates a recorder publishing to q.
func NewQueueRecorder(q queue.Queue) *QueueRecorder {
	return &QueueRecorder{q: q, now: time.Now, timeout: 3 * time.Second}
}

// Record publishes the event asynchronously. Request cancellation does not
// abort the publish; only the recorder's own timeout does.
func (r *QueueRecorder) Record(ctx context.Context, actorID int64, actorName, action, details string) {
	evt := Event{
		UID:       uuid.NewString(),
		ActorID:   actorID,
		ActorName: actorName,
		Action:    action,
		Details:   details,
		At:        r.now().UTC(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("audit %s: encode failed: %v", action, err)
		metrics.AuditEvents.WithLabelValues("publish", "error").Inc()
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if err := r.q.Publish(pubCtx, queue.Message{Type: MessageType, Body: body}); err != nil {
			log.Printf("audit %s by %d: publish failed: %v", action, actorID, err)
			metrics.AuditEvents.WithLabelValues("publish", "error").Inc()
			return
		}
		metrics.AuditEvents.WithLabelValues("publish", "ok").Inc()
	}()
}

// Wait blocks until in-flight publishes finish.
func (r *QueueRecorder) Wait() {
	r.wg.Wait()
}

// Appender persists audit events.
type Appender interface {
	AppendAuditEvent(ctx context.Context, evt Event) error
}

// Sink drains audit messages from a queue into an Appender.
type Sink struct {
	q     queue.Queue
	store Appender
}

// NewSink creates a sink.
func NewSink(q queue.Queue, store Appender) *Sink {
	return &Sink{q: q, store: store}
}

// Run consumes until ctx is done or the queue closes.
func (s *Sink) Run(ctx context.Context) error {
	messages, err := s.q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("audit sink: malformed event: %v", err)
			metrics.AuditEvents.WithLabelValues("persist", "malformed").Inc()
			continue
		}
		if err := s.store.AppendAuditEvent(ctx, evt); err != nil {
			log.Printf("audit sink: persist %s (%s) failed: %v", evt.UID, evt.Action, err)
			metrics.AuditEvents.WithLabelValues("persist", "error").Inc()
			continue
		}
		metrics.AuditEvents.WithLabelValues("persist", "ok").Inc()
	}
	return nil
}
