package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/spec"
)

// Notifier is satisfied by Sender.
type Notifier interface {
	SendToAll(ctx context.Context, payload *NotificationPayload)
}

// Dispatcher turns the events a person has to act on into push
// notifications: escalations, workers needing manual intervention and specs
// waiting for review.
type Dispatcher struct {
	notifier Notifier
}

func NewDispatcher(notifier Notifier) *Dispatcher {
	return &Dispatcher{notifier: notifier}
}

func (d *Dispatcher) Start(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(256, eventbus.PriorityEscalated, eventbus.WorkerFailed, eventbus.StatusChanged)
	defer sub.Cancel()

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if p := Payload(e); p != nil {
				d.notifier.SendToAll(ctx, p)
			}
		}
	}
}

// Payload builds the notification for e, or nil when e needs none.
// Tags are the event id so a redelivered event replaces its notification.
func Payload(e *eventbus.Event) *NotificationPayload {
	specID := e.String("spec_id")
	url := "/specs/" + specID
	switch e.Type {
	case eventbus.PriorityEscalated:
		return &NotificationPayload{
			Title: "Priority escalated",
			Body: fmt.Sprintf("%s failed %v times: priority %v -> %v",
				e.String("test_name"), e.Payload["occurrences"], e.Payload["from"], e.Payload["to"]),
			URL: url,
			Tag: e.ID,
		}
	case eventbus.WorkerFailed:
		if manual, _ := e.Payload["manual_intervention"].(bool); !manual {
			return nil
		}
		return &NotificationPayload{
			Title: "Manual intervention required",
			Body:  fmt.Sprintf("Worker %s gave up: %s", e.String("worker_id"), e.String("error")),
			URL:   url,
			Tag:   e.ID,
		}
	case eventbus.StatusChanged:
		if e.String("kind") != "spec" || e.String("to") != string(spec.StatusReview) {
			return nil
		}
		return &NotificationPayload{
			Title: "Ready for review",
			Body:  fmt.Sprintf("Spec %s is waiting for review", specID),
			URL:   url,
			Tag:   e.ID,
		}
	}
	return nil
}
