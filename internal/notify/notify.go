// Package notify is the narrow contract with the notification collaborator.
// Sends are fire-and-forget and happen only after the owning transaction
// committed, never inside it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-cart-reservations.git/internal/jobs"
	kafkax "github.com/ariefcatur/go-cart-reservations.git/internal/kafka"
	"github.com/ariefcatur/go-cart-reservations.git/internal/queue"
	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
)

const TopicNotificationSend = "notification.send"

type Notifier interface {
	Send(ctx context.Context, template, to, subject string, data any) error
}

// Event is the wire shape published to the notification topic.
type Event struct {
	EventID    string    `json:"event_id"`
	Template   string    `json:"template"` // e.g. "cart.abandoned", "order.created", "auth.otp"
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Data       any       `json:"data,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Producer   string    `json:"producer"`
}

// KafkaNotifier publishes notification events for the downstream mailer.
// The producer is async; a send here only stages the message.
type KafkaNotifier struct {
	Producer *kafkax.Producer
	Service  string
}

func (n *KafkaNotifier) Send(ctx context.Context, template, to, subject string, data any) error {
	ev := Event{
		EventID:    uuid.NewString(),
		Template:   template,
		To:         to,
		Subject:    subject,
		Data:       data,
		OccurredAt: time.Now().UTC(),
		Producer:   n.Service,
	}
	n.Producer.Publish([]byte(to), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-template", Value: []byte(template)},
	)
	return nil
}

// QueueNotifier routes sends through the email work queue so delivery
// failures ride the queue's retry/backoff instead of being lost. The
// lifecycle services use this one; the worker's email:send handler drains
// into the KafkaNotifier.
type QueueNotifier struct {
	Sched *scheduler.Scheduler
}

func (n *QueueNotifier) Send(ctx context.Context, template, to, subject string, data any) error {
	payload := jobs.EmailSendPayload{Template: template, To: to, Subject: subject, Data: data}
	_, err := n.Sched.ScheduleJob(ctx, jobs.EmailSend, payload, time.Now().UTC(), 3)
	return err
}

// HandleEmailSend builds the email:send queue handler.
func HandleEmailSend(n Notifier) queue.Handler {
	return func(ctx context.Context, j *queue.Job) error {
		var p jobs.EmailSendPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode email payload: %w", err)
		}
		return n.Send(ctx, p.Template, p.To, p.Subject, p.Data)
	}
}
