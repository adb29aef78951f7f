package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// Notifier publishes progress events to per-merchant subjects. Fire and
// forget: a UI that misses an event catches up from the purchase order's
// persisted processing notes.
type Notifier struct {
	queue         *Queue
	subjectPrefix string
}

func NewNotifier(queue *Queue, subjectPrefix string) *Notifier {
	if subjectPrefix == "" {
		subjectPrefix = "poflow.progress"
	}
	return &Notifier{queue: queue, subjectPrefix: subjectPrefix}
}

func (n *Notifier) PublishProgress(_ context.Context, merchantID string, event domain.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", n.subjectPrefix, merchantID)
	if err := n.queue.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	return nil
}
