package retrypolicy

import (
	"context"
	"encoding/json"

	"github.com/swarmguard/flowguard/internal/coordination"
	"github.com/swarmguard/flowguard/internal/domain"
)

// manualNotificationChannel is the Coordination Port pub/sub channel
// carrying manual-intervention notifications (§4.8). Kept decoupled from
// any operator re-submission tool, which is explicitly out of scope.
const manualNotificationChannel = "notifications.manual"

// CoordinationNotifier publishes manual-intervention notifications onto the
// Coordination Port's pub/sub, the default Notifier used outside tests.
type CoordinationNotifier struct {
	pubsub coordination.PubSub
}

// NewCoordinationNotifier wraps a Coordination Port's pub/sub half.
func NewCoordinationNotifier(pubsub coordination.PubSub) *CoordinationNotifier {
	return &CoordinationNotifier{pubsub: pubsub}
}

func (n *CoordinationNotifier) Notify(ctx context.Context, fp domain.FailurePattern) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return n.pubsub.Publish(ctx, manualNotificationChannel, payload)
}
