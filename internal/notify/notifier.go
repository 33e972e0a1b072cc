package notify

import (
	"context"

	"github.com/pagepass/server/internal/utils"
)

// Notification kinds emitted by the circulation engine.
const (
	KindOfferReady      = "offer_ready"      // the book is yours to claim
	KindOfferExpired    = "offer_expired"    // your offer timed out
	KindHandoffStarted  = "handoff_started"  // confirm when the book changes hands
	KindHandoffReminder = "handoff_reminder" // you still haven't confirmed
	KindSoftReminder    = "soft_reminder"    // still enjoying this book?
	KindRecallRequested = "recall_requested" // the owner wants it back next
	KindQueueExhausted  = "queue_exhausted"  // no one left to pass to
)

// Notifier delivers user-facing notifications. Delivery is fire-and-forget:
// a failure never affects the state transition that triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]string)
}

// LogNotifier writes notifications to the application log. Real delivery
// (email, push) lives outside this service.
type LogNotifier struct {
	logger *utils.Logger
}

func NewLogNotifier(logger *utils.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID, kind string, payload map[string]string) {
	n.logger.Info("notify user=%s kind=%s payload=%v", userID, kind, payload)
}
