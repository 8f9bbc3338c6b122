package model

// Route is the logical endpoint an envelope belongs to, e.g. "/threads/get".
type Route string

// Event is the event tag within a route.
type Event string

// [CONTROL_SIGNALS]
// Published to a user's personal stream so sibling sessions can mirror
// subscription state. Advisory only.
const (
	RouteSubscriptions Route = "/subscriptions"

	EventNewSubscription     Event = "new_subscription"
	EventRemovedSubscription Event = "removed_subscription"
)

// SubscriptionSignal is the payload of the control signals above.
type SubscriptionSignal struct {
	StreamKey string `json:"stream_key"`
}
