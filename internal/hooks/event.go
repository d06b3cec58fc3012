// Package hooks implements the ordered extension-point chain invoked at
// broker lifecycle points (spec.md §4.9). Grounded on
// other_examples/axmq-ax's hook.Event enum and Hook interface shape,
// generalized into a priority-ordered, fold-semantics chain.
package hooks

// Event identifies a hookpoint in the broker's control flow.
type Event byte

const (
	OnClientConnect Event = iota
	OnClientAuthenticate
	OnClientDisconnect
	OnACLCheck
	OnSessionSubscribed
	OnSessionUnsubscribed
	OnMessagePublish
	OnMessagePublished
	OnMessageDropped
	OnRetainMessage
	OnDeliverRetained
	OnSelectSharedSubscriber
	OnQoSComplete
	OnQoSDropped
	OnWillPublish
	OnClientExpired
)

var eventNames = [...]string{
	"client.connect",
	"client.authenticate",
	"client.disconnect",
	"client.check_acl",
	"session.subscribed",
	"session.unsubscribed",
	"message.publish",
	"message.published",
	"message.dropped",
	"message.retain",
	"message.deliver_retained",
	"subscription.select_shared",
	"qos.complete",
	"qos.dropped",
	"will.publish",
	"client.expired",
}

// String returns the hookpoint's dotted name (spec.md §4.9 examples:
// "client.connect", "message.publish", ...).
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}
