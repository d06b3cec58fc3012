// Package broker implements the local (single-node) halves of the
// routing core: the subscription index, session state machine, dispatch
// path, retained store, and ACL cache (spec.md §4.3, §4.5–§4.8).
package broker

import (
	"time"

	"github.com/pyr33x/goqtt-router/internal/packet"
)

// RetainHandling controls whether a retained message is sent on a new
// subscription (spec.md §3 "Subscription Options").
type RetainHandling uint8

const (
	RetainSend       RetainHandling = iota // always send matching retained messages
	RetainSendIfNew                        // send only if this is a new subscription to the filter
	RetainDoNotSend                         // never send retained messages for this subscription
)

// OverflowPolicy controls what happens when a session's message queue is
// full (spec.md §4.6, §9 `session.queue.overflow`).
type OverflowPolicy uint8

const (
	OverflowDropNewest OverflowPolicy = iota
	OverflowDropOldest
	OverflowDisconnect
)

func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "drop_newest", "":
		return OverflowDropNewest, true
	case "drop_oldest":
		return OverflowDropOldest, true
	case "disconnect":
		return OverflowDisconnect, true
	default:
		return OverflowDropNewest, false
	}
}

// SharedPolicy selects the member of a shared-subscription group that
// receives a given publish (spec.md §4.5, §9 `shared_subscription.policy`).
type SharedPolicy uint8

const (
	SharedRandom SharedPolicy = iota
	SharedRoundRobin
	SharedHashClientID
)

func ParseSharedPolicy(s string) (SharedPolicy, bool) {
	switch s {
	case "random", "":
		return SharedRandom, true
	case "round_robin":
		return SharedRoundRobin, true
	case "hash_clientid":
		return SharedHashClientID, true
	default:
		return SharedRandom, false
	}
}

// SubscriptionOptions are the per-subscription flags carried in an MQTT
// SUBSCRIBE (spec.md §3).
type SubscriptionOptions struct {
	QoS                    packet.QoSLevel
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         RetainHandling
	SubscriptionIdentifier *uint32
	ShareGroup             string // empty if not a shared subscription
}

// Message is an immutable, once-constructed unit of delivery (spec.md §3).
type Message struct {
	ID        uint64
	From      string // publishing client-id, "" for broker-originated
	QoS       packet.QoSLevel
	Dup       bool
	Retain    bool
	Sys       bool // broker-originated
	Username  string
	PeerHost  string
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Clone returns a shallow copy of m suitable for per-destination mutation
// (e.g. clearing the retain flag per subscriber options) without racing
// other destinations reading the same Message value.
func (m Message) Clone() Message {
	return m
}
