package broker

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt-router/internal/cluster"
	"github.com/pyr33x/goqtt-router/internal/hooks"
	"github.com/pyr33x/goqtt-router/internal/logger"
	"github.com/pyr33x/goqtt-router/internal/packet"
	"github.com/pyr33x/goqtt-router/internal/topic"
)

// ACLChecker authorizes a publish or subscribe against a topic. The
// default implementation allows everything; internal/auth wires a
// database-backed checker in its place.
type ACLChecker interface {
	CheckACL(clientID, username string, action ACLAction, topic string) bool
}

type allowAllACL struct{}

func (allowAllACL) CheckACL(string, string, ACLAction, string) bool { return true }

// ClusterRouter is the capability interface a cluster route table
// implements (spec.md §4.4): told about local-subscriber transitions so
// other nodes learn this node is (or is no longer) a destination for a
// filter, and queried on every publish to find which other nodes must
// receive the message (spec.md §4.5 step 1). *cluster.RouteTable
// satisfies this structurally; a standalone Broker runs with it nil and
// relies on logging alone, with no remote fanout attempted.
type ClusterRouter interface {
	AddRoute(filter, node string) error
	DeleteRoute(filter, node string) error
	cluster.Resolver
}

// Config bundles the policy knobs a Broker is constructed with
// (spec.md §9).
type Config struct {
	SharedPolicy  SharedPolicy
	SessionConfig SessionConfig
	NodeID        string // this node's cluster identifier; used only if Cluster is non-nil
}

// Broker owns the local routing core: the session registry, the
// subscription index, the retained store, and the extension hook chain
// (spec.md §4). Grounded on the teacher's Broker, generalized from a
// single hash-map subscription tree into the trie-backed index plus
// shared-subscription groups spec.md requires, and from ad-hoc logging
// into the structured logger/hook-chain pair.
type Broker struct {
	cfg Config

	registry  *Registry
	index     *SubscriptionIndex
	retained  *RetainedStore
	acl       ACLChecker
	hooks     *hooks.Chain
	cluster   ClusterRouter
	forwarder cluster.Forwarder

	log *logger.Logger

	packetIDSeq uint64
}

// New constructs a Broker. persist and acl may be nil (in-memory
// retained store, allow-all ACL). router may be nil to run as a
// standalone node (route transitions are only logged, never published,
// and publish never attempts remote forwarding). fwd delivers a
// published message to a peer node (spec.md §4.5 step 2); it is ignored
// when router is nil, and defaults to cluster.NoopForwarder{} when nil
// and router is not (a clustered route table with no transport wired
// yet still resolves destinations correctly, it just can't reach them).
func New(cfg Config, persist Persister, acl ACLChecker, chain *hooks.Chain, router ClusterRouter, fwd cluster.Forwarder) (*Broker, error) {
	if acl == nil {
		acl = allowAllACL{}
	}
	if chain == nil {
		chain = hooks.NewChain()
	}
	if fwd == nil {
		fwd = cluster.NoopForwarder{}
	}

	retained, err := NewRetainedStore(persist)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		registry:  NewRegistry(),
		retained:  retained,
		acl:       acl,
		hooks:     chain,
		cluster:   router,
		forwarder: fwd,
		log:       logger.NewMQTTLogger("broker"),
	}
	b.index = NewSubscriptionIndex(b.onRoute)
	return b, nil
}

// onRoute is invoked by the subscription index on local-subscriber
// transitions. When running clustered, this is where the route table is
// told to add/withdraw a route for this node (spec.md §4.4); a
// standalone broker only logs the transition.
func (b *Broker) onRoute(filter string, added bool) {
	action := "withdrawn"
	if added {
		action = "added"
	}
	b.log.LogRoute(filter, "local", action)

	if b.cluster == nil {
		return
	}
	var err error
	if added {
		err = b.cluster.AddRoute(filter, b.cfg.NodeID)
	} else {
		err = b.cluster.DeleteRoute(filter, b.cfg.NodeID)
	}
	if err != nil {
		b.log.LogError(err, "cluster route update failed", logger.String("filter", filter))
	}
}

// Registry exposes the session registry for the transport layer.
func (b *Broker) Registry() *Registry { return b.registry }

// SessionConfig returns the default per-session limits new sessions
// should be constructed with (spec.md §9).
func (b *Broker) SessionConfig() SessionConfig { return b.cfg.SessionConfig }

// Connect registers session under the registry, handling session
// takeover (spec.md §4.6): the new session is stored first, and if it
// replaced a prior session for the same client-id, that prior session is
// then disconnected with ReasonSessionTakeover and its will published.
func (b *Broker) Connect(session *Session, conn net.Conn, keepalive time.Duration) (sessionPresent bool) {
	sessionPresent = session.Connect(conn, keepalive)

	prior, hadPrior := b.registry.Store(session.ClientID, session)
	if hadPrior && prior != session {
		if will := prior.Disconnect(ReasonSessionTakeover, false, time.Now()); will != nil {
			b.publishWill(prior.ClientID, will)
		}
	}

	b.log.LogClientConnection(session.ClientID, connRemoteAddr(conn), "connected")
	return sessionPresent
}

// Disconnect tears session down: publishes its will (unless cleanNoWill),
// releases its subscriptions on a clean session, and removes it from the
// registry.
func (b *Broker) Disconnect(session *Session, reason DisconnectReason, cleanNoWill bool) {
	will := session.Disconnect(reason, cleanNoWill, time.Now())
	if will != nil {
		b.publishWill(session.ClientID, will)
	}
	if session.CleanStart {
		b.index.UnsubscribeAll(session.ClientID)
		b.registry.Delete(session.ClientID)
	}
	b.log.LogClientConnection(session.ClientID, "", "disconnected", logger.String("reason", reason.String()))
}

func (b *Broker) publishWill(clientID string, w *Will) {
	msg := Message{
		ID:        b.nextID(),
		From:      clientID,
		QoS:       packet.QoSLevel(w.QoS),
		Retain:    w.Retain,
		Topic:     w.Topic,
		Payload:   w.Payload,
		Timestamp: time.Now(),
	}
	_, _, _ = b.hooks.Run(context.Background(), hooks.OnWillPublish, clientID, msg)
	_ = b.Publish(msg)
}

// HandleSubscribe processes a SUBSCRIBE packet and returns the SUBACK
// (spec.md §4.3). Grounded on the teacher's Broker.HandleSubscribe,
// generalized to the index's plain/shared subscription split and to
// per-filter ACL and retained-delivery handling.
func (b *Broker) HandleSubscribe(session *Session, sp *packet.SubscribePacket) *packet.SubackPacket {
	returnCodes := make([]byte, len(sp.Filters))

	for i, f := range sp.Filters {
		opts := SubscriptionOptions{QoS: f.QoS}

		filter := f.Topic
		if group, underlying, ok := topic.ShareGroupFilter(filter); ok {
			opts.ShareGroup = group
			filter = underlying
		}

		if !b.checkACL(session, ACLSubscribe, filter) {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		if err := b.index.Subscribe(session, filter, opts); err != nil {
			returnCodes[i] = packet.SubackFailure
			continue
		}
		isNew := session.AddSubscription(f.Topic, opts)

		returnCodes[i] = subackCode(f.QoS)
		b.log.LogSubscription(session.ClientID, f.Topic, int(f.QoS), "subscribe")

		if opts.ShareGroup == "" {
			b.deliverRetained(session, filter, opts, isNew)
		}
	}

	return &packet.SubackPacket{PacketID: sp.PacketID, ReturnCodes: returnCodes}
}

func subackCode(qos packet.QoSLevel) byte {
	switch qos {
	case packet.QoSAtMostOnce:
		return packet.SubackMaxQoS0
	case packet.QoSAtLeastOnce:
		return packet.SubackMaxQoS1
	case packet.QoSExactlyOnce:
		return packet.SubackMaxQoS2
	default:
		return packet.SubackFailure
	}
}

// HandleUnsubscribe processes an UNSUBSCRIBE packet (spec.md §4.3).
func (b *Broker) HandleUnsubscribe(session *Session, up *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, f := range up.TopicFilters {
		group, underlying, isShared := topic.ShareGroupFilter(f)
		if isShared {
			_ = b.index.Unsubscribe(session, underlying, group)
		} else {
			_ = b.index.Unsubscribe(session, f, "")
		}
		session.RemoveSubscription(f)
		b.log.LogSubscription(session.ClientID, f, 0, "unsubscribe")
	}
	return &packet.UnsubackPacket{PacketID: up.PacketID}
}

// HandlePublish is the dispatch entrypoint (spec.md §4.5): validates the
// topic, runs the ACL check, and fans out to every local match.
func (b *Broker) HandlePublish(session *Session, pp *packet.PublishPacket) error {
	msg := Message{
		ID:        b.nextID(),
		From:      session.ClientID,
		QoS:       pp.QoS,
		Dup:       pp.DUP,
		Retain:    pp.Retain,
		Topic:     pp.Topic,
		Payload:   pp.Payload,
		Timestamp: time.Now(),
	}

	if !b.checkACL(session, ACLPublish, pp.Topic) {
		return nil
	}

	return b.Publish(msg)
}

// Publish fans msg out to every local subscriber (direct and shared);
// msg.From == "" marks a broker-originated message. Wills are published
// here with From set to the departed client's id; retained replay on
// subscribe does not go through Publish.
func (b *Broker) Publish(msg Message) error {
	ctx := context.Background()
	folded, stopped, err := b.hooks.Run(ctx, hooks.OnMessagePublish, msg.Topic, msg)
	if err != nil {
		return err
	}
	if stopped {
		return nil
	}
	if v, ok := folded.(Message); ok {
		msg = v
	}

	if msg.Retain {
		_ = b.retained.Set(msg)
	}

	subs, err := b.index.MatchLocal(msg.Topic)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Options.NoLocal && sub.Session.ClientID == msg.From {
			continue
		}
		b.deliverTo(sub.Session, msg, sub.Options)
	}

	shared, err := b.index.MatchSharedLocal(msg.Topic)
	if err != nil {
		return err
	}
	for _, m := range shared {
		sub, ok := m.Select(b.cfg.SharedPolicy, msg.From)
		if !ok {
			continue
		}
		b.deliverTo(sub.Session, msg, sub.Options)
	}

	if b.cluster != nil {
		if _, err := cluster.Dispatch(ctx, b.cluster, b.forwarder, b.cfg.NodeID, msg.Topic, msg.Payload); err != nil {
			b.log.LogError(err, "cluster dispatch failed", logger.String("topic", msg.Topic))
		}
	}

	_, _, _ = b.hooks.Run(ctx, hooks.OnMessagePublished, msg.Topic, msg)
	b.log.LogPublish(msg.From, msg.Topic, int(msg.QoS), msg.Retain, len(msg.Payload))
	return nil
}

func (b *Broker) deliverTo(session *Session, msg Message, opts SubscriptionOptions) {
	out := msg.Clone()
	out.QoS = minQoS(msg.QoS, opts.QoS)
	if !opts.RetainAsPublished {
		out.Retain = false
	}

	if out.QoS == packet.QoSAtMostOnce {
		b.writePublish(session, out, nil)
		return
	}

	id, err := session.SendQoS(out)
	if err != nil {
		_, _, _ = b.hooks.Run(context.Background(), hooks.OnMessageDropped, out.Topic, out)
		return
	}
	b.writePublish(session, out, &id)
}

func (b *Broker) writePublish(session *Session, msg Message, packetID *uint16) {
	conn := session.Conn()
	if conn == nil {
		return
	}
	pp := &packet.PublishPacket{
		DUP:      msg.Dup,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		Topic:    msg.Topic,
		PacketID: packetID,
		Payload:  msg.Payload,
	}
	data := pp.Encode()
	if _, err := conn.Write(data); err != nil {
		b.log.LogError(err, "failed to deliver publish", logger.ClientID(session.ClientID))
	}
}

func (b *Broker) deliverRetained(session *Session, filter string, opts SubscriptionOptions, isNewSubscription bool) {
	if opts.RetainHandling == RetainDoNotSend {
		return
	}
	if opts.RetainHandling == RetainSendIfNew && !isNewSubscription {
		return
	}

	matches, err := b.retained.Match(filter)
	if err != nil {
		return
	}
	// A replayed retained message always keeps its retain flag.
	opts.RetainAsPublished = true
	for _, msg := range matches {
		_, _, _ = b.hooks.Run(context.Background(), hooks.OnDeliverRetained, filter, msg)
		b.deliverTo(session, msg, opts)
	}
}

func (b *Broker) checkACL(session *Session, action ACLAction, topic string) bool {
	if allow, ok := session.ACL().Get(action, topic); ok {
		return allow
	}

	ctx := context.Background()
	folded, stopped, err := b.hooks.Run(ctx, hooks.OnACLCheck, topic, map[string]any{
		"client_id": session.ClientID,
		"topic":     topic,
	})
	if err == nil && stopped {
		if v, ok := folded.(bool); ok {
			session.ACL().Put(action, topic, v)
			return v
		}
	}

	allow := b.acl.CheckACL(session.ClientID, "", action, topic)
	session.ACL().Put(action, topic, allow)
	return allow
}

// HandleClientDisconnect releases every local subscription for clientID
// without touching the registry (used for abrupt socket loss, where the
// caller decides separately whether to reap the session).
func (b *Broker) HandleClientDisconnect(clientID string) {
	b.index.UnsubscribeAll(clientID)
}

func (b *Broker) nextID() uint64 {
	return atomic.AddUint64(&b.packetIDSeq, 1)
}

func minQoS(a, c packet.QoSLevel) packet.QoSLevel {
	if a < c {
		return a
	}
	return c
}

func connRemoteAddr(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
