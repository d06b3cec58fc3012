package broker

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/pyr33x/goqtt-router/pkg/er"
)

// State is a Session's position in the state machine of spec.md §4.6.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// DisconnectReason records why a session left the Connected state, used
// both for logging and for deciding whether the will message fires.
type DisconnectReason uint8

const (
	ReasonNormal DisconnectReason = iota
	ReasonSessionTakeover
	ReasonKeepaliveTimeout
	ReasonProtocolError
	ReasonAdminKick
	ReasonSocketError
	ReasonServerShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonSessionTakeover:
		return "session_takeover"
	case ReasonKeepaliveTimeout:
		return "keepalive_timeout"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonAdminKick:
		return "admin_kick"
	case ReasonSocketError:
		return "socket_error"
	case ReasonServerShutdown:
		return "server_shutdown"
	default:
		return "unknown"
	}
}

// Will is the optional message a session's owning client asked to be
// published on ungraceful disconnect (spec.md §3).
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// InflightEntry is a message sent to a client but not yet acknowledged
// (spec.md §3 "inflight map").
type InflightEntry struct {
	PacketID    uint16
	Message     Message
	Sent        time.Time
	RetryCount  int
	AwaitingRel bool // QoS 2 only: PUBREC sent, waiting for PUBREL
}

// SessionConfig holds the per-session tunables sourced from
// internal/config (spec.md §9).
type SessionConfig struct {
	ReceiveMaximum uint16 // inbound inflight bound (from client)
	SendQuota      uint16 // outbound inflight bound (to client)
	QueueMax       int
	Overflow       OverflowPolicy
	ExpiryDefault  time.Duration
	HighWatermark  int
	ACLCacheSize   int           // per-session ACL decision cache capacity (spec.md §4.8)
	ACLCacheTTL    time.Duration // <= 0 disables expiry
}

// Session is the server's per-client state machine: connection state,
// subscriptions, inflight window, queues, packet-id allocator, will, and
// expiry (spec.md §3, §4.6). Exactly one goroutine — the owning
// connection's task — mutates a Session's fields in the steady state;
// the mutex only guards against the registry/reaper's concurrent reads.
type Session struct {
	ClientID   string
	CleanStart bool
	cfg        SessionConfig

	mu    sync.Mutex
	state State
	conn  net.Conn

	subscriptions map[string]SubscriptionOptions

	inflightOut  map[uint16]*InflightEntry // sent to client, awaiting ack
	inflightIn   map[uint16]struct{}       // QoS2 received from client, awaiting PUBREL/PUBCOMP
	nextPacketID uint16

	queue        *list.List // FIFO of Message awaiting send
	backpressure bool

	will      *Will
	expiryAt  time.Time
	keepalive time.Duration
	lastRecv  time.Time

	droppedNewest uint64
	droppedOldest uint64

	acl *ACLCache // per-session ACL decision cache (spec.md §4.8)
}

// NewSession constructs a Session in StateIdle.
func NewSession(clientID string, cleanStart bool, cfg SessionConfig) *Session {
	return &Session{
		ClientID:      clientID,
		CleanStart:    cleanStart,
		cfg:           cfg,
		state:         StateIdle,
		subscriptions: make(map[string]SubscriptionOptions),
		inflightOut:   make(map[uint16]*InflightEntry),
		inflightIn:    make(map[uint16]struct{}),
		nextPacketID:  1,
		queue:         list.New(),
		lastRecv:      time.Now(),
		acl:           NewACLCache(cfg.ACLCacheSize, cfg.ACLCacheTTL),
	}
}

// ACL returns the session's private ACL decision cache.
func (s *Session) ACL() *ACLCache {
	return s.acl
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect transitions Idle/Disconnected -> Connecting -> Connected,
// binding the session to conn. sessionPresent reports whether a prior
// non-clean session's state was resumed (spec.md §4.6, §6 CONNACK
// contract).
func (s *Session) Connect(conn net.Conn, keepalive time.Duration) (sessionPresent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnecting
	sessionPresent = !s.CleanStart && (len(s.subscriptions) > 0 || len(s.inflightOut) > 0)

	s.conn = conn
	s.keepalive = keepalive
	s.lastRecv = time.Now()
	s.state = StateConnected
	return sessionPresent
}

// Touch records inbound byte activity, resetting the keepalive timer.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRecv = time.Now()
}

// KeepaliveExpired reports whether more than 1.5x the keepalive interval
// has elapsed with no bytes received (spec.md §4.6).
func (s *Session) KeepaliveExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepalive <= 0 {
		return false
	}
	return now.Sub(s.lastRecv) > (s.keepalive * 3 / 2)
}

// Disconnect transitions Connected -> Disconnected, recording the expiry
// deadline. It returns the will message to publish, or nil if none
// should fire (spec.md §4.6: will fires unless the disconnect was a
// clean DISCONNECT with no-will semantics).
func (s *Session) Disconnect(reason DisconnectReason, cleanNoWill bool, now time.Time) *Will {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateDisconnected
	s.conn = nil

	if s.CleanStart {
		s.expiryAt = now // immediate reap-eligibility
	} else {
		s.expiryAt = now.Add(s.cfg.ExpiryDefault)
	}

	_ = reason // recorded by the caller's logging, not stored on Session
	if cleanNoWill {
		return nil
	}
	return s.will
}

// ExpiredAt reports whether the session should be reaped as of now
// (spec.md §3 Lifecycle).
func (s *Session) ExpiredAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		return false
	}
	return !s.expiryAt.IsZero() && !now.Before(s.expiryAt)
}

// Reap transitions to StateReaped. Callers must have already torn down
// routes and (if clean) discarded persisted state.
func (s *Session) Reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReaped
}

// SetWill stores the session's will message, or clears it if w is nil.
func (s *Session) SetWill(w *Will) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = w
}

// --- Subscriptions ---

// AddSubscription records filter -> options for this session. Returns
// true if this is a brand-new filter for the session (vs. an option
// update), used by the caller for RetainSendIfNew handling.
func (s *Session) AddSubscription(filter string, opts SubscriptionOptions) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.subscriptions[filter]
	s.subscriptions[filter] = opts
	return !existed
}

// RemoveSubscription deletes filter from the session's subscription map.
// Returns true if it was present.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return existed
}

// Subscriptions returns a snapshot copy of the session's filter->options map.
func (s *Session) Subscriptions() map[string]SubscriptionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SubscriptionOptions, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// --- Packet-id allocation ---

// AllocatePacketID returns the next free packet id in [1, 65535],
// skipping values already present in the outbound inflight map
// (spec.md §4.6 "monotone ... skipping values in the inflight map").
func (s *Session) AllocatePacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocatePacketIDLocked()
}

func (s *Session) allocatePacketIDLocked() (uint16, error) {
	if len(s.inflightOut) >= 65535 {
		return 0, &er.Err{Context: "Session", Message: er.ErrPacketIDExhausted}
	}
	for tries := 0; tries < 65535; tries++ {
		id := s.nextPacketID
		if s.nextPacketID == 65535 {
			s.nextPacketID = 1
		} else {
			s.nextPacketID++
		}
		if _, used := s.inflightOut[id]; !used {
			return id, nil
		}
	}
	return 0, &er.Err{Context: "Session", Message: er.ErrPacketIDExhausted}
}

// --- Inflight (outbound QoS 1/2) ---

// InflightLen reports the number of outbound messages awaiting ack.
func (s *Session) InflightLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflightOut)
}

// SendQoS enqueues msg for delivery under QoS 1/2 flow control, assigning
// a fresh packet id and recording it in the inflight map. It fails with
// ErrInflightFull if the session's send quota (receive_maximum advertised
// by the client) is exhausted (spec.md §4.6).
func (s *Session) SendQoS(msg Message) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.SendQuota > 0 && uint16(len(s.inflightOut)) >= s.cfg.SendQuota {
		return 0, &er.Err{Context: "Session", Message: er.ErrInflightFull}
	}

	id, err := s.allocatePacketIDLocked()
	if err != nil {
		return 0, err
	}

	s.inflightOut[id] = &InflightEntry{PacketID: id, Message: msg, Sent: time.Now()}
	return id, nil
}

// ResumeInflight re-registers an inflight entry using the same packet-id
// on a resumed (non-clean) session's reconnect (spec.md §4.6 "same
// packet-id on reconnect").
func (s *Session) ResumeInflight(id uint16, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.inflightOut[id]; ok {
		e.RetryCount++
		e.Sent = time.Now()
		e.Message.Dup = true
	} else {
		msg.Dup = true
		s.inflightOut[id] = &InflightEntry{PacketID: id, Message: msg, Sent: time.Now()}
	}
}

// AckQoS1 completes a QoS 1 flow on PUBACK, removing the inflight entry.
func (s *Session) AckQoS1(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflightOut[id]; !ok {
		return false
	}
	delete(s.inflightOut, id)
	return true
}

// AckPubRec advances a QoS 2 flow on PUBREC, marking the entry as
// awaiting PUBREL.
func (s *Session) AckPubRec(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflightOut[id]
	if !ok {
		return false
	}
	e.AwaitingRel = true
	return true
}

// AckPubComp completes a QoS 2 flow on PUBCOMP.
func (s *Session) AckPubComp(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflightOut[id]; !ok {
		return false
	}
	delete(s.inflightOut, id)
	return true
}

// PendingRetries returns inflight entries older than delay, for the
// caller's retry loop (spec.md §4.6, §8 property 6).
func (s *Session) PendingRetries(delay time.Duration, now time.Time) []*InflightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*InflightEntry
	for _, e := range s.inflightOut {
		if !e.AwaitingRel && now.Sub(e.Sent) >= delay {
			out = append(out, e)
		}
	}
	return out
}

// --- Inbound QoS 2 dedup ---

// MarkQoS2Received records an inbound QoS 2 packet id as seen, returning
// false if it was already present (duplicate PUBLISH after PUBREC loss).
func (s *Session) MarkQoS2Received(id uint16) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflightIn[id]; ok {
		return false
	}
	s.inflightIn[id] = struct{}{}
	return true
}

// CompleteQoS2Received clears an inbound QoS 2 id on PUBREL/PUBCOMP.
func (s *Session) CompleteQoS2Received(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflightIn, id)
}

// --- Send queue / backpressure ---

// Enqueue appends msg to the session's outbound queue, applying the
// configured overflow policy when the queue is full (spec.md §4.6). It
// reports ErrQueueOverflow only under OverflowDisconnect.
func (s *Session) Enqueue(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := s.cfg.QueueMax
	if max <= 0 || s.queue.Len() < max {
		s.queue.PushBack(msg)
		s.updateBackpressureLocked()
		return nil
	}

	switch s.cfg.Overflow {
	case OverflowDropOldest:
		s.queue.Remove(s.queue.Front())
		s.queue.PushBack(msg)
		s.droppedOldest++
		return nil
	case OverflowDisconnect:
		return &er.Err{Context: "Session", Message: er.ErrQueueOverflow}
	default: // OverflowDropNewest
		s.droppedNewest++
		return nil
	}
}

func (s *Session) updateBackpressureLocked() {
	s.backpressure = s.cfg.HighWatermark > 0 && s.queue.Len() > s.cfg.HighWatermark
}

// Backpressured reports whether dispatch should stop delivering
// non-essential messages to this session (spec.md §4.6).
func (s *Session) Backpressured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backpressure
}

// Dequeue pops the oldest queued message, in enqueue order.
func (s *Session) Dequeue() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.queue.Front()
	if front == nil {
		return Message{}, false
	}
	s.queue.Remove(front)
	s.updateBackpressureLocked()
	return front.Value.(Message), true
}

// QueueLen reports the current queue depth.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Conn returns the session's current transport, or nil if disconnected.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// DroppedCounts reports drop-newest/drop-oldest counters for metrics.
func (s *Session) DroppedCounts() (newest, oldest uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedNewest, s.droppedOldest
}
