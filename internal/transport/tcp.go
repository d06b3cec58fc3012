package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt-router/internal/auth"
	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/internal/logger"
	pkt "github.com/pyr33x/goqtt-router/internal/packet"
	"github.com/pyr33x/goqtt-router/pkg/er"
)

// TCPServer accepts raw MQTT-over-TCP connections and drives each one's
// packet loop against a shared Broker. Grounded on the teacher's
// TCPServer, generalized to dispatch through broker.Broker's Connect/
// HandleSubscribe/HandlePublish/Disconnect surface instead of mutating a
// bespoke subscription tree inline.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	authStore          *auth.Store
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
	log                *logger.Logger
}

// New creates a TCPServer bound to addr, dispatching through b and
// authenticating via authStore (may be nil to skip username/password
// checks entirely).
func New(addr string, b *broker.Broker, authStore *auth.Store) *TCPServer {
	return &TCPServer{
		addr:           addr,
		broker:         b,
		authStore:      authStore,
		maxConnections: 1000,
		log:            logger.NewMQTTLogger("transport"),
	}
}

// Start begins accepting TCP connections.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.log.Info("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	var session *broker.Session
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		// A session already disconnected (clean DISCONNECT or takeover) has
		// been torn down; only a still-connected one is a socket loss.
		if session != nil && session.State() == broker.StateConnected {
			srv.broker.HandleClientDisconnect(session.ClientID)
			srv.broker.Disconnect(session, broker.ReasonSocketError, false)
		}
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}
	srv.currentConnections.Add(1)

	reader := bufio.NewReader(conn)

	for {
		raw, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.String("remote_addr", conn.RemoteAddr().String()))
			}
			return
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			srv.sendAndClose(conn, connAckFor(err))
			return
		}

		if session == nil {
			session, err = srv.handleConnect(conn, parsed)
			if err != nil {
				return
			}
			continue
		}

		if !srv.dispatch(session, parsed) {
			return
		}
	}
}

// readPacket reads one MQTT fixed-header + remaining-length + body frame.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	offset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if offset >= len(remLenBuf) {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[offset] = b
		offset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	raw := make([]byte, 1+offset+remainingLength)
	raw[0] = fixedHeaderByte
	copy(raw[1:1+offset], remLenBuf[:offset])
	if _, err := io.ReadFull(reader, raw[1+offset:]); err != nil {
		return nil, err
	}
	return raw, nil
}

func connAckFor(err error) []byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion)
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.NewConnAck(false, pkt.IdentifierRejected)
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.NewConnAck(false, pkt.BadUsernameOrPassword)
	default:
		return pkt.NewConnAck(false, pkt.ServerUnavailable)
	}
}

func (srv *TCPServer) handleConnect(conn net.Conn, parsed *pkt.ParsedPacket) (*broker.Session, error) {
	if !parsed.IsConnect() {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return nil, errors.New("expected CONNECT")
	}
	cp := parsed.GetConnect()

	if cp.UsernameFlag && cp.PasswordFlag && srv.authStore != nil {
		if err := srv.authStore.Authenticate(*cp.Username, *cp.Password); err != nil {
			srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return nil, err
		}
	}

	session := broker.NewSession(cp.ClientID, cp.CleanSession, srv.broker.SessionConfig())
	if cp.WillFlag && cp.WillTopic != nil && cp.WillMessage != nil {
		session.SetWill(&broker.Will{
			Topic:   *cp.WillTopic,
			Payload: []byte(*cp.WillMessage),
			QoS:     cp.WillQoS,
			Retain:  cp.WillRetain,
		})
	}

	keepalive := time.Duration(cp.KeepAlive) * time.Second
	sessionPresent := srv.broker.Connect(session, conn, keepalive)

	conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
	return session, nil
}

// dispatch handles one post-CONNECT packet. Returns false if the
// connection should be torn down.
func (srv *TCPServer) dispatch(session *broker.Session, parsed *pkt.ParsedPacket) bool {
	session.Touch()
	conn := session.Conn()

	switch parsed.Type {
	case pkt.PUBLISH:
		p := parsed.Publish
		if p == nil {
			return false
		}
		_ = srv.broker.HandlePublish(session, p)
		if p.QoS == pkt.QoSAtLeastOnce && p.PacketID != nil {
			conn.Write(pkt.NewPubAck(*p.PacketID))
		} else if p.QoS == pkt.QoSExactlyOnce && p.PacketID != nil {
			session.MarkQoS2Received(*p.PacketID)
			conn.Write(pkt.NewPubRec(*p.PacketID))
		}
		return true

	case pkt.PUBREL:
		if len(parsed.Raw) >= 4 {
			id := uint16(parsed.Raw[2])<<8 | uint16(parsed.Raw[3])
			session.CompleteQoS2Received(id)
			conn.Write(pkt.NewPubComp(id))
		}
		return true

	case pkt.PUBACK:
		if len(parsed.Raw) >= 4 {
			id := uint16(parsed.Raw[2])<<8 | uint16(parsed.Raw[3])
			session.AckQoS1(id)
		}
		return true

	case pkt.PUBREC:
		if len(parsed.Raw) >= 4 {
			id := uint16(parsed.Raw[2])<<8 | uint16(parsed.Raw[3])
			session.AckPubRec(id)
			conn.Write(pkt.NewPubRel(id))
		}
		return true

	case pkt.PUBCOMP:
		if len(parsed.Raw) >= 4 {
			id := uint16(parsed.Raw[2])<<8 | uint16(parsed.Raw[3])
			session.AckPubComp(id)
		}
		return true

	case pkt.SUBSCRIBE:
		if parsed.Subscribe == nil {
			return false
		}
		suback := srv.broker.HandleSubscribe(session, parsed.Subscribe)
		conn.Write(suback.Encode())
		return true

	case pkt.UNSUBSCRIBE:
		if parsed.Unsubscribe == nil {
			return false
		}
		unsuback := srv.broker.HandleUnsubscribe(session, parsed.Unsubscribe)
		conn.Write(unsuback.Encode())
		return true

	case pkt.PINGREQ:
		conn.Write(pkt.CreatePingresp().Encode())
		return true

	case pkt.DISCONNECT:
		srv.broker.Disconnect(session, broker.ReasonNormal, true)
		return false

	default:
		return false
	}
}

// sendAndClose sends an ACK (usually CONNACK) and closes the connection.
func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		conn.Write(ack)
	}
	conn.Close()
}
