package packet

import "github.com/pyr33x/goqtt-router/pkg/er"

// Parse determines the packet type from raw's fixed header and returns
// the appropriate parsed packet.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := PacketType(raw[0] & 0xF0)

	result := &ParsedPacket{
		Type: packetType,
		Raw:  raw,
	}

	switch packetType {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = p

	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = p

	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p

	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = p

	case PUBACK, PUBREC, PUBREL, PUBCOMP:
		// Fixed 4-byte frame (type + remaining length 0x02 + packet id);
		// the caller reads the packet id directly out of Raw.
		if len(raw) != 4 {
			return nil, &er.Err{Context: "Parse", Message: er.ErrInvalidPacketLength}
		}

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}

	return result, nil
}
