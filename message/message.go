// Package message defines the ten Discovery v5.1 message variants
// (spec.md §6), their RLP wire structs (field order is binding), and the
// MessageTypeRegistry used by the session pool to move between the
// Message-level tagged union and the payload bytes carried in envelopes.
package message

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eth2030/discv5/rlp"
)

// Type is the wire discriminator for a message variant (spec.md §9:
// "model Message as a tagged sum... key subscriptions by a discriminator
// enum rather than run-time type objects").
type Type byte

const (
	TypePing                     Type = 1
	TypePong                     Type = 2
	TypeFindNode                 Type = 3
	TypeFoundNodes               Type = 4
	TypeTalkRequest              Type = 5
	TypeTalkResponse             Type = 6
	TypeRegisterTopic            Type = 7
	TypeTicket                   Type = 8
	TypeRegistrationConfirmation Type = 9
	TypeTopicQuery               Type = 10
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeFindNode:
		return "FindNode"
	case TypeFoundNodes:
		return "FoundNodes"
	case TypeTalkRequest:
		return "TalkRequest"
	case TypeTalkResponse:
		return "TalkResponse"
	case TypeRegisterTopic:
		return "RegisterTopic"
	case TypeTicket:
		return "Ticket"
	case TypeRegistrationConfirmation:
		return "RegistrationConfirmation"
	case TypeTopicQuery:
		return "TopicQuery"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

// RequestID is the unsigned integer the requester chooses and the
// responder echoes (spec.md §3). The wire format is an RLP byte string
// of up to 8 bytes, so we hold it as a uint256.Int for RLP fidelity but
// expose a uint64 fast path for the common case (SPEC_FULL.md §3).
type RequestID struct {
	val uint256.Int
}

// RequestIDFromUint64 builds a RequestID from the common 64-bit case.
func RequestIDFromUint64(v uint64) RequestID {
	var r RequestID
	r.val.SetUint64(v)
	return r
}

// Uint64 returns the low 64 bits of the request ID.
func (r RequestID) Uint64() uint64 { return r.val.Uint64() }

// Bytes returns the minimal big-endian encoding used on the wire.
func (r RequestID) Bytes() []byte {
	return r.val.Bytes()
}

// RequestIDFromBytes parses a wire-format request ID.
func RequestIDFromBytes(b []byte) RequestID {
	var r RequestID
	r.val.SetBytes(b)
	return r
}

func (r RequestID) String() string { return r.val.Hex() }

// Equal reports whether two request IDs are the same value.
func (r RequestID) Equal(o RequestID) bool { return r.val.Eq(&o.val) }

// EnrRecord is the opaque wire representation of an ENR as carried inside
// FoundNodes/RegisterTopic payloads: already-encoded bytes, since ENR
// encoding itself is an external concern (spec.md §1).
type EnrRecord []byte

// Ping is wire type 1: request_id, enr_seq.
type Ping struct {
	RequestID []byte
	EnrSeq    uint64
}

// Pong is wire type 2: request_id, enr_seq, packet_ip, packet_port.
type Pong struct {
	RequestID  []byte
	EnrSeq     uint64
	PacketIP   []byte
	PacketPort uint16
}

// FindNode is wire type 3: request_id, distances[].
type FindNode struct {
	RequestID []byte
	Distances []uint64
}

// FoundNodes is wire type 4: request_id, total, enrs[].
type FoundNodes struct {
	RequestID []byte
	Total     uint64
	Enrs      []EnrRecord
}

// TalkRequest is wire type 5: request_id, protocol, request.
type TalkRequest struct {
	RequestID []byte
	Protocol  []byte
	Request   []byte
}

// TalkResponse is wire type 6: request_id, response.
type TalkResponse struct {
	RequestID []byte
	Response  []byte
}

// RegisterTopic is wire type 7: request_id, topic(32), enr, ticket.
type RegisterTopic struct {
	RequestID []byte
	Topic     [32]byte
	Enr       EnrRecord
	Ticket    []byte
}

// Ticket is wire type 8: request_id, ticket, wait_time.
type Ticket struct {
	RequestID []byte
	TicketVal []byte
	WaitTime  uint64
}

// RegistrationConfirmation is wire type 9: request_id, topic.
type RegistrationConfirmation struct {
	RequestID []byte
	Topic     [32]byte
}

// TopicQuery is wire type 10: request_id, topic(32).
type TopicQuery struct {
	RequestID []byte
	Topic     [32]byte
}

// Message is the tagged union over the ten variants (spec.md §3). Exactly
// one of the payload fields is populated, selected by Kind.
type Message struct {
	Kind Type

	Ping                     *Ping
	Pong                     *Pong
	FindNode                 *FindNode
	FoundNodes               *FoundNodes
	TalkRequest              *TalkRequest
	TalkResponse             *TalkResponse
	RegisterTopic            *RegisterTopic
	Ticket                   *Ticket
	RegistrationConfirmation *RegistrationConfirmation
	TopicQuery               *TopicQuery
}

// RequestID returns the request_id field common to every variant.
func (m Message) RequestID() RequestID {
	var b []byte
	switch m.Kind {
	case TypePing:
		b = m.Ping.RequestID
	case TypePong:
		b = m.Pong.RequestID
	case TypeFindNode:
		b = m.FindNode.RequestID
	case TypeFoundNodes:
		b = m.FoundNodes.RequestID
	case TypeTalkRequest:
		b = m.TalkRequest.RequestID
	case TypeTalkResponse:
		b = m.TalkResponse.RequestID
	case TypeRegisterTopic:
		b = m.RegisterTopic.RequestID
	case TypeTicket:
		b = m.Ticket.RequestID
	case TypeRegistrationConfirmation:
		b = m.RegistrationConfirmation.RequestID
	case TypeTopicQuery:
		b = m.TopicQuery.RequestID
	}
	return RequestIDFromBytes(b)
}

// payload returns the struct pointer to encode/decode for m.Kind.
func (m *Message) payload() any {
	switch m.Kind {
	case TypePing:
		return m.Ping
	case TypePong:
		return m.Pong
	case TypeFindNode:
		return m.FindNode
	case TypeFoundNodes:
		return m.FoundNodes
	case TypeTalkRequest:
		return m.TalkRequest
	case TypeTalkResponse:
		return m.TalkResponse
	case TypeRegisterTopic:
		return m.RegisterTopic
	case TypeTicket:
		return m.Ticket
	case TypeRegistrationConfirmation:
		return m.RegistrationConfirmation
	case TypeTopicQuery:
		return m.TopicQuery
	default:
		return nil
	}
}

// ErrUnknownType is returned by the registry for an unrecognized wire
// discriminator (spec.md §7: ProtocolViolation cause "unknown message
// type ID").
var ErrUnknownType = fmt.Errorf("message: unknown wire type")

// Registry serializes/deserializes between Message and raw payload bytes.
// spec.md §9 requires this be "a configurable value constructed once per
// client" rather than the source's process-wide v51_registry map.
type Registry struct{}

// NewRegistry builds the message codec. Constructed once per Client.
func NewRegistry() *Registry { return &Registry{} }

// Encode serializes a Message's payload (without the leading type byte;
// the packet layer is responsible for the envelope-level framing).
func (*Registry) Encode(m *Message) ([]byte, error) {
	p := m.payload()
	if p == nil {
		return nil, ErrUnknownType
	}
	return rlp.EncodeToBytes(p)
}

// Decode parses payload bytes for the given wire type into a Message.
func (*Registry) Decode(kind Type, payload []byte) (*Message, error) {
	m := &Message{Kind: kind}
	switch kind {
	case TypePing:
		m.Ping = &Ping{}
		return m, rlp.DecodeBytes(payload, m.Ping)
	case TypePong:
		m.Pong = &Pong{}
		return m, rlp.DecodeBytes(payload, m.Pong)
	case TypeFindNode:
		m.FindNode = &FindNode{}
		return m, rlp.DecodeBytes(payload, m.FindNode)
	case TypeFoundNodes:
		m.FoundNodes = &FoundNodes{}
		return m, rlp.DecodeBytes(payload, m.FoundNodes)
	case TypeTalkRequest:
		m.TalkRequest = &TalkRequest{}
		return m, rlp.DecodeBytes(payload, m.TalkRequest)
	case TypeTalkResponse:
		m.TalkResponse = &TalkResponse{}
		return m, rlp.DecodeBytes(payload, m.TalkResponse)
	case TypeRegisterTopic:
		m.RegisterTopic = &RegisterTopic{}
		return m, rlp.DecodeBytes(payload, m.RegisterTopic)
	case TypeTicket:
		m.Ticket = &Ticket{}
		return m, rlp.DecodeBytes(payload, m.Ticket)
	case TypeRegistrationConfirmation:
		m.RegistrationConfirmation = &RegistrationConfirmation{}
		return m, rlp.DecodeBytes(payload, m.RegistrationConfirmation)
	case TypeTopicQuery:
		m.TopicQuery = &TopicQuery{}
		return m, rlp.DecodeBytes(payload, m.TopicQuery)
	default:
		return nil, ErrUnknownType
	}
}
