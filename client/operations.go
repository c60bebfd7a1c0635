package client

import (
	"context"

	"github.com/eth2030/discv5/dispatch"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/protoerr"
)

// foundNodesMaxPayloadSize bounds the ENR bytes carried in a single
// FoundNodes message (spec.md §9 constant FOUND_NODES_MAX_PAYLOAD_SIZE).
const foundNodesMaxPayloadSize = 1200

// topicHashSize is the fixed width of a topic hash (spec.md §9 constant
// TOPIC_HASH_SIZE).
const topicHashSize = 32

// await blocks on sub until a Result arrives or ctx is done, translating
// cancellation into protoerr.Cancelled.
func await(ctx context.Context, sub *dispatch.Subscription) (*message.Message, error) {
	select {
	case res := <-sub.Chan():
		return res.Msg, res.Err
	case <-ctx.Done():
		sub.Unsubscribe()
		return nil, &protoerr.Cancelled{}
	}
}

// sendPing sends a PING under the given, already-reserved request ID
// (spec.md §4.5 send_ping).
func (c *Client) sendPing(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, id message.RequestID) error {
	msg := message.Message{Kind: message.TypePing, Ping: &message.Ping{RequestID: id.Bytes(), EnrSeq: c.cfg.EnrSeq}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendPing reserves a fresh request ID, sends a PING under it, and
// returns the ID (spec.md §4.5 send_ping). Ping layers subscribe_request
// on top of this for the correlated request/response form.
func (c *Client) SendPing(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint) (message.RequestID, error) {
	id := c.disp.ReserveRequestID(peer)
	return id, c.sendPing(ctx, peer, ep, id)
}

// SendPong replies to requestID, echoed from an inbound Ping, with this
// node's current ENR sequence number and the endpoint it observed the
// request from (spec.md §4.5 send_pong).
func (c *Client) SendPong(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, requestID message.RequestID, observed nodeid.Endpoint) error {
	msg := message.Message{Kind: message.TypePong, Pong: &message.Pong{
		RequestID:  requestID.Bytes(),
		EnrSeq:     c.cfg.EnrSeq,
		PacketIP:   observed.Addr.AsSlice(),
		PacketPort: observed.Port,
	}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// sendFindNode sends a FINDNODE for the given distances under the given,
// already-reserved request ID (spec.md §4.5 send_find_node).
func (c *Client) sendFindNode(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, id message.RequestID, distances []uint64) error {
	msg := message.Message{Kind: message.TypeFindNode, FindNode: &message.FindNode{RequestID: id.Bytes(), Distances: distances}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendFindNode reserves a fresh request ID, sends a FINDNODE under it,
// and returns the ID (spec.md §4.5 send_find_node).
func (c *Client) SendFindNode(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, distances []uint64) (message.RequestID, error) {
	id := c.disp.ReserveRequestID(peer)
	return id, c.sendFindNode(ctx, peer, ep, id, distances)
}

// sendTalkRequest sends a TALKREQ for protocol under the given,
// already-reserved request ID (spec.md §4.5 send_talk_request,
// supplemented feature).
func (c *Client) sendTalkRequest(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, id message.RequestID, protocol, request []byte) error {
	msg := message.Message{Kind: message.TypeTalkRequest, TalkRequest: &message.TalkRequest{RequestID: id.Bytes(), Protocol: protocol, Request: request}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendTalkRequest reserves a fresh request ID, sends a TALKREQ for
// protocol under it, and returns the ID (spec.md §4.5
// send_talk_request, supplemented feature).
func (c *Client) SendTalkRequest(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, protocol, request []byte) (message.RequestID, error) {
	id := c.disp.ReserveRequestID(peer)
	return id, c.sendTalkRequest(ctx, peer, ep, id, protocol, request)
}

// SendTalkResponse replies to requestID, echoed from an inbound
// TalkRequest, with response (spec.md §4.5 send_talk_response,
// supplemented feature).
func (c *Client) SendTalkResponse(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, requestID message.RequestID, response []byte) error {
	msg := message.Message{Kind: message.TypeTalkResponse, TalkResponse: &message.TalkResponse{RequestID: requestID.Bytes(), Response: response}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// sendRegisterTopic sends a REGISTERTOPIC under the given,
// already-reserved request ID (spec.md §4.5 send_register_topic,
// supplemented feature).
func (c *Client) sendRegisterTopic(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, id message.RequestID, topic [topicHashSize]byte, nodeEnr []byte, ticket []byte) error {
	msg := message.Message{Kind: message.TypeRegisterTopic, RegisterTopic: &message.RegisterTopic{
		RequestID: id.Bytes(),
		Topic:     topic,
		Enr:       message.EnrRecord(nodeEnr),
		Ticket:    ticket,
	}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendRegisterTopic reserves a fresh request ID, sends a REGISTERTOPIC
// under it, and returns the ID (spec.md §4.5 send_register_topic,
// supplemented feature).
func (c *Client) SendRegisterTopic(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, topic [topicHashSize]byte, nodeEnr []byte, ticket []byte) (message.RequestID, error) {
	id := c.disp.ReserveRequestID(peer)
	return id, c.sendRegisterTopic(ctx, peer, ep, id, topic, nodeEnr, ticket)
}

// SendRegistrationConfirmation replies to requestID, echoed from an
// inbound RegisterTopic, accepting the registration immediately (spec.md
// §4.5 send_registration_confirmation, supplemented feature; the
// advertisement/ticket backlog itself is out of scope).
func (c *Client) SendRegistrationConfirmation(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, requestID message.RequestID, topic [topicHashSize]byte) error {
	msg := message.Message{Kind: message.TypeRegistrationConfirmation, RegistrationConfirmation: &message.RegistrationConfirmation{RequestID: requestID.Bytes(), Topic: topic}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendTicket replies to requestID, echoed from an inbound RegisterTopic,
// deferring the registration by waitTime (spec.md §4.5 send_ticket,
// supplemented feature; no ticket is actually tracked, since the
// advertisement backlog is out of scope).
func (c *Client) SendTicket(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, requestID message.RequestID, ticket []byte, waitTime uint64) error {
	msg := message.Message{Kind: message.TypeTicket, Ticket: &message.Ticket{RequestID: requestID.Bytes(), TicketVal: ticket, WaitTime: waitTime}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// sendTopicQuery sends a TOPICQUERY for a topic hash under the given,
// already-reserved request ID (spec.md §4.5 send_topic_query,
// supplemented feature).
func (c *Client) sendTopicQuery(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, id message.RequestID, topic [topicHashSize]byte) error {
	msg := message.Message{Kind: message.TypeTopicQuery, TopicQuery: &message.TopicQuery{RequestID: id.Bytes(), Topic: topic}}
	return c.disp.SendMessage(ctx, peer, ep, msg)
}

// SendTopicQuery reserves a fresh request ID, sends a TOPICQUERY for a
// topic hash under it, and returns the ID (spec.md §4.5
// send_topic_query, supplemented feature).
func (c *Client) SendTopicQuery(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, topic [topicHashSize]byte) (message.RequestID, error) {
	id := c.disp.ReserveRequestID(peer)
	return id, c.sendTopicQuery(ctx, peer, ep, id, topic)
}

// Ping sends a PING and waits for the matching PONG (spec.md §6
// correlated "ping" operation, layered on send_ping/subscribe_request).
func (c *Client) Ping(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint) (*message.Pong, error) {
	id := c.disp.ReserveRequestID(peer)
	sub := c.disp.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	if err := c.sendPing(ctx, peer, ep, id); err != nil {
		return nil, err
	}

	resp, err := await(ctx, sub)
	if err != nil {
		return nil, err
	}
	if resp.Kind != message.TypePong {
		return nil, &protoerr.ProtocolViolation{Reason: "expected Pong in response to Ping"}
	}
	return resp.Pong, nil
}

// FindNode sends FINDNODE for the given distances and reassembles the
// (possibly multi-datagram) FoundNodes response into a flat ENR list
// (spec.md §6 correlated "find_nodes" operation, layered on
// send_find_node/subscribe_request). total == 0 on the first fragment is
// a ProtocolViolation.
func (c *Client) FindNode(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, distances []uint64) ([]message.EnrRecord, error) {
	id := c.disp.ReserveRequestID(peer)
	sub := c.disp.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	if err := c.sendFindNode(ctx, peer, ep, id, distances); err != nil {
		return nil, err
	}
	return c.collectFoundNodes(ctx, sub)
}

// TopicQuery sends TOPICQUERY for a topic hash and reassembles the
// FoundNodes response the same way FindNode does (spec.md §6 correlated
// "topic_query" operation, layered on send_topic_query/subscribe_request;
// SPEC_FULL.md supplemented feature).
func (c *Client) TopicQuery(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, topic [topicHashSize]byte) ([]message.EnrRecord, error) {
	id := c.disp.ReserveRequestID(peer)
	sub := c.disp.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	if err := c.sendTopicQuery(ctx, peer, ep, id, topic); err != nil {
		return nil, err
	}
	return c.collectFoundNodes(ctx, sub)
}

// collectFoundNodes reads the head FoundNodes response plus exactly
// total-1 further fragments from the same subscription (spec.md §4.4:
// the caller "consumes exactly total - 1 additional messages from the
// same subscription"; the dispatcher itself delivers every matching
// message regardless of fragmentation).
func (c *Client) collectFoundNodes(ctx context.Context, sub *dispatch.Subscription) ([]message.EnrRecord, error) {
	var collected []message.EnrRecord
	var total uint64
	got := uint64(0)

	for {
		resp, err := await(ctx, sub)
		if err != nil {
			return nil, err
		}
		if resp.Kind != message.TypeFoundNodes {
			return nil, &protoerr.ProtocolViolation{Reason: "expected FoundNodes"}
		}
		fn := resp.FoundNodes
		if got == 0 {
			if fn.Total == 0 {
				return nil, &protoerr.ProtocolViolation{Reason: "FoundNodes.total is zero"}
			}
			total = fn.Total
		}
		collected = append(collected, fn.Enrs...)
		got++
		if got >= total {
			return collected, nil
		}
	}
}

// Talk sends a TALKREQ for protocol and waits for the matching TALKRESP
// (spec.md §6 correlated "talk" operation, layered on
// send_talk_request/subscribe_request; supplemented feature).
func (c *Client) Talk(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, protocol, request []byte) ([]byte, error) {
	id := c.disp.ReserveRequestID(peer)
	sub := c.disp.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	if err := c.sendTalkRequest(ctx, peer, ep, id, protocol, request); err != nil {
		return nil, err
	}
	resp, err := await(ctx, sub)
	if err != nil {
		return nil, err
	}
	if resp.Kind != message.TypeTalkResponse {
		return nil, &protoerr.ProtocolViolation{Reason: "expected TalkResponse in response to TalkRequest"}
	}
	return resp.TalkResponse.Response, nil
}

// RegisterTopic sends REGTOPIC and waits for either a TICKET or a
// REGCONFIRMATION (spec.md §6 correlated "register_topic" operation,
// layered on send_register_topic/subscribe_request; supplemented
// feature). The ticket/advertisement table itself is out of scope
// (non-goal); the caller drives re-registration with the returned
// wait_time.
func (c *Client) RegisterTopic(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, topic [topicHashSize]byte, nodeEnr []byte, ticket []byte) (*message.Message, error) {
	id := c.disp.ReserveRequestID(peer)
	sub := c.disp.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	if err := c.sendRegisterTopic(ctx, peer, ep, id, topic, nodeEnr, ticket); err != nil {
		return nil, err
	}
	resp, err := await(ctx, sub)
	if err != nil {
		return nil, err
	}
	switch resp.Kind {
	case message.TypeTicket, message.TypeRegistrationConfirmation:
		return resp, nil
	default:
		return nil, &protoerr.ProtocolViolation{Reason: "expected Ticket or RegistrationConfirmation in response to RegisterTopic"}
	}
}

// SendFoundNodes fragments enrs into one or more FoundNodes messages
// under foundNodesMaxPayloadSize bytes each and sends them all
// (spec.md §6 send_found_nodes). An empty enrs list still sends exactly
// one empty FoundNodes with total=1.
func (c *Client) SendFoundNodes(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, requestID message.RequestID, enrs []message.EnrRecord) error {
	fragments := fragmentEnrs(enrs)
	total := uint64(len(fragments))
	if total == 0 {
		total = 1
		fragments = [][]message.EnrRecord{nil}
	}
	for _, frag := range fragments {
		msg := message.Message{Kind: message.TypeFoundNodes, FoundNodes: &message.FoundNodes{
			RequestID: requestID.Bytes(),
			Total:     total,
			Enrs:      frag,
		}}
		if err := c.disp.SendMessage(ctx, peer, ep, msg); err != nil {
			return err
		}
	}
	return nil
}

// fragmentEnrs partitions enrs into groups whose summed byte length
// stays under foundNodesMaxPayloadSize, preserving order.
func fragmentEnrs(enrs []message.EnrRecord) [][]message.EnrRecord {
	if len(enrs) == 0 {
		return nil
	}
	var out [][]message.EnrRecord
	var cur []message.EnrRecord
	curSize := 0
	for _, e := range enrs {
		if curSize+len(e) > foundNodesMaxPayloadSize && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, e)
		curSize += len(e)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// installDefaultHandlers wires the Pool's and Dispatcher's unsolicited
// inbound message handling: PING auto-replies PONG; FINDNODE/TOPICQUERY
// reply with an empty FoundNodes since the kademlia routing/topic tables
// are out of scope (non-goal); TALKREQ dispatches to the user-supplied
// handler, if any; REGISTERTOPIC accepts immediately (no ticket backlog,
// since the advertisement queue itself is out of scope).
func (c *Client) installDefaultHandlers() {
	c.disp.AddRequestHandler(message.TypePing, func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message) {
		_ = c.SendPong(ctx, from, ep, message.RequestIDFromBytes(msg.Ping.RequestID), ep)
	})

	c.disp.AddRequestHandler(message.TypeFindNode, func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message) {
		_ = c.SendFoundNodes(ctx, from, ep, message.RequestIDFromBytes(msg.FindNode.RequestID), nil)
	})

	c.disp.AddRequestHandler(message.TypeTopicQuery, func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message) {
		_ = c.SendFoundNodes(ctx, from, ep, message.RequestIDFromBytes(msg.TopicQuery.RequestID), nil)
	})

	c.disp.AddRequestHandler(message.TypeTalkRequest, func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message) {
		c.talkMu.RLock()
		h := c.talkHandler
		c.talkMu.RUnlock()
		if h == nil {
			return
		}
		response := h(from, msg.TalkRequest.Protocol, msg.TalkRequest.Request)
		if response == nil {
			return
		}
		_ = c.SendTalkResponse(ctx, from, ep, message.RequestIDFromBytes(msg.TalkRequest.RequestID), response)
	})

	c.disp.AddRequestHandler(message.TypeRegisterTopic, func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message) {
		_ = c.SendRegistrationConfirmation(ctx, from, ep, message.RequestIDFromBytes(msg.RegisterTopic.RequestID), msg.RegisterTopic.Topic)
	})
}
