// Package session implements the session pool (spec.md §4.3): per-peer
// cryptographic state, handshake state machines, and the AEAD session
// crypto itself. The AEAD design — directional ChaCha20-Poly1305 ciphers,
// an AAD binding session ID + direction + nonce, big-endian nonce
// increment — is grounded directly on NLipatov-TunGo's
// handshake/ChaCha20/session.go, the only repo in the pack that
// implements a complete AEAD session object end to end.
package session

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodeid"
)

// State is a session's position in the handshake state machine
// (spec.md §3).
type State int

const (
	Initiating State = iota
	Responding
	Established
	Terminated
)

func (s State) String() string {
	switch s {
	case Initiating:
		return "initiating"
	case Responding:
		return "responding"
	case Established:
		return "established"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// pendingQueueSize bounds the per-peer buffer of outbound messages
// waiting for a session to establish (spec.md §4.3: "bounded by a small
// per-peer queue; oldest dropped on overflow").
const pendingQueueSize = 16

var (
	// ErrNotEstablished is returned by Encrypt when the session has not
	// completed its handshake.
	ErrNotEstablished = errors.New("session: not established")
	// ErrReplay is returned by Decrypt when the nonce has already been
	// seen on this session (spec.md §3 authentication-failure path).
	ErrReplay = errors.New("session: replayed nonce")
	// ErrNonceExhausted is returned when a directional nonce counter
	// would overflow.
	ErrNonceExhausted = errors.New("session: nonce space exhausted")
)

// Session is the per (local_node_id, remote_node_id) authenticated
// channel (spec.md §3). Encryption keys are installed exactly once, on
// the Initiating/Responding -> Established transition, and never mutated
// thereafter.
type Session struct {
	mu sync.Mutex

	peer        nodeid.ID
	endpoint    nodeid.Endpoint
	state       State
	isInitiator bool
	sessionID   [32]byte

	sendCipher cipherAEAD
	recvCipher cipherAEAD
	sendNonce  [12]byte
	recvNonce  [12]byte
	seenNonces *replayFilter

	pending    []pendingMessage
	lastActive time.Time
}

type pendingMessage struct {
	msg message.Message
	to  nodeid.Endpoint
}

// cipherAEAD is the narrow slice of cipher.AEAD Encrypt/Decrypt needs —
// declared locally so the field type doesn't leak golang.org/x/crypto's
// concrete type into callers.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// newPending creates a session in the Initiating or Responding state
// (no keys yet).
func newPending(peer nodeid.ID, ep nodeid.Endpoint, isInitiator bool) *Session {
	st := Initiating
	if !isInitiator {
		st = Responding
	}
	return &Session{peer: peer, endpoint: ep, state: st, isInitiator: isInitiator, lastActive: time.Now()}
}

// Establish installs the session's directional AEAD keys, transitioning
// Initiating/Responding -> Established. Keys are never mutated after
// this call.
func (s *Session) Establish(sendKey, recvKey []byte, sessionID [32]byte) error {
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return errors.New("session: cannot establish a terminated session")
	}
	s.sendCipher = sendAEAD
	s.recvCipher = recvAEAD
	s.sessionID = sessionID
	s.seenNonces = newReplayFilter()
	s.state = Established
	s.lastActive = time.Now()
	return nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleSince reports whether the session has seen no activity (handshake
// progress, encrypt, or decrypt) for at least ttl.
func (s *Session) IdleSince(ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive) >= ttl
}

// Endpoint returns the session's remembered endpoint.
func (s *Session) Endpoint() nodeid.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// UpdateEndpoint records a fresher endpoint for the peer (spec.md §4.3:
// "When a peer's endpoint changes mid-session the session is kept but
// its remembered endpoint is updated").
func (s *Session) UpdateEndpoint(ep nodeid.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
}

// Terminate transitions the session to Terminated.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Terminated
}

// Buffer appends an outbound message to the pending queue, dropping the
// oldest entry on overflow (spec.md §4.3).
func (s *Session) Buffer(msg message.Message, to nodeid.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= pendingQueueSize {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, pendingMessage{msg: msg, to: to})
}

// DrainPending removes and returns all buffered messages, in submission
// order, for flushing once the session reaches Established.
func (s *Session) DrainPending() []pendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// direction AAD tags, matching TunGo's CreateAAD pattern.
const (
	dirInitToResp = "initiator-to-responder"
	dirRespToInit = "responder-to-initiator"
)

func (s *Session) sendDirTag() string {
	if s.isInitiator {
		return dirInitToResp
	}
	return dirRespToInit
}

func (s *Session) recvDirTag() string {
	if s.isInitiator {
		return dirRespToInit
	}
	return dirInitToResp
}

func createAAD(sessionID [32]byte, dirTag string, nonce [12]byte) []byte {
	aad := make([]byte, 0, len(sessionID)+len(dirTag)+len(nonce))
	aad = append(aad, sessionID[:]...)
	aad = append(aad, dirTag...)
	aad = append(aad, nonce[:]...)
	return aad
}

// incrementNonce increments a 12-byte nonce as a big-endian counter,
// returning an error on overflow — TunGo's approach, preferred over a
// random nonce per message since directional counters give a cheap,
// exact replay/ordering signal.
func incrementNonce(n *[12]byte) error {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}
	return ErrNonceExhausted
}

// Encrypt seals plaintext under the session's send key, returning the
// nonce used and the ciphertext. Returns ErrNotEstablished if the
// handshake has not completed.
func (s *Session) Encrypt(plaintext []byte) (nonce [12]byte, ciphertext []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return nonce, nil, ErrNotEstablished
	}
	nonce = s.sendNonce
	aad := createAAD(s.sessionID, s.sendDirTag(), nonce)
	ciphertext = s.sendCipher.Seal(nil, nonce[:], plaintext, aad)
	if err := incrementNonce(&s.sendNonce); err != nil {
		return nonce, nil, err
	}
	s.lastActive = time.Now()
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext received under the given nonce. Replayed
// nonces are rejected before the AEAD call.
func (s *Session) Decrypt(nonce [12]byte, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return nil, ErrNotEstablished
	}
	if s.seenNonces.seen(nonce) {
		return nil, ErrReplay
	}
	aad := createAAD(s.sessionID, s.recvDirTag(), nonce)
	plaintext, err := s.recvCipher.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, err
	}
	s.seenNonces.mark(nonce)
	s.lastActive = time.Now()
	return plaintext, nil
}
