// Package enr implements the Ethereum Node Record contract the client core
// consumes as an external collaborator (spec.md §6): a signed, versioned,
// self-describing record binding a peer's identity to its reachable
// address. Encoding/signing internals are explicitly out of scope for the
// protocol core; this package supplies a minimal, concrete implementation
// of the contract so the rest of the module and its tests have something
// real to hold, adapted from the teacher's pkg/p2p/enr/enr.go.
package enr

import (
	"crypto"
	"errors"
	"io"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/rlp"
)

// SizeLimit is the maximum encoded size of a record, matching the v5.1
// wire limit.
const SizeLimit = 300

var (
	// ErrTooLarge is returned when an encoded record exceeds SizeLimit.
	ErrTooLarge = errors.New("enr: record exceeds size limit")
	// ErrUnsorted is returned when a decoded record's keys are not sorted.
	ErrUnsorted = errors.New("enr: keys not sorted or duplicated")
	// ErrNoSignature is returned when an operation needs a signature that
	// has not been produced yet.
	ErrNoSignature = errors.New("enr: record is unsigned")
	// ErrNoIdentity is returned when a record carries no "id_pubkey" pair,
	// so NodeID() cannot be derived.
	ErrNoIdentity = errors.New("enr: record has no identity pubkey")
)

// Pair is a single sorted key/value entry.
type Pair struct {
	Key   string
	Value []byte
}

// Record is a signed, versioned ENR. Fields are kept sorted by Key at all
// times, matching the wire requirement that pairs appear in sorted order.
type Record struct {
	Seq       uint64
	Pairs     []Pair
	Signature []byte
}

// New creates an empty, unsigned record at sequence number seq.
func New(seq uint64) *Record {
	return &Record{Seq: seq}
}

// Set inserts or replaces the value for k, keeping Pairs sorted.
func (r *Record) Set(k string, v []byte) {
	for i, p := range r.Pairs {
		if p.Key == k {
			r.Pairs[i].Value = v
			return
		}
	}
	r.Pairs = append(r.Pairs, Pair{Key: k, Value: v})
	sort.Slice(r.Pairs, func(i, j int) bool { return r.Pairs[i].Key < r.Pairs[j].Key })
}

// Get returns the value for k, matching spec.md §6's indexed access
// enr[k] -> bytes. The second return is false if k is absent.
func (r *Record) Get(k string) ([]byte, bool) {
	for _, p := range r.Pairs {
		if p.Key == k {
			return p.Value, true
		}
	}
	return nil, false
}

// SequenceNumber returns the record's monotonically increasing sequence
// number.
func (r *Record) SequenceNumber() uint64 { return r.Seq }

// NodeID derives the node ID from the "id_pubkey" pair, per the glossary
// definition (keccak-256 of the identity public key).
func (r *Record) NodeID() (nodeid.ID, error) {
	pub, ok := r.Get("id_pubkey")
	if !ok {
		return nodeid.ID{}, ErrNoIdentity
	}
	return nodeid.FromPubkeyBytes(pub), nil
}

// contentForSigning RLP-encodes [seq, k1, v1, k2, v2, ...] — the portion
// of the record that the signature covers.
func (r *Record) contentForSigning() ([]byte, error) {
	items := make([]any, 0, 1+2*len(r.Pairs))
	items = append(items, r.Seq)
	for _, p := range r.Pairs {
		items = append(items, p.Key, p.Value)
	}
	return rlp.EncodeToBytes(items)
}

// Sign signs the record's content with the given signer, deriving the
// signed digest via Keccak-256 (v4 identity scheme). Cryptographic
// primitive design (curve choice, signature scheme internals) is a
// declared non-goal; Sign accepts any crypto.Signer so the caller
// supplies the concrete key material.
func (r *Record) Sign(signer crypto.Signer, rand io.Reader) error {
	content, err := r.contentForSigning()
	if err != nil {
		return err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(content)
	digest := h.Sum(nil)

	sig, err := signer.Sign(rand, digest, crypto.Hash(0))
	if err != nil {
		return err
	}
	r.Signature = sig

	if err := r.checkSize(); err != nil {
		return err
	}
	return nil
}

// checkSize verifies the fully encoded record fits under SizeLimit.
func (r *Record) checkSize() error {
	b, err := r.EncodeToBytes()
	if err != nil {
		return err
	}
	if len(b) > SizeLimit {
		return ErrTooLarge
	}
	return nil
}

// EncodeToBytes serializes the full record: [signature, seq, k1, v1, ...].
func (r *Record) EncodeToBytes() ([]byte, error) {
	if len(r.Signature) == 0 {
		return nil, ErrNoSignature
	}
	items := make([]any, 0, 2+2*len(r.Pairs))
	items = append(items, r.Signature, r.Seq)
	for _, p := range r.Pairs {
		items = append(items, p.Key, p.Value)
	}
	return rlp.EncodeToBytes(items)
}

// Decode parses a wire-format record: [signature, seq, k1, v1, ...].
// Keys must be strictly sorted and unique, matching the v5.1 validation
// requirement; Decode does not verify the signature (verification needs
// the identity scheme's public-key recovery, left to the caller per the
// non-goal on cryptographic primitives).
func Decode(data []byte) (*Record, error) {
	if len(data) > SizeLimit {
		return nil, ErrTooLarge
	}
	s := rlp.NewStreamFromBytes(data)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	sig, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	seq, err := s.Uint64()
	if err != nil {
		return nil, err
	}
	r := &Record{Seq: seq, Signature: sig}
	lastKey := ""
	for s.MoreInList() {
		kb, err := s.Bytes()
		if err != nil {
			return nil, err
		}
		v, err := s.Bytes()
		if err != nil {
			return nil, err
		}
		key := string(kb)
		if key <= lastKey && len(r.Pairs) > 0 {
			return nil, ErrUnsorted
		}
		lastKey = key
		r.Pairs = append(r.Pairs, Pair{Key: key, Value: append([]byte(nil), v...)})
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return r, nil
}
