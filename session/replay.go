package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"
)

// replayNonceCapacity is the number of distinct nonces the per-session
// replay filter is sized for at replayFalsePositive — generous relative
// to REQUEST_RESPONSE_TIMEOUT-scale traffic on a single peer. The filter
// is never rebuilt, so past this count its false-positive rate rises.
const (
	replayNonceCapacity = 4096
	replayFalsePositive = 0.001
)

// replayFilter is a bounded-memory, approximate seen-nonce set. A bloom
// filter trades a small false-positive rate (occasionally rejecting a
// fresh nonce as "replayed") for O(1) memory independent of session
// lifetime — acceptable here since a false rejection just drops one
// datagram; nothing retransmits it, and the requester sees a
// RequestTimeout.
type replayFilter struct {
	mu     sync.Mutex
	filter *bloomfilter.Filter
}

func newReplayFilter() *replayFilter {
	f, err := bloomfilter.NewOptimal(replayNonceCapacity, replayFalsePositive)
	if err != nil {
		// NewOptimal only fails for a zero/negative capacity or rate; both
		// constants above are fixed positive values.
		panic(err)
	}
	return &replayFilter{filter: f}
}

// nonceHash folds a 12-byte nonce into the single uint64 the filter's
// Hash-free AddHash/ContainsHash entry points take, rather than
// implementing hash.Hash64 for a two-word key.
func nonceHash(nonce [12]byte) uint64 {
	return xxhash.Sum64(nonce[:])
}

func (r *replayFilter) seen(nonce [12]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter.ContainsHash(nonceHash(nonce))
}

func (r *replayFilter) mark(nonce [12]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter.AddHash(nonceHash(nonce))
}
