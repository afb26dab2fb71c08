// Package ice manages the exchange of network-reachability candidates
// between the two sides of a call.
//
// Each side appends candidates only to its own list on the shared session
// record and consumes only the other side's list. The buffer keeps a
// last-applied index so reprocessing the whole list on every change
// notification applies each candidate exactly once, and it holds candidates
// that arrive before the remote description back until the transport is
// ready for them.
package ice

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// Applier applies one remote candidate to the local transport. The terminal
// end-of-gathering marker is delivered as the zero candidate.
type Applier func(signaling.Candidate) error

// ExchangeBuffer accumulates locally gathered candidates for publication and
// drains remotely published candidates into the transport.
//
// All methods are safe for concurrent use; the transport's gathering
// callback, the store notification path and the orchestrator all touch it.
// Remote application is serialized: when the watcher and the orchestrator
// ingest at the same time, the second caller queues behind the first, so
// candidates reach the transport in list order.
type ExchangeBuffer struct {
	// applyMu serializes Ready and Ingest end to end; mu alone only guards
	// the fields and is never held across an applier call.
	applyMu sync.Mutex
	mu      sync.Mutex

	// Local side: gathered, deduplicated, awaiting publication.
	localSeen     map[string]struct{}
	localPending  []signaling.Candidate
	localComplete bool

	// Remote side.
	applier     Applier
	ready       bool
	applied     int
	heldRemote  []signaling.Candidate
	endConsumed bool
}

// NewExchangeBuffer creates a buffer that feeds remote candidates into the
// given applier once Ready is signaled.
func NewExchangeBuffer(applier Applier) *ExchangeBuffer {
	return &ExchangeBuffer{
		localSeen: make(map[string]struct{}),
		applier:   applier,
	}
}

// AddLocal records a locally gathered candidate for publication. Duplicates
// are dropped. Returns whether the candidate was newly added.
func (b *ExchangeBuffer) AddLocal(c signaling.Candidate) bool {
	if c.Terminal() {
		return b.CompleteLocal()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.localComplete {
		// Gathering already finished; a trailing duplicate from the
		// transport is dropped.
		return false
	}
	if _, seen := b.localSeen[c.Payload]; seen {
		return false
	}
	b.localSeen[c.Payload] = struct{}{}
	b.localPending = append(b.localPending, c)
	return true
}

// CompleteLocal appends the end-of-gathering marker exactly once.
func (b *ExchangeBuffer) CompleteLocal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.localComplete {
		return false
	}
	b.localComplete = true
	b.localPending = append(b.localPending, signaling.Candidate{})
	return true
}

// DrainLocal returns candidates queued since the last drain, in gathering
// order, for appending to the session record.
func (b *ExchangeBuffer) DrainLocal() []signaling.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.localPending
	b.localPending = nil
	return out
}

// Ready marks the remote description as applied and flushes any candidates
// held back before it.
func (b *ExchangeBuffer) Ready() error {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return nil
	}
	b.ready = true
	held := b.heldRemote
	b.heldRemote = nil
	b.mu.Unlock()

	if len(held) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Ready",
			"held":     len(held),
		}).Debug("Flushing candidates buffered ahead of remote description")
	}
	return b.applyAll(held)
}

// Ingest consumes the other side's full candidate list as read from the
// session record. Candidates before the last-applied index are skipped, new
// ones are applied in list order, and anything arriving before Ready is
// buffered rather than dropped.
func (b *ExchangeBuffer) Ingest(remote []signaling.Candidate) error {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	if len(remote) <= b.applied {
		b.mu.Unlock()
		return nil
	}
	fresh := append([]signaling.Candidate(nil), remote[b.applied:]...)
	b.applied = len(remote)

	if !b.ready {
		b.heldRemote = append(b.heldRemote, fresh...)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	return b.applyAll(fresh)
}

func (b *ExchangeBuffer) applyAll(candidates []signaling.Candidate) error {
	for _, c := range candidates {
		if c.Terminal() {
			b.mu.Lock()
			consumed := b.endConsumed
			b.endConsumed = true
			b.mu.Unlock()
			if consumed {
				// The marker may be replayed by a poll snapshot after
				// negotiation finished; it is applied exactly once.
				continue
			}
		}
		if err := b.applier(c); err != nil {
			return fmt.Errorf("apply remote candidate: %w", err)
		}
	}
	return nil
}

// RemoteDone reports whether the other side's end-of-gathering marker has
// been consumed.
func (b *ExchangeBuffer) RemoteDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endConsumed
}

// LocalDone reports whether local gathering has completed.
func (b *ExchangeBuffer) LocalDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localComplete
}
