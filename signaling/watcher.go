package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the bounded-interval fallback poll used when push
// delivery misses or drops an event.
const DefaultPollInterval = 2 * time.Second

// Watcher merges a store's push subscription with the ListChanged polling
// fallback into a single deduplicated stream.
//
// The two sources are treated as equivalent: the same logical change may
// arrive over both, and over the poll path it arrives as a whole-record
// snapshot rather than a discrete event. Deduplication therefore compares the
// field values actually present on the record against what was already
// delivered, never event identity.
type Watcher struct {
	store        Store
	filter       Filter
	pollInterval time.Duration

	mu   sync.Mutex
	seen map[string]sessionMark

	out    chan Event
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// sessionMark captures the delivered progress of one session, for value-level
// dedupe. Candidate lists are append-only so their lengths are sufficient.
type sessionMark struct {
	phase              Phase
	hasOffer           bool
	hasAnswer          bool
	initiatorCandCount int
	responderCandCount int
	ended              bool
}

func markOf(s *CallSession) sessionMark {
	return sessionMark{
		phase:              s.Phase,
		hasOffer:           s.Offer != "",
		hasAnswer:          s.Answer != "",
		initiatorCandCount: len(s.InitiatorCandidates),
		responderCandCount: len(s.ResponderCandidates),
		ended:              s.Ended(),
	}
}

// advances reports whether next carries anything beyond prev.
func (prev sessionMark) advances(next sessionMark) bool {
	if prev.phase.Before(next.phase) {
		return true
	}
	if !prev.hasOffer && next.hasOffer {
		return true
	}
	if !prev.hasAnswer && next.hasAnswer {
		return true
	}
	if next.initiatorCandCount > prev.initiatorCandCount {
		return true
	}
	if next.responderCandCount > prev.responderCandCount {
		return true
	}
	if !prev.ended && next.ended {
		return true
	}
	return false
}

// NewWatcher creates a watcher for sessions matching the filter.
// pollInterval <= 0 selects DefaultPollInterval.
func NewWatcher(store Store, filter Filter, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		store:        store,
		filter:       filter,
		pollInterval: pollInterval,
		seen:         make(map[string]sessionMark),
		out:          make(chan Event, subscriberBuffer),
	}
}

// Start begins delivering events. The returned channel is closed when the
// watcher stops. Start may be called once.
func (w *Watcher) Start(ctx context.Context) (<-chan Event, error) {
	pushCh, cancelSub, err := w.store.Subscribe(ctx, w.filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.pushLoop(ctx, pushCh, cancelSub)
	go w.pollLoop(ctx)

	go func() {
		w.wg.Wait()
		close(w.out)
	}()

	return w.out, nil
}

// Stop halts both delivery paths. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
}

func (w *Watcher) pushLoop(ctx context.Context, pushCh <-chan Event, cancelSub func()) {
	defer w.wg.Done()
	defer cancelSub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pushCh:
			if !ok {
				return
			}
			w.deliver(ctx, ev.Session, SourcePush)
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Overlap the window by one interval so a change committed just before
	// the previous poll is never skipped; dedupe absorbs the overlap.
	since := time.Now().Add(-w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.pollInterval)
			changed, err := w.store.ListChanged(ctx, since)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "pollLoop",
					"error":    err.Error(),
				}).Warn("Poll fallback query failed")
				continue
			}
			since = cutoff
			for _, s := range changed {
				if !w.filter.Matches(s) {
					continue
				}
				w.deliver(ctx, s, SourcePoll)
			}
		}
	}
}

// deliver emits the session if it advances past what was already seen.
func (w *Watcher) deliver(ctx context.Context, s *CallSession, src EventSource) {
	if s == nil {
		return
	}

	next := markOf(s)

	w.mu.Lock()
	prev, known := w.seen[s.ID]
	if known && !prev.advances(next) {
		w.mu.Unlock()
		return
	}
	w.seen[s.ID] = next
	w.mu.Unlock()

	select {
	case w.out <- Event{Session: s, Source: src}:
	case <-ctx.Done():
	}
}
