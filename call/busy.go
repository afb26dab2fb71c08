package call

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// BusyDetector decides whether a callee can receive a new call. A party is
// busy while it holds a non-ended session in the connecting or active phase;
// sessions untouched for longer than the staleness bound are treated as
// abandoned leftovers and ignored.
type BusyDetector struct {
	store     signaling.Store
	staleness time.Duration
	time      signaling.TimeProvider
}

// NewBusyDetector creates a detector over the given store.
func NewBusyDetector(store signaling.Store, staleness time.Duration) *BusyDetector {
	return &BusyDetector{
		store:     store,
		staleness: staleness,
		time:      signaling.DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the clock for testing.
func (d *BusyDetector) SetTimeProvider(tp signaling.TimeProvider) {
	d.time = tp
}

// Busy reports whether the party currently holds a live session.
func (d *BusyDetector) Busy(ctx context.Context, partyID string) (bool, error) {
	sessions, err := d.store.ListByParticipant(ctx, partyID)
	if err != nil {
		return false, fmt.Errorf("list sessions for %s: %w", partyID, err)
	}

	cutoff := d.time.Now().Add(-d.staleness)
	for _, s := range sessions {
		if !s.Live() {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			logrus.WithFields(logrus.Fields{
				"function":   "Busy",
				"session_id": s.ID,
				"updated_at": s.UpdatedAt,
			}).Debug("Ignoring stale live session")
			continue
		}
		return true, nil
	}
	return false, nil
}
