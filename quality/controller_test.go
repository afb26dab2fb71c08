package quality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
)

// stubClock is a manually advanced TimeProvider.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHandle() *media.CaptureHandle {
	tracks := []media.Track{
		media.NewSimpleTrack("audio", nil),
		media.NewSimpleTrack("video", nil),
	}
	return media.NewCaptureHandle(media.Constraints{Audio: true, Video: true}, tracks, nil)
}

func goodNetwork() NetworkSample {
	return NetworkSample{
		EstimatedBandwidth: 1500000,
		PacketLoss:         0.005,
		RoundTripTime:      50 * time.Millisecond,
	}
}

func excellentNetwork() NetworkSample {
	return NetworkSample{
		EstimatedBandwidth: 3000000,
		PacketLoss:         0.001,
		RoundTripTime:      40 * time.Millisecond,
	}
}

// setup builds a controller attached to a fresh handle and drives it to a
// steady good tier with a healthy discharging battery.
func setup(t *testing.T) (*Controller, *stubClock, *media.CaptureHandle) {
	t.Helper()

	clock := newStubClock()
	handle := newTestHandle()
	c := NewController(nil)
	c.SetTimeProvider(clock)
	c.Attach(handle, UserIntent{})

	c.SubmitBatterySample(BatterySample{Level: 0.9, Charging: false})
	clock.Advance(11 * time.Second)
	c.SubmitNetworkSample(goodNetwork())
	clock.Advance(11 * time.Second)
	require.Equal(t, TierGood, c.Current().Tier)
	return c, clock, handle
}

// TestNetworkTierMapping verifies each measure caps the tier independently.
func TestNetworkTierMapping(t *testing.T) {
	tests := []struct {
		name   string
		sample NetworkSample
		want   Tier
	}{
		{"all excellent", excellentNetwork(), TierExcellent},
		{"bandwidth limits", NetworkSample{EstimatedBandwidth: 700000, PacketLoss: 0.001, RoundTripTime: 40 * time.Millisecond}, TierModerate},
		{"loss limits", NetworkSample{EstimatedBandwidth: 3000000, PacketLoss: 0.08, RoundTripTime: 40 * time.Millisecond}, TierPoor},
		{"rtt limits", NetworkSample{EstimatedBandwidth: 3000000, PacketLoss: 0.001, RoundTripTime: 200 * time.Millisecond}, TierGood},
		{"severe loss drops video", NetworkSample{EstimatedBandwidth: 3000000, PacketLoss: 0.20, RoundTripTime: 40 * time.Millisecond}, TierAudioOnly},
		{"starved bandwidth drops video", NetworkSample{EstimatedBandwidth: 100000, PacketLoss: 0.001, RoundTripTime: 40 * time.Millisecond}, TierAudioOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock, _ := setup(t)
			clock.Advance(11 * time.Second)
			c.SubmitNetworkSample(tt.sample)
			assert.Equal(t, tt.want, c.Current().Tier)
		})
	}
}

// TestCriticalBatteryForcesAudioOnly verifies rule: critical level while
// discharging drops to audio-only immediately, regardless of the network.
func TestCriticalBatteryForcesAudioOnly(t *testing.T) {
	c, clock, handle := setup(t)

	// No cooldown advance: the forced drop must bypass the debounce.
	c.SubmitBatterySample(BatterySample{Level: 0.05, Charging: false})
	assert.Equal(t, TierAudioOnly, c.Current().Tier)
	assert.False(t, handle.VideoTrack().Enabled(), "video disabled at audio-only")
	assert.True(t, handle.AudioTrack().Enabled(), "audio survives audio-only")

	// Plugging in clears battery restrictions; video the controller
	// disabled comes back.
	clock.Advance(11 * time.Second)
	c.SubmitBatterySample(BatterySample{Level: 0.05, Charging: true})
	assert.Equal(t, TierGood, c.Current().Tier)
	assert.True(t, handle.VideoTrack().Enabled(), "controller restores what it disabled")
}

// TestLowBatteryBlocksUpgradesAndStepsOnce verifies rule: low level while
// discharging takes exactly one downgrade step and then holds.
func TestLowBatteryBlocksUpgradesAndStepsOnce(t *testing.T) {
	c, clock, _ := setup(t)

	c.SubmitBatterySample(BatterySample{Level: 0.15, Charging: false})
	assert.Equal(t, TierModerate, c.Current().Tier, "one step down from good")

	// An excellent network no longer upgrades, and the step is not repeated.
	clock.Advance(11 * time.Second)
	c.SubmitNetworkSample(excellentNetwork())
	assert.Equal(t, TierModerate, c.Current().Tier)
	clock.Advance(11 * time.Second)
	c.SubmitBatterySample(BatterySample{Level: 0.14, Charging: false})
	assert.Equal(t, TierModerate, c.Current().Tier, "downgrade step taken only once")

	// Charging lifts the ceiling.
	clock.Advance(11 * time.Second)
	c.SubmitBatterySample(BatterySample{Level: 0.14, Charging: true})
	assert.Equal(t, TierExcellent, c.Current().Tier)
}

// TestUserDisabledVideoNeverReEnabled verifies the controller only restores
// tracks it disabled itself.
func TestUserDisabledVideoNeverReEnabled(t *testing.T) {
	c, clock, handle := setup(t)

	// The user turns the camera off; the engine flips the track and tells
	// the controller.
	handle.VideoTrack().SetEnabled(false)
	c.SetUserIntent(UserIntent{DisableVideo: true})

	c.SubmitBatterySample(BatterySample{Level: 0.05, Charging: false})
	require.Equal(t, TierAudioOnly, c.Current().Tier)

	clock.Advance(11 * time.Second)
	c.SubmitBatterySample(BatterySample{Level: 0.9, Charging: true})
	require.Equal(t, TierGood, c.Current().Tier)
	assert.False(t, handle.VideoTrack().Enabled(),
		"upgrade must not re-enable a user-disabled track")
}

// TestCooldownDebouncesChanges verifies tier changes inside the cooldown
// window are suppressed.
func TestCooldownDebouncesChanges(t *testing.T) {
	c, clock, _ := setup(t)

	poor := NetworkSample{
		EstimatedBandwidth: 300000,
		PacketLoss:         0.001,
		RoundTripTime:      50 * time.Millisecond,
	}

	c.SubmitNetworkSample(poor)
	require.Equal(t, TierPoor, c.Current().Tier)

	// Recovery arriving right after the downgrade is inside the cooldown.
	c.SubmitNetworkSample(goodNetwork())
	assert.Equal(t, TierPoor, c.Current().Tier, "change inside cooldown suppressed")

	clock.Advance(11 * time.Second)
	c.SubmitNetworkSample(goodNetwork())
	assert.Equal(t, TierGood, c.Current().Tier)
}

// TestMissingSamplesAssumeConservative verifies absent sensor data degrades
// the assumption instead of erroring.
func TestMissingSamplesAssumeConservative(t *testing.T) {
	// No network data: lowest video tier even on a full charging battery.
	c := NewController(nil)
	c.SetTimeProvider(newStubClock())
	c.Attach(newTestHandle(), UserIntent{})
	c.SubmitBatterySample(BatterySample{Level: 1.0, Charging: true})
	assert.Equal(t, TierPoor, c.Current().Tier)

	// No battery data: treated as low battery, so an excellent network
	// still steps down from the starting tier.
	c2 := NewController(nil)
	c2.SetTimeProvider(newStubClock())
	c2.Attach(newTestHandle(), UserIntent{})
	c2.SubmitNetworkSample(excellentNetwork())
	assert.Equal(t, TierModerate, c2.Current().Tier)
}

// TestOnProfileChangeCallback verifies the change callback fires with the
// applied profile.
func TestOnProfileChangeCallback(t *testing.T) {
	clock := newStubClock()
	c := NewController(nil)
	c.SetTimeProvider(clock)
	c.Attach(newTestHandle(), UserIntent{})

	changes := make(chan Profile, 4)
	c.OnProfileChange(func(p Profile) { changes <- p })

	c.SubmitBatterySample(BatterySample{Level: 0.05, Charging: false})

	select {
	case p := <-changes:
		assert.Equal(t, TierAudioOnly, p.Tier)
		assert.False(t, p.VideoEnabled)
	case <-time.After(time.Second):
		t.Fatal("profile change callback not invoked")
	}
}
