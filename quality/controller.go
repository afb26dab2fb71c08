package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jjwprotozoa/kidscallhome-sub003/media"
	"github.com/jjwprotozoa/kidscallhome-sub003/signaling"
)

// Config defines controller thresholds.
//
// Defaults are conservative: they favor a stable call over squeezing out the
// last tier, and they assume the worst when a sensor has not reported yet.
type Config struct {
	// Battery thresholds (0..1), effective only while not charging.
	CriticalBattery float64 // below this, force audio-only (default: 0.10)
	LowBattery      float64 // below this, block upgrades and step down once (default: 0.20)

	// Bandwidth floors per tier, bps.
	ExcellentBandwidth uint64 // default: 2500000
	GoodBandwidth      uint64 // default: 1200000
	ModerateBandwidth  uint64 // default: 600000
	PoorBandwidth      uint64 // default: 250000

	// Loss ceilings per tier, fraction of packets.
	ExcellentLoss float64 // default: 0.01
	GoodLoss      float64 // default: 0.03
	ModerateLoss  float64 // default: 0.05
	PoorLoss      float64 // default: 0.10

	// RTT ceilings per tier.
	ExcellentRTT time.Duration // default: 100ms
	GoodRTT      time.Duration // default: 250ms
	ModerateRTT  time.Duration // default: 400ms

	// Cooldown debounces tier changes to prevent oscillation.
	Cooldown time.Duration // default: 10s
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		CriticalBattery: 0.10,
		LowBattery:      0.20,

		ExcellentBandwidth: 2500000,
		GoodBandwidth:      1200000,
		ModerateBandwidth:  600000,
		PoorBandwidth:      250000,

		ExcellentLoss: 0.01,
		GoodLoss:      0.03,
		ModerateLoss:  0.05,
		PoorLoss:      0.10,

		ExcellentRTT: 100 * time.Millisecond,
		GoodRTT:      250 * time.Millisecond,
		ModerateRTT:  400 * time.Millisecond,

		Cooldown: 10 * time.Second,
	}
}

// Controller consumes sensor samples and keeps the active profile applied to
// the local capture tracks.
//
// Tier selection is the minimum of the network assessment and the battery
// ceiling. A tier change other than a forced drop to audio-only is debounced
// by the cooldown. The controller tracks which tracks it disabled itself so
// an upgrade only restores those; a user-disabled track is never touched.
type Controller struct {
	config *Config

	mu            sync.Mutex
	time          signaling.TimeProvider
	handle        media.Handle
	intent        UserIntent
	current       Tier
	lastChange    time.Time
	haveNetwork   bool
	haveBattery   bool
	network       NetworkSample
	battery       BatterySample
	batteryStep   bool // the one low-battery downgrade step was taken
	videoDisabled bool // disabled by this controller, not the user
	onChange      func(Profile)
}

// NewController creates a controller starting at the good tier. Samples move
// it up or down from there.
func NewController(config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Controller{
		config:  config,
		time:    signaling.DefaultTimeProvider{},
		current: TierGood,
	}
}

// SetTimeProvider replaces the clock for testing.
func (c *Controller) SetTimeProvider(tp signaling.TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = tp
}

// OnProfileChange registers the callback invoked after every applied tier
// change.
func (c *Controller) OnProfileChange(fn func(Profile)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Attach binds the controller to a call's local media and resets per-call
// state.
func (c *Controller) Attach(handle media.Handle, intent UserIntent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = handle
	c.intent = intent
	c.current = TierGood
	c.lastChange = time.Time{}
	c.haveNetwork = false
	c.haveBattery = false
	c.batteryStep = false
	c.videoDisabled = false
}

// Detach drops the media binding at call teardown.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = nil
	c.videoDisabled = false
}

// SetUserIntent records the user's explicit media choices. The controller
// only ever reads these.
func (c *Controller) SetUserIntent(intent UserIntent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intent = intent
	if intent.DisableVideo {
		// The user owns the off state now; forget any pending restore.
		c.videoDisabled = false
	}
}

// SubmitNetworkSample feeds one network measurement.
func (c *Controller) SubmitNetworkSample(sample NetworkSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network = sample
	c.haveNetwork = true
	c.evaluateLocked()
}

// SubmitBatterySample feeds one battery measurement.
func (c *Controller) SubmitBatterySample(sample BatterySample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery = sample
	c.haveBattery = true
	c.evaluateLocked()
}

// Current returns the active profile.
func (c *Controller) Current() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ProfileFor(c.current)
}

// evaluateLocked recomputes the target tier and applies it. Caller holds mu.
func (c *Controller) evaluateLocked() {
	target := c.networkTierLocked()

	forced := false
	batteryStepping := false
	charging := c.haveBattery && c.battery.Charging
	if charging {
		c.batteryStep = false
	} else {
		level := c.battery.Level
		if !c.haveBattery {
			// No battery report yet: assume low, but not critical.
			level = c.config.LowBattery
		}
		switch {
		case level < c.config.CriticalBattery:
			target = TierAudioOnly
			forced = true
		case level <= c.config.LowBattery:
			// Block upgrades, and take one downgrade step the first time
			// the battery goes low.
			if target > c.current {
				target = c.current
			}
			if !c.batteryStep && target > TierAudioOnly && target == c.current {
				target--
				batteryStepping = true
			}
		default:
			c.batteryStep = false
		}
	}

	if target == c.current {
		return
	}

	now := c.time.Now()
	if !forced && !c.lastChange.IsZero() && now.Sub(c.lastChange) < c.config.Cooldown {
		return
	}

	old := c.current
	c.current = target
	c.lastChange = now
	if batteryStepping {
		c.batteryStep = true
	}
	c.applyLocked()

	logrus.WithFields(logrus.Fields{
		"function": "evaluateLocked",
		"from":     old.String(),
		"to":       target.String(),
		"forced":   forced,
	}).Info("Quality tier changed")

	if c.onChange != nil {
		go c.onChange(ProfileFor(target))
	}
}

// networkTierLocked assesses the last network sample. Each measure caps the
// tier independently and the worst one wins. Caller holds mu.
func (c *Controller) networkTierLocked() Tier {
	if !c.haveNetwork {
		return TierPoor
	}

	tier := TierExcellent

	s := c.network
	switch {
	case s.EstimatedBandwidth >= c.config.ExcellentBandwidth:
	case s.EstimatedBandwidth >= c.config.GoodBandwidth:
		tier = minTier(tier, TierGood)
	case s.EstimatedBandwidth >= c.config.ModerateBandwidth:
		tier = minTier(tier, TierModerate)
	case s.EstimatedBandwidth >= c.config.PoorBandwidth:
		tier = minTier(tier, TierPoor)
	default:
		return TierAudioOnly
	}

	switch {
	case s.PacketLoss <= c.config.ExcellentLoss:
	case s.PacketLoss <= c.config.GoodLoss:
		tier = minTier(tier, TierGood)
	case s.PacketLoss <= c.config.ModerateLoss:
		tier = minTier(tier, TierModerate)
	case s.PacketLoss <= c.config.PoorLoss:
		tier = minTier(tier, TierPoor)
	default:
		return TierAudioOnly
	}

	switch {
	case s.RoundTripTime <= c.config.ExcellentRTT:
	case s.RoundTripTime <= c.config.GoodRTT:
		tier = minTier(tier, TierGood)
	case s.RoundTripTime <= c.config.ModerateRTT:
		tier = minTier(tier, TierModerate)
	default:
		tier = minTier(tier, TierPoor)
	}

	return tier
}

// applyLocked pushes the current profile onto the attached tracks, honoring
// user intent. Caller holds mu.
func (c *Controller) applyLocked() {
	if c.handle == nil {
		return
	}
	profile := ProfileFor(c.current)

	if video := videoTrack(c.handle); video != nil {
		switch {
		case c.intent.DisableVideo:
			// User owns the off state.
		case !profile.VideoEnabled:
			if video.Enabled() {
				video.SetEnabled(false)
				c.videoDisabled = true
			}
		case c.videoDisabled:
			video.SetEnabled(true)
			c.videoDisabled = false
		}
	}

	if audio := audioTrack(c.handle); audio != nil && !c.intent.MuteAudio {
		// Audio stays on at every tier.
		if !audio.Enabled() {
			audio.SetEnabled(true)
		}
	}
}

func minTier(a, b Tier) Tier {
	if a < b {
		return a
	}
	return b
}

func videoTrack(h media.Handle) media.Track {
	for _, t := range h.Tracks() {
		if t.Kind() == "video" {
			return t
		}
	}
	return nil
}

func audioTrack(h media.Handle) media.Track {
	for _, t := range h.Tracks() {
		if t.Kind() == "audio" {
			return t
		}
	}
	return nil
}
