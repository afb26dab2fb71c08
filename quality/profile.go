// Package quality implements the adaptive quality controller for active
// calls.
//
// The controller maps periodic network and battery samples onto a ladder of
// media profiles and applies the result to the local capture tracks. It
// reacts quickly to degradation and recovers conservatively, and it never
// overrides an explicit user media choice: a track the user turned off stays
// off no matter what the samples say.
package quality

import "time"

// Tier is one rung of the profile ladder, ordered worst to best.
type Tier int

const (
	// TierAudioOnly drops video entirely and keeps a minimal voice channel.
	TierAudioOnly Tier = iota
	// TierPoor is the lowest tier that still carries video.
	TierPoor
	// TierModerate is reduced-resolution video for constrained links.
	TierModerate
	// TierGood is the standard tier for typical home connections.
	TierGood
	// TierExcellent is full quality.
	TierExcellent
)

// String returns the human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierAudioOnly:
		return "audio-only"
	case TierPoor:
		return "poor"
	case TierModerate:
		return "moderate"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// Profile is the concrete media configuration for one tier.
type Profile struct {
	Tier         Tier
	Width        int
	Height       int
	Framerate    int
	AudioBitrate uint32 // bps
	VideoBitrate uint32 // bps
	VideoEnabled bool
	AudioEnabled bool
}

// profiles is the ladder, indexed by Tier.
var profiles = map[Tier]Profile{
	TierExcellent: {
		Tier: TierExcellent, Width: 1280, Height: 720, Framerate: 30,
		AudioBitrate: 64000, VideoBitrate: 1500000,
		VideoEnabled: true, AudioEnabled: true,
	},
	TierGood: {
		Tier: TierGood, Width: 960, Height: 540, Framerate: 30,
		AudioBitrate: 48000, VideoBitrate: 800000,
		VideoEnabled: true, AudioEnabled: true,
	},
	TierModerate: {
		Tier: TierModerate, Width: 640, Height: 480, Framerate: 24,
		AudioBitrate: 32000, VideoBitrate: 500000,
		VideoEnabled: true, AudioEnabled: true,
	},
	TierPoor: {
		Tier: TierPoor, Width: 320, Height: 240, Framerate: 15,
		AudioBitrate: 24000, VideoBitrate: 250000,
		VideoEnabled: true, AudioEnabled: true,
	},
	TierAudioOnly: {
		Tier: TierAudioOnly, Width: 0, Height: 0, Framerate: 0,
		AudioBitrate: 16000, VideoBitrate: 0,
		VideoEnabled: false, AudioEnabled: true,
	},
}

// ProfileFor returns the ladder profile for a tier.
func ProfileFor(tier Tier) Profile {
	if p, ok := profiles[tier]; ok {
		return p
	}
	return profiles[TierPoor]
}

// NetworkSample is one periodic network measurement pushed by the transport
// layer.
type NetworkSample struct {
	EstimatedBandwidth uint64 // bps
	PacketLoss         float64
	RoundTripTime      time.Duration
}

// BatterySample is one periodic battery measurement pushed by the platform
// layer.
type BatterySample struct {
	Level    float64 // 0..1
	Charging bool
}

// UserIntent is the user's explicit media choices. The controller reads it
// to decide what it may touch; it never writes it.
type UserIntent struct {
	MuteAudio    bool
	DisableVideo bool
}
