// Package quality defines the static catalog of encoding profiles used by the
// recording side and the monotonic tier selector driven by pipeline pressure.
package quality

import "fmt"

// Tier identifies a profile by rank. Lower values are higher quality.
type Tier int

const (
	TierExcellent Tier = iota
	TierGood
	TierMedium
	TierLow
	TierMinimal
)

// String returns the profile name for the tier.
func (t Tier) String() string {
	if t < TierExcellent || t > TierMinimal {
		return "unknown"
	}
	return profiles[t].Name
}

// Profile is an immutable encoding profile.
type Profile struct {
	Name          string
	Width         int
	Height        int
	FPS           int
	SegmentMillis int
	Bitrate       int // bits per second
}

// profiles is ranked from excellent down to minimal.
var profiles = [...]Profile{
	TierExcellent: {Name: "excellent", Width: 1280, Height: 720, FPS: 30, SegmentMillis: 3000, Bitrate: 2_500_000},
	TierGood:      {Name: "good", Width: 1280, Height: 720, FPS: 24, SegmentMillis: 3000, Bitrate: 1_800_000},
	TierMedium:    {Name: "medium", Width: 854, Height: 480, FPS: 24, SegmentMillis: 4000, Bitrate: 1_000_000},
	TierLow:       {Name: "low", Width: 640, Height: 360, FPS: 15, SegmentMillis: 5000, Bitrate: 600_000},
	TierMinimal:   {Name: "minimal", Width: 426, Height: 240, FPS: 10, SegmentMillis: 6000, Bitrate: 300_000},
}

// Profiles returns all profiles ranked from excellent down to minimal.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles[:])
	return out
}

// Get returns the profile for a tier.
func Get(t Tier) (Profile, error) {
	if t < TierExcellent || t > TierMinimal {
		return Profile{}, fmt.Errorf("unknown quality tier %d", t)
	}
	return profiles[t], nil
}

// ByName returns the tier for a profile name.
func ByName(name string) (Tier, error) {
	for i, p := range profiles {
		if p.Name == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quality profile %q", name)
}
