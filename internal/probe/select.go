package probe

import "github.com/Maelsh/dueli-opus-sub002/internal/quality"

// floor is the minimum measurement set a tier requires. A zero field means
// the tier does not gate on that measurement.
type floor struct {
	cpuScore   int
	renderFPS  int
	uploadKbps int
}

// floors is ranked with quality.Profiles: the first tier whose floor the
// results clear wins. Upload floors carry 25% headroom over the profile
// bitrate. The minimal tier gates on CPU alone so any working device can
// at least participate.
var floors = map[quality.Tier]floor{
	quality.TierExcellent: {cpuScore: 40, renderFPS: 30, uploadKbps: 3200},
	quality.TierGood:      {cpuScore: 30, renderFPS: 24, uploadKbps: 2300},
	quality.TierMedium:    {cpuScore: 20, renderFPS: 24, uploadKbps: 1300},
	quality.TierLow:       {cpuScore: 10, renderFPS: 15, uploadKbps: 750},
	quality.TierMinimal:   {cpuScore: 1},
}

// SelectTier walks the ladder from excellent down and returns the first
// tier the measurements clear. Results below every floor still return
// minimal: participation beats refusal.
func (r Results) SelectTier() quality.Tier {
	for _, p := range quality.Profiles() {
		tier, err := quality.ByName(p.Name)
		if err != nil {
			continue
		}
		f := floors[tier]
		if r.CPUScore >= f.cpuScore && r.RenderFPS >= f.renderFPS && r.UploadKbps >= f.uploadKbps {
			return tier
		}
	}
	return quality.TierMinimal
}
