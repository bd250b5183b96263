package quality

import (
	"sync"

	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

// Selector holds the session's current tier. The tier is chosen once by the
// device probe and only ever moves down afterwards: upgrades mid-session cause
// visible quality oscillation, so the direction is monotonic.
type Selector struct {
	mu         sync.Mutex
	current    Tier
	downgrades int
}

// NewSelector creates a selector starting at the given tier.
func NewSelector(start Tier) *Selector {
	if start < TierExcellent {
		start = TierExcellent
	}
	if start > TierMinimal {
		start = TierMinimal
	}
	return &Selector{current: start}
}

// Current returns the active tier.
func (s *Selector) Current() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Profile returns the active profile.
func (s *Selector) Profile() Profile {
	p, _ := Get(s.Current())
	return p
}

// Downgrade steps one tier toward minimal and reports whether the tier
// actually changed. It clamps at minimal.
func (s *Selector) Downgrade(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current >= TierMinimal {
		return false
	}
	s.current++
	s.downgrades++
	metrics.QualityDowngrades.Inc()
	pkglog.L().Warn().
		Str(pkglog.FieldTier, s.current.String()).
		Str("reason", reason).
		Msg("quality downgraded")
	return true
}

// Downgrades returns how many downgrade steps have been taken.
func (s *Selector) Downgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downgrades
}
