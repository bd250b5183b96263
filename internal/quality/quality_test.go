package quality

import "testing"

func TestProfiles_rankedOrder(t *testing.T) {
	ps := Profiles()
	if len(ps) != 5 {
		t.Fatalf("expected 5 profiles, got %d", len(ps))
	}
	if ps[0].Name != "excellent" || ps[4].Name != "minimal" {
		t.Errorf("profiles not ranked: first=%s last=%s", ps[0].Name, ps[4].Name)
	}
	for i := 1; i < len(ps); i++ {
		if ps[i].Bitrate >= ps[i-1].Bitrate {
			t.Errorf("bitrate not strictly decreasing at index %d", i)
		}
	}
}

func TestByName_roundtrip(t *testing.T) {
	for _, p := range Profiles() {
		tier, err := ByName(p.Name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", p.Name, err)
		}
		got, err := Get(tier)
		if err != nil {
			t.Fatalf("Get(%v): %v", tier, err)
		}
		if got.Name != p.Name {
			t.Errorf("roundtrip mismatch: %s != %s", got.Name, p.Name)
		}
	}
	if _, err := ByName("ultra"); err == nil {
		t.Error("expected error for unknown profile name")
	}
}

func TestSelector_downgradeMonotonicAndClamped(t *testing.T) {
	s := NewSelector(TierGood)
	if s.Current() != TierGood {
		t.Fatalf("expected good, got %s", s.Current())
	}

	// good -> medium -> low -> minimal, then clamp.
	for i := 0; i < 3; i++ {
		if !s.Downgrade("test") {
			t.Fatalf("downgrade %d should have changed tier", i)
		}
	}
	if s.Current() != TierMinimal {
		t.Fatalf("expected minimal, got %s", s.Current())
	}
	if s.Downgrade("test") {
		t.Error("downgrade below minimal should be a no-op")
	}
	if s.Current() != TierMinimal {
		t.Errorf("tier moved past minimal: %s", s.Current())
	}
	if s.Downgrades() != 3 {
		t.Errorf("expected 3 downgrades recorded, got %d", s.Downgrades())
	}
}

func TestNewSelector_clampsStart(t *testing.T) {
	if s := NewSelector(Tier(99)); s.Current() != TierMinimal {
		t.Errorf("out-of-range start should clamp to minimal, got %s", s.Current())
	}
}
