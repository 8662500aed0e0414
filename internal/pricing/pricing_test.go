package pricing

import "testing"

func TestDemandFactor_CappedAt1_2(t *testing.T) {
	got := demandFactor(1000, 1)
	if got != demandFactorCap {
		t.Errorf("demandFactor(1000,1) = %v, want cap %v", got, demandFactorCap)
	}
}

func TestDemandFactor_ZeroDemand(t *testing.T) {
	got := demandFactor(0, 10)
	if got != 0 {
		t.Errorf("demandFactor(0,10) = %v, want 0", got)
	}
}

func TestDemandFactor_SupplyFloorsAtOne(t *testing.T) {
	// supply=0 must not divide by zero; treated as 1.
	got := demandFactor(2, 0)
	want := 2.0 / 1.0 * demandFactorScale
	if got != want {
		t.Errorf("demandFactor(2,0) = %v, want %v", got, want)
	}
}

func TestDemandFactor_MonotonicNonDecreasingInDemand(t *testing.T) {
	prev := demandFactor(0, 10)
	for d := 1; d <= 50; d++ {
		cur := demandFactor(d, 10)
		if cur < prev {
			t.Fatalf("demandFactor not monotonic: demand=%d gave %v < previous %v", d, cur, prev)
		}
		prev = cur
	}
}

func TestTimeFactorForHour_Peaks(t *testing.T) {
	peaks := []int{7, 9, 10, 12, 13, 18, 21, 22}
	for _, h := range peaks {
		if got := timeFactorForHour(h); got != peakTimeFactor {
			t.Errorf("timeFactorForHour(%d) = %v, want peak %v", h, got, peakTimeFactor)
		}
	}
}

func TestTimeFactorForHour_LateNight(t *testing.T) {
	lateNight := []int{23, 0, 2, 4, 5}
	for _, h := range lateNight {
		if got := timeFactorForHour(h); got != lateNightFactor {
			t.Errorf("timeFactorForHour(%d) = %v, want late-night %v", h, got, lateNightFactor)
		}
	}
}

func TestTimeFactorForHour_OffPeak(t *testing.T) {
	offPeak := []int{6, 11, 15, 17}
	for _, h := range offPeak {
		if got := timeFactorForHour(h); got != offPeakTimeFactor {
			t.Errorf("timeFactorForHour(%d) = %v, want off-peak 0", h, got)
		}
	}
}

func TestWeatherBonus_FloorsAt0_8(t *testing.T) {
	got := weatherBonus(0.5)
	want := 0.0 // 0.5 is floored to 0.8, and max(0, 0.8-1.0) is 0
	if got != want {
		t.Errorf("weatherBonus(0.5) = %v, want %v (floored)", got, want)
	}
}

func TestWeatherBonus_NeverNegative(t *testing.T) {
	if got := weatherBonus(1.0); got != 0 {
		t.Errorf("weatherBonus(1.0) = %v, want 0", got)
	}
}

func TestWeatherBonus_AboveOne(t *testing.T) {
	got := weatherBonus(1.3)
	if got < 0.29 || got > 0.31 {
		t.Errorf("weatherBonus(1.3) = %v, want ~0.3", got)
	}
}

func TestClamp_Bounds(t *testing.T) {
	if got := clamp(0.5, minMultiplier, maxMultiplier); got != minMultiplier {
		t.Errorf("clamp(0.5) = %v, want min %v", got, minMultiplier)
	}
	if got := clamp(5.0, minMultiplier, maxMultiplier); got != maxMultiplier {
		t.Errorf("clamp(5.0) = %v, want max %v", got, maxMultiplier)
	}
	if got := clamp(2.0, minMultiplier, maxMultiplier); got != 2.0 {
		t.Errorf("clamp(2.0) = %v, want 2.0 (unchanged)", got)
	}
}

func TestMultiplierComposition_MonotonicInDemand(t *testing.T) {
	// For fixed supply/time/weather, overall multiplier must be
	// non-decreasing as demand grows.
	supply := 5
	timeFactor := timeFactorForHour(9)
	weather := weatherBonus(1.0)

	prev := clamp(1.0+demandFactor(0, supply)+timeFactor+weather, minMultiplier, maxMultiplier)
	for d := 1; d <= 100; d += 5 {
		cur := clamp(1.0+demandFactor(d, supply)+timeFactor+weather, minMultiplier, maxMultiplier)
		if cur < prev {
			t.Fatalf("multiplier not monotonic at demand=%d: %v < %v", d, cur, prev)
		}
		prev = cur
	}
}

func TestMultiplierComposition_WithinBounds(t *testing.T) {
	for _, demand := range []int{0, 1, 10, 1000} {
		for _, supply := range []int{0, 1, 50} {
			for _, hour := range []int{3, 9, 13, 20} {
				m := clamp(1.0+demandFactor(demand, supply)+timeFactorForHour(hour)+weatherBonus(1.5), minMultiplier, maxMultiplier)
				if m < minMultiplier || m > maxMultiplier {
					t.Errorf("multiplier %v out of bounds [%v,%v]", m, minMultiplier, maxMultiplier)
				}
			}
		}
	}
}
