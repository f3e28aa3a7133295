package collector

import "testing"

func TestBackoffDelayGrowsExponentiallyWithJitter(t *testing.T) {
	b := Backoff{Base: 1000, Max: 60000, MaxAttempts: 5} // nanoseconds, for exact arithmetic

	d0 := b.Delay(0)
	if d0 < 1000 || d0 > 1300 {
		t.Errorf("Delay(0) = %d, want in [1000,1300]", d0)
	}

	d1 := b.Delay(1)
	if d1 < 2000 || d1 > 2600 {
		t.Errorf("Delay(1) = %d, want in [2000,2600]", d1)
	}

	d2 := b.Delay(2)
	if d2 < 4000 || d2 > 5200 {
		t.Errorf("Delay(2) = %d, want in [4000,5200]", d2)
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	b := Backoff{Base: 1000, Max: 5000, MaxAttempts: 5}
	d := b.Delay(10) // 1000*2^10 would vastly exceed Max
	if d < 5000 || d > 6500 {
		t.Errorf("Delay(10) = %d, want capped near Max (5000-6500 with jitter)", d)
	}
}

func TestBackoffDelayAppliesDefaultsWhenZero(t *testing.T) {
	b := Backoff{}
	d := b.Delay(0)
	if d <= 0 {
		t.Errorf("expected a positive delay even with zero-value Backoff, got %d", d)
	}
}

func TestDefaultBackoffMatchesSpecDefaults(t *testing.T) {
	b := DefaultBackoff()
	if b.Base.Seconds() != 1 {
		t.Errorf("expected base 1s, got %v", b.Base)
	}
	if b.Max.Seconds() != 60 {
		t.Errorf("expected max 60s, got %v", b.Max)
	}
	if b.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", b.MaxAttempts)
	}
}
