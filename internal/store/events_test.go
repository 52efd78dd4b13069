package store

import (
	"testing"
	"time"
)

func TestPendingOccurrencesFiltersMaterialized(t *testing.T) {
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(24 * time.Hour),
		base.Add(48 * time.Hour),
	}
	existing := map[int64]struct{}{
		base.Unix():                     {},
		base.Add(24 * time.Hour).Unix(): {},
	}

	out := pendingOccurrences(times, existing)
	if len(out) != 1 {
		t.Fatalf("pending = %d, want 1", len(out))
	}
	if !out[0].Equal(base.Add(48 * time.Hour)) {
		t.Errorf("pending[0] = %v, want %v", out[0], base.Add(48*time.Hour))
	}
}

func TestPendingOccurrencesEmptyExisting(t *testing.T) {
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(12 * time.Hour)}

	out := pendingOccurrences(times, nil)
	if len(out) != len(times) {
		t.Fatalf("pending = %d, want %d", len(out), len(times))
	}
}

func TestPendingOccurrencesAllMaterialized(t *testing.T) {
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	times := []time.Time{base}
	existing := map[int64]struct{}{base.Unix(): {}}

	out := pendingOccurrences(times, existing)
	if len(out) != 0 {
		t.Fatalf("pending = %d, want 0", len(out))
	}
}
