package dedup

import "testing"

func TestBucketBoundaries(t *testing.T) {
	cases := []struct {
		minutes int
		want    int
	}{
		{16, 15},
		{15, 15},
		{14, 10},
		{10, 10},
		{9, 5},
		{5, 5},
		{4, 0},
		{0, 0},
		{-1, -5},
		{-5, -5},
		{-6, -10},
	}
	for _, c := range cases {
		if got := Bucket(c.minutes, 5); got != c.want {
			t.Errorf("Bucket(%d, 5) = %d, want %d", c.minutes, got, c.want)
		}
	}
}

func TestBucketDefaultWidth(t *testing.T) {
	if got := Bucket(14, 0); got != Bucket(14, DefaultBucketMinutes) {
		t.Errorf("zero width did not fall back to default: %d", got)
	}
}

// Reminder offsets, bucketed, give each approach its own slot: the
// 15-minute and 5-minute approaches never share a key for one event.
func TestBucketSeparatesOffsets(t *testing.T) {
	if Bucket(15, 5) == Bucket(5, 5) {
		t.Error("distinct offsets share a bucket")
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("ev-1", 15)
	b := Key("ev-1", 15)
	if a != b {
		t.Error("key not stable across calls")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
	if Key("ev-1", 10) == a {
		t.Error("different buckets produced identical keys")
	}
	if Key("ev-2", 15) == a {
		t.Error("different events produced identical keys")
	}
}
