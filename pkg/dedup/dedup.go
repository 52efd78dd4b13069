// Package dedup provides deterministic deduplication keys for reminder
// dispatch. A continuous countdown is bucketed into fixed-width slots;
// the (event, slot) pair keys an at-most-once marker in the durable
// store, so overlapping scheduler ticks converge instead of double-send.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultBucketMinutes is the width of a reminder dedup slot.
const DefaultBucketMinutes = 5

// Bucket maps minutes-until-due onto the floor of its slot.
// Bucket(14, 5) == 10; Bucket(15, 5) == 15.
func Bucket(minutesUntilDue, width int) int {
	if width <= 0 {
		width = DefaultBucketMinutes
	}
	b := minutesUntilDue / width
	if minutesUntilDue < 0 && minutesUntilDue%width != 0 {
		b-- // floor toward negative infinity
	}
	return b * width
}

// Key derives the deterministic marker key for one event and one bucket.
// Stable across runs and across processes.
func Key(eventID string, bucket int) string {
	data := strings.Join([]string{eventID, fmt.Sprintf("%d", bucket)}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
