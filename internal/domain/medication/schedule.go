package medication

import (
	"fmt"
	"sort"
	"time"
)

// Occurrences derives the concrete future dose times for a command,
// walking from `from` through `horizon` in the patient's local timezone.
// Times are returned in UTC, ascending. Only occurrences strictly after
// `from` are included so re-materialization never schedules the past.
func Occurrences(cmd *Command, loc *time.Location, from time.Time, horizon time.Duration) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	step := 1 // days between repeats
	switch cmd.Medication.Frequency {
	case FrequencyWeekly:
		step = 7
	case FrequencyDaily, "":
		step = 1
	default:
		return nil, fmt.Errorf("unsupported frequency: %s", cmd.Medication.Frequency)
	}

	local := from.In(loc)
	end := from.Add(horizon)

	var out []time.Time
	for day := local; !day.After(end.In(loc)); day = day.AddDate(0, 0, step) {
		for _, hhmm := range cmd.Medication.ScheduledTimes {
			t, err := time.Parse("15:04", hhmm)
			if err != nil {
				return nil, fmt.Errorf("parse scheduled time %q: %w", hhmm, err)
			}
			occ := time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc)
			if occ.After(from) && !occ.After(end) {
				out = append(out, occ.UTC())
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// LocalMidnight returns the most recent local midnight at or before t
// in the given location, expressed in UTC.
func LocalMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc).UTC()
}

// LocalDate formats t as the local calendar date in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
