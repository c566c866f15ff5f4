// Package recurrence expands a RecurrenceRule and an anchor window into a
// concrete, finite list of occurrences (§4.9). The expander is pure: no
// store access, no clock, no side effects.
package recurrence

import (
	"sort"
	"time"

	"resourcereserver/internal/apperr"
	"resourcereserver/internal/models"
)

// Occurrence is one concrete [Start,End) tuple produced by expansion.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Expand generates the occurrences of rule anchored at [start,end), both
// normalized to UTC. Duration is preserved across every occurrence. The
// result never exceeds models.MaxOccurrences and is never empty.
func Expand(start, end time.Time, rule *models.RecurrenceRule) ([]Occurrence, error) {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return nil, apperr.Validation("recurrence: end must be after start")
	}
	if rule.Interval < 1 {
		return nil, apperr.Validation("recurrence: interval must be >= 1")
	}

	duration := end.Sub(start)

	var occ []Occurrence
	switch rule.Frequency {
	case models.FrequencyDaily:
		occ = expandDaily(start, duration, rule)
	case models.FrequencyWeekly:
		occ = expandWeekly(start, duration, rule)
	case models.FrequencyMonthly:
		occ = expandMonthly(start, duration, rule)
	default:
		return nil, apperr.Validation("recurrence: unsupported frequency %q", rule.Frequency)
	}

	occ = applyEndDateCap(occ, rule)
	occ = applyCountCap(occ, rule)

	if len(occ) == 0 {
		return nil, apperr.Validation("recurrence: rule produced no occurrences")
	}
	if len(occ) > models.MaxOccurrences {
		occ = occ[:models.MaxOccurrences]
	}
	return occ, nil
}

// shouldContinue mirrors the stopping-rule precedence: the 100-occurrence
// cap always wins, then after_count, then on_date. never is capped by
// MaxOccurrences alone.
func shouldContinue(nextStart time.Time, count int, rule *models.RecurrenceRule) bool {
	if count >= models.MaxOccurrences {
		return false
	}
	switch rule.EndType {
	case models.EndAfterCount:
		if rule.OccurrenceCount == nil {
			return false
		}
		return count < *rule.OccurrenceCount
	case models.EndOnDate:
		if rule.EndDate == nil {
			return count < models.MaxOccurrences
		}
		return !nextStart.After(rule.EndDate.UTC())
	default: // never
		return count < models.MaxOccurrences
	}
}

func expandDaily(start time.Time, duration time.Duration, rule *models.RecurrenceRule) []Occurrence {
	var out []Occurrence
	current := start
	count := 0
	for shouldContinue(current, count, rule) {
		out = append(out, Occurrence{Start: current, End: current.Add(duration)})
		count++
		current = current.AddDate(0, 0, rule.Interval)
	}
	return out
}

// expandWeekly emits, for each week offset of interval weeks, the occurrence
// anchored on each day in days_of_week (sorted ascending), using Go's
// time.Weekday convention (Sunday=0..Saturday=6). Occurrences strictly
// before start are skipped.
func expandWeekly(start time.Time, duration time.Duration, rule *models.RecurrenceRule) []Occurrence {
	days := append([]int(nil), rule.DaysOfWeek...)
	if len(days) == 0 {
		days = []int{int(start.Weekday())}
	}
	sort.Ints(days)

	var out []Occurrence
	weekStart := start
	count := 0
	for shouldContinue(weekStart, count, rule) {
		for _, d := range days {
			delta := d - int(weekStart.Weekday())
			occStart := weekStart.AddDate(0, 0, delta)
			if occStart.Before(start) {
				continue
			}
			if !shouldContinue(occStart, count, rule) {
				break
			}
			out = append(out, Occurrence{Start: occStart, End: occStart.Add(duration)})
			count++
		}
		weekStart = weekStart.AddDate(0, 0, 7*rule.Interval)
	}
	return out
}

func expandMonthly(start time.Time, duration time.Duration, rule *models.RecurrenceRule) []Occurrence {
	var out []Occurrence
	current := start
	count := 0
	for shouldContinue(current, count, rule) {
		out = append(out, Occurrence{Start: current, End: current.Add(duration)})
		count++
		current = addMonths(start, count*rule.Interval)
	}
	return out
}

// addMonths adds n months to t, clamping the day-of-month to the last valid
// day of the target month (Jan 31 + 1 month -> Feb 28/29), mirroring the
// original implementation's add_months exactly.
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	totalMonths := int(month) - 1 + n
	newYear := year + totalMonths/12
	newMonthIdx := totalMonths % 12
	if newMonthIdx < 0 {
		newMonthIdx += 12
		newYear--
	}
	newMonth := time.Month(newMonthIdx + 1)

	if day > daysInMonth(newYear, newMonth) {
		day = daysInMonth(newYear, newMonth)
	}
	return time.Date(newYear, newMonth, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func applyEndDateCap(occ []Occurrence, rule *models.RecurrenceRule) []Occurrence {
	if rule.EndType != models.EndOnDate || rule.EndDate == nil {
		return occ
	}
	cap := rule.EndDate.UTC()
	out := occ[:0:0]
	for _, o := range occ {
		if !o.Start.After(cap) {
			out = append(out, o)
		}
	}
	return out
}

func applyCountCap(occ []Occurrence, rule *models.RecurrenceRule) []Occurrence {
	if rule.EndType != models.EndAfterCount || rule.OccurrenceCount == nil {
		return occ
	}
	if *rule.OccurrenceCount < len(occ) {
		return occ[:*rule.OccurrenceCount]
	}
	return occ
}
