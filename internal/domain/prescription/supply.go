package prescription

import "time"

// RemainingDays computes how many days of supply remain for a medication
// prescribed on prescriptionDate with supplyDays days of coverage, as of
// today. The supply ends on prescriptionDate + supplyDays calendar days.
//
// Both inputs are normalized to midnight so the result is stable for
// repeated calls within the same day regardless of time-of-day. Fractional
// day differences (DST shifts) round up. Exhausted supplies report 0, never
// a negative count.
func RemainingDays(prescriptionDate time.Time, supplyDays int, today time.Time) int {
	end := midnight(prescriptionDate).AddDate(0, 0, supplyDays)
	now := midnight(today)

	diff := end.Sub(now)
	if diff <= 0 {
		return 0
	}

	days := int(diff / (24 * time.Hour))
	if diff%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// midnight truncates t to the start of its calendar day, preserving location.
func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
