package quota

import "time"

// firstOfNextMonth returns midnight on the first day of the month following t.
// Free-plan periods roll over on calendar-month boundaries.
func firstOfNextMonth(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}

// startOfTomorrow returns midnight of the day after t. Premium quota is a
// rolling daily allotment.
func startOfTomorrow(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
