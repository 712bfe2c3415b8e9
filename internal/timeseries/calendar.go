// Package timeseries aligns heterogeneous price series onto a common
// business-day calendar for downstream estimation.
package timeseries

import "time"

const dateLayout = "2006-01-02"

// BusinessDays returns every weekday from minDate to maxDate inclusive, as
// YYYY-MM-DD strings. Holidays are not modeled; forward-filling covers them.
func BusinessDays(minDate, maxDate string) []string {
	start, err := time.Parse(dateLayout, minDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse(dateLayout, maxDate)
	if err != nil || end.Before(start) {
		return nil
	}

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d.Format(dateLayout))
	}
	return days
}
