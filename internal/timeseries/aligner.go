package timeseries

import (
	"math"
	"sort"
	"time"

	"github.com/meridianfund/meridian/internal/universe"
	"github.com/rs/zerolog"
)

// StandardWindowDays is the trailing window used for optimization and
// backtesting (3 years, fixed analysis horizon).
const StandardWindowDays = 1095

// MinCoverage is the minimum non-null share of rows a column needs to stay
// in the aligned output.
const MinCoverage = 0.10

// Table is one aligned price table: one row per business day, one column per
// asset. Gaps are NaN.
type Table struct {
	Dates   []string
	Columns map[string][]float64
}

// NumRows returns the table's row count.
func (t Table) NumRows() int { return len(t.Dates) }

// AlignOptions control windowing and gap handling.
type AlignOptions struct {
	WindowDays int  // trailing calendar-day window; 0 keeps the full range
	Strict     bool // drop rows still containing gaps instead of keeping them
}

// Aligner resamples and reindexes heterogeneous series onto a common
// business-day calendar and fills gaps.
type Aligner struct {
	log zerolog.Logger
}

// NewAligner creates an aligner.
func NewAligner(log zerolog.Logger) *Aligner {
	return &Aligner{log: log.With().Str("component", "aligner").Logger()}
}

// Align produces one table from N series. Returns the aligned table and the
// identifiers dropped for insufficient coverage.
func (a *Aligner) Align(series map[string][]universe.PricePoint, opts AlignOptions) (Table, []string) {
	if len(series) == 0 {
		return Table{Columns: map[string][]float64{}}, nil
	}

	// 1+2. Assemble into a date-keyed table, keeping the last observation per
	// calendar day (collapses sub-daily duplicates).
	byAsset := make(map[string]map[string]float64, len(series))
	minDate, maxDate := "", ""
	for isin, points := range series {
		col := make(map[string]float64, len(points))
		for _, p := range points {
			col[p.Date] = p.NAV
			if minDate == "" || p.Date < minDate {
				minDate = p.Date
			}
			if p.Date > maxDate {
				maxDate = p.Date
			}
		}
		byAsset[isin] = col
	}
	if minDate == "" {
		return Table{Columns: map[string][]float64{}}, nil
	}

	// 3. Reindex onto the business-day calendar spanning min..max.
	dates := BusinessDays(minDate, maxDate)

	columns := make(map[string][]float64, len(byAsset))
	observed := make(map[string][]bool, len(byAsset))
	for isin, col := range byAsset {
		values := make([]float64, len(dates))
		obs := make([]bool, len(dates))
		for i, date := range dates {
			if v, ok := col[date]; ok {
				values[i] = v
				obs[i] = true
			} else {
				values[i] = math.NaN()
			}
		}
		// 4. Forward-fill, then back-fill (back-fill only covers a leading
		// gap before the first true observation).
		fillForward(values)
		fillBackward(values)
		columns[isin] = values
		observed[isin] = obs
	}

	// 5. Optional trailing window.
	startRow := 0
	if opts.WindowDays > 0 {
		cutoff := windowCutoff(maxDate, opts.WindowDays)
		startRow = sort.SearchStrings(dates, cutoff)
	}
	if startRow > 0 {
		dates = dates[startRow:]
		for isin := range columns {
			columns[isin] = columns[isin][startRow:]
			observed[isin] = observed[isin][startRow:]
		}
	}

	// Coverage: columns with too few true observations are dropped, not
	// silently forward-filled into existence.
	var dropped []string
	for isin, obs := range observed {
		count := 0
		for _, o := range obs {
			if o {
				count++
			}
		}
		if len(dates) > 0 && float64(count) < MinCoverage*float64(len(dates)) {
			dropped = append(dropped, isin)
			delete(columns, isin)
		}
	}
	sort.Strings(dropped)

	table := Table{Dates: dates, Columns: columns}

	// 6. Strict mode drops any remaining rows containing gaps.
	if opts.Strict {
		table = dropGapRows(table)
	}

	if len(dropped) > 0 {
		a.log.Warn().
			Strs("dropped", dropped).
			Int("rows", table.NumRows()).
			Msg("Dropped columns below minimum coverage")
	}

	return table, dropped
}

func fillForward(values []float64) {
	last := math.NaN()
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = last
		} else {
			last = v
		}
	}
}

func fillBackward(values []float64) {
	next := math.NaN()
	for i := len(values) - 1; i >= 0; i-- {
		if math.IsNaN(values[i]) {
			values[i] = next
		} else {
			next = values[i]
		}
	}
}

func windowCutoff(maxDate string, windowDays int) string {
	end, err := time.Parse(dateLayout, maxDate)
	if err != nil {
		return ""
	}
	return end.AddDate(0, 0, -windowDays).Format(dateLayout)
}

func dropGapRows(t Table) Table {
	keep := make([]bool, len(t.Dates))
	kept := 0
	for i := range t.Dates {
		keep[i] = true
		for _, col := range t.Columns {
			if math.IsNaN(col[i]) {
				keep[i] = false
				break
			}
		}
		if keep[i] {
			kept++
		}
	}
	if kept == len(t.Dates) {
		return t
	}

	out := Table{
		Dates:   make([]string, 0, kept),
		Columns: make(map[string][]float64, len(t.Columns)),
	}
	for isin := range t.Columns {
		out.Columns[isin] = make([]float64, 0, kept)
	}
	for i, ok := range keep {
		if !ok {
			continue
		}
		out.Dates = append(out.Dates, t.Dates[i])
		for isin, col := range t.Columns {
			out.Columns[isin] = append(out.Columns[isin], col[i])
		}
	}
	return out
}
