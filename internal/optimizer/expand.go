package optimizer

import (
	"github.com/meridianfund/meridian/internal/universe"
)

const (
	// autoExpandMinEquity filters the candidate pool to instruments that can
	// actually lift equity exposure.
	autoExpandMinEquity = 0.60

	// autoExpandMaxAdd caps how many candidates one expansion may add.
	autoExpandMaxAdd = 3

	// autoExpandScanLimit bounds the candidate pool fetched per expansion.
	autoExpandScanLimit = 10
)

// CandidateSource yields ranked equity candidates for auto-expansion.
type CandidateSource interface {
	TopEquityCandidates(minEquityContent float64, limit int) ([]universe.Candidate, error)
}

// autoExpand picks up to autoExpandMaxAdd ranked candidates not already in the
// universe and with usable price history. The caller restarts estimation with
// the expanded list. An empty slice with a nil error means the pool is
// exhausted.
func (s *Service) autoExpand(present map[string]bool) ([]string, error) {
	if s.candidates == nil {
		return nil, nil
	}
	pool, err := s.candidates.TopEquityCandidates(autoExpandMinEquity, autoExpandScanLimit)
	if err != nil {
		return nil, err
	}

	added := make([]string, 0, autoExpandMaxAdd)
	for _, c := range pool {
		if present[c.ISIN] {
			continue
		}
		series, report := s.cache.Resolve([]string{c.ISIN})
		if len(series) == 0 || len(report.Missing) > 0 {
			s.log.Debug().Str("isin", c.ISIN).Msg("auto-expand candidate skipped: no usable history")
			continue
		}
		added = append(added, c.ISIN)
		if len(added) == autoExpandMaxAdd {
			break
		}
	}
	return added, nil
}
