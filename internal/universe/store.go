// Package universe provides canonical storage for per-instrument historical
// price series and the merge protocol for incremental updates.
package universe

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// SchemaVersion is the canonical price-history document version. Legacy
// shapes are accepted on read and normalized; writers never persist them.
const SchemaVersion = 3

// DefaultMaxPoints bounds the stored series size. Merges truncate to the most
// recent points; callers needing longer history must be aware of this.
const DefaultMaxPoints = 3650

// batchChunkSize is the hard per-transaction operation ceiling for bulk writes.
const batchChunkSize = 400

// WriteMode selects between replacing a stored series and merging into it.
type WriteMode string

const (
	// ModeOverwrite replaces the stored series outright (used to purge corrupted history).
	ModeOverwrite WriteMode = "overwrite"
	// ModeMerge unions with the existing series, last writer wins per date.
	ModeMerge WriteMode = "merge"
)

var (
	// ErrValidation is returned when validation leaves zero surviving points.
	ErrValidation = errors.New("no valid price points")
	// ErrNotFound is returned when no series exists for an instrument.
	ErrNotFound = errors.New("price series not found")
)

// PricePoint is one observation of a fund's net asset value.
type PricePoint struct {
	Date string  `json:"date"` // YYYY-MM-DD
	NAV  float64 `json:"nav"`
}

// DocMetadata is recomputed on every write.
type DocMetadata struct {
	Count   int    `json:"count"`
	MinDate string `json:"min_date"`
	MaxDate string `json:"max_date"`
}

// HistoryDocument is the canonical persisted shape of one price series.
type HistoryDocument struct {
	History       []PricePoint `json:"history"`
	SchemaVersion int          `json:"schema_version"`
	Source        string       `json:"source"`
	Metadata      DocMetadata  `json:"metadata"`
}

// HistoryStore holds one canonical series per instrument and reconciles
// incremental updates.
type HistoryStore struct {
	db        *sql.DB
	maxPoints int
	chunkSize int
	log       zerolog.Logger
}

// NewHistoryStore creates the store and ensures its schema exists.
func NewHistoryStore(db *sql.DB, log zerolog.Logger) (*HistoryStore, error) {
	s := &HistoryStore{
		db:        db,
		maxPoints: DefaultMaxPoints,
		chunkSize: batchChunkSize,
		log:       log.With().Str("component", "history_store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS price_history (
			isin       TEXT PRIMARY KEY,
			doc        TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create price_history table: %w", err)
	}
	return nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx, so merge reads can run
// inside an open batch transaction.
type rowQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Write validates, sorts and persists a series for one instrument.
// Returns whether the stored document changed.
func (s *HistoryStore) Write(isin string, points []PricePoint, source string, mode WriteMode) (bool, error) {
	raw, changed, err := s.buildDocument(s.db, isin, points, source, mode)
	if err != nil || !changed {
		return false, err
	}

	_, err = s.db.Exec(upsertSeriesSQL, isin, raw, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to store series for %s: %w", isin, err)
	}

	s.log.Debug().
		Str("isin", isin).
		Str("mode", string(mode)).
		Msg("Stored price series")

	return true, nil
}

const upsertSeriesSQL = `
	INSERT INTO price_history (isin, doc, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(isin) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
`

// buildDocument validates the incoming points and produces the canonical
// document JSON for the given write mode. changed=false means the merge was a
// no-op and nothing needs persisting.
func (s *HistoryStore) buildDocument(q rowQuerier, isin string, points []PricePoint, source string, mode WriteMode) (string, bool, error) {
	if isin == "" {
		return "", false, fmt.Errorf("empty instrument identifier")
	}

	valid, skipped := validatePoints(points)
	if skipped > 0 {
		s.log.Warn().
			Str("isin", isin).
			Int("skipped", skipped).
			Int("valid", len(valid)).
			Msg("Skipped malformed price points")
	}
	if len(valid) == 0 {
		return "", false, fmt.Errorf("write for %s: %w", isin, ErrValidation)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].Date < valid[j].Date })

	var merged []PricePoint
	changed := true

	switch mode {
	case ModeMerge:
		existing, err := s.getVia(q, isin)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
		if existing != nil {
			merged, changed = mergeSeries(existing.History, valid)
		} else {
			merged = valid
		}
	case ModeOverwrite:
		merged = valid
	default:
		return "", false, fmt.Errorf("unknown write mode: %s", mode)
	}

	if !changed {
		return "", false, nil
	}

	// Bound document size: keep the most recent points only.
	if len(merged) > s.maxPoints {
		merged = merged[len(merged)-s.maxPoints:]
	}

	doc := HistoryDocument{
		History:       merged,
		SchemaVersion: SchemaVersion,
		Source:        source,
		Metadata: DocMetadata{
			Count:   len(merged),
			MinDate: merged[0].Date,
			MaxDate: merged[len(merged)-1].Date,
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal history document: %w", err)
	}
	return string(raw), true, nil
}

// Get returns the canonical document for one instrument.
func (s *HistoryStore) Get(isin string) (*HistoryDocument, error) {
	return s.getVia(s.db, isin)
}

func (s *HistoryStore) getVia(q rowQuerier, isin string) (*HistoryDocument, error) {
	var raw string
	err := q.QueryRow("SELECT doc FROM price_history WHERE isin = ?", isin).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", isin, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read series for %s: %w", isin, err)
	}
	doc, err := normalizeDocument([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode series for %s: %w", isin, err)
	}
	return doc, nil
}

// GetMany reads documents for all requested instruments in one round trip.
// Instruments without a stored series are absent from the returned map.
func (s *HistoryStore) GetMany(isins []string) (map[string]*HistoryDocument, error) {
	if len(isins) == 0 {
		return map[string]*HistoryDocument{}, nil
	}

	placeholders := ""
	args := make([]interface{}, len(isins))
	for i, isin := range isins {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = isin
	}

	rows, err := s.db.Query("SELECT isin, doc FROM price_history WHERE isin IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-read series: %w", err)
	}
	defer rows.Close()

	docs := make(map[string]*HistoryDocument)
	for rows.Next() {
		var isin, raw string
		if err := rows.Scan(&isin, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan series row: %w", err)
		}
		doc, err := normalizeDocument([]byte(raw))
		if err != nil {
			s.log.Warn().Err(err).Str("isin", isin).Msg("Skipping undecodable stored series")
			continue
		}
		docs[isin] = doc
	}
	return docs, rows.Err()
}

// ListISINs returns every stored instrument identifier, sorted.
func (s *HistoryStore) ListISINs() ([]string, error) {
	rows, err := s.db.Query("SELECT isin FROM price_history ORDER BY isin")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var isins []string
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			return nil, err
		}
		isins = append(isins, isin)
	}
	return isins, rows.Err()
}

// WriteBatch merges many series, committing in ordered chunks of at most
// batchChunkSize upserts. Each chunk is its own transaction, so a failure
// mid-batch never corrupts previously committed chunks. Returns how many
// series changed.
func (s *HistoryStore) WriteBatch(series map[string][]PricePoint, source string) (int, error) {
	isins := make([]string, 0, len(series))
	for isin := range series {
		isins = append(isins, isin)
	}
	sort.Strings(isins)

	changedTotal := 0
	now := time.Now().Unix()

	var tx *sql.Tx
	inChunk := 0
	commit := func() error {
		if tx == nil {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit batch chunk: %w", err)
		}
		tx = nil
		inChunk = 0
		return nil
	}

	for _, isin := range isins {
		if tx == nil {
			var err error
			tx, err = s.db.Begin()
			if err != nil {
				return changedTotal, fmt.Errorf("failed to begin batch chunk: %w", err)
			}
		}

		// Merge reads run through the open transaction so the chunk sees a
		// consistent view of the store.
		raw, changed, err := s.buildDocument(tx, isin, series[isin], source, ModeMerge)
		if err != nil {
			if errors.Is(err, ErrValidation) {
				s.log.Warn().Str("isin", isin).Msg("Skipping series with no valid points")
				continue
			}
			if cerr := commit(); cerr != nil {
				s.log.Error().Err(cerr).Msg("Failed to commit chunk before abort")
			}
			return changedTotal, err
		}
		if !changed {
			continue
		}

		if _, err := tx.Exec(upsertSeriesSQL, isin, raw, now); err != nil {
			_ = tx.Rollback()
			return changedTotal - inChunk, fmt.Errorf("failed to store series for %s: %w", isin, err)
		}
		changedTotal++
		inChunk++

		if inChunk >= s.chunkSize {
			if err := commit(); err != nil {
				return changedTotal - inChunk, err
			}
		}
	}

	if err := commit(); err != nil {
		return changedTotal - inChunk, err
	}
	return changedTotal, nil
}

// validatePoints filters malformed points (skip the point, not the series).
func validatePoints(points []PricePoint) ([]PricePoint, int) {
	valid := make([]PricePoint, 0, len(points))
	skipped := 0
	for _, p := range points {
		if len(p.Date) != 10 || p.NAV <= 0 {
			skipped++
			continue
		}
		valid = append(valid, p)
	}
	return valid, skipped
}

// mergeSeries unions two date-ascending series. For each date the incoming
// value wins when it differs; final state depends only on the union of
// (date, value) pairs. Reports whether anything changed.
func mergeSeries(existing, incoming []PricePoint) ([]PricePoint, bool) {
	byDate := make(map[string]float64, len(existing)+len(incoming))
	for _, p := range existing {
		byDate[p.Date] = p.NAV
	}

	changed := false
	for _, p := range incoming {
		if old, ok := byDate[p.Date]; !ok || old != p.NAV {
			byDate[p.Date] = p.NAV
			changed = true
		}
	}
	if !changed {
		return existing, false
	}

	merged := make([]PricePoint, 0, len(byDate))
	for date, nav := range byDate {
		merged = append(merged, PricePoint{Date: date, NAV: nav})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date < merged[j].Date })
	return merged, true
}

// normalizeDocument decodes a stored document, accepting legacy shapes:
// field-name variants (price/close/value, Date) and map-of-date-to-value
// histories. The returned document is always the canonical shape.
func normalizeDocument(raw []byte) (*HistoryDocument, error) {
	// Fast path: canonical shape.
	var doc HistoryDocument
	if err := json.Unmarshal(raw, &doc); err == nil && doc.SchemaVersion == SchemaVersion && len(doc.History) > 0 {
		return &doc, nil
	}

	var generic struct {
		History       json.RawMessage `json:"history"`
		SchemaVersion int             `json:"schema_version"`
		Source        string          `json:"source"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unreadable history document: %w", err)
	}

	points, err := normalizeHistory(generic.History)
	if err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })

	out := &HistoryDocument{
		History:       points,
		SchemaVersion: SchemaVersion,
		Source:        generic.Source,
	}
	if len(points) > 0 {
		out.Metadata = DocMetadata{
			Count:   len(points),
			MinDate: points[0].Date,
			MaxDate: points[len(points)-1].Date,
		}
	}
	return out, nil
}

func normalizeHistory(raw json.RawMessage) ([]PricePoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Array-of-entries shape, possibly with legacy field names.
	var entries []map[string]interface{}
	if err := json.Unmarshal(raw, &entries); err == nil {
		points := make([]PricePoint, 0, len(entries))
		for _, e := range entries {
			date := firstString(e, "date", "Date")
			nav, ok := firstNumber(e, "nav", "price", "close", "value")
			if len(date) != 10 || !ok || nav <= 0 {
				continue
			}
			points = append(points, PricePoint{Date: date, NAV: nav})
		}
		return points, nil
	}

	// Legacy map-of-date-to-value shape.
	var byDate map[string]interface{}
	if err := json.Unmarshal(raw, &byDate); err == nil {
		points := make([]PricePoint, 0, len(byDate))
		for date, v := range byDate {
			nav, ok := coerceNumber(v)
			if len(date) != 10 || !ok || nav <= 0 {
				continue
			}
			points = append(points, PricePoint{Date: date, NAV: nav})
		}
		return points, nil
	}

	return nil, fmt.Errorf("unrecognized history shape")
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func firstNumber(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := coerceNumber(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func coerceNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
