package store

import (
	"fmt"
	"time"

	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/shopspring/decimal"
)

// InsertBar idempotently persists a normalised bar, keyed by
// (symbol, timeframe, timestamp). Duplicate bars are dropped silently.
func (s *Store) InsertBar(b models.Bar) error {
	_, err := s.db.Exec(`
		INSERT INTO bars (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Symbol, b.Timeframe, b.Timestamp.UTC().Format(timeLayout),
		b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String())
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert bar %s: %w", b.Key(), err)
	}
	return nil
}

// RecentBars returns up to limit bars for (symbol, timeframe) in ascending
// timestamp order, used by data.Handler.Warm to fill the per-symbol
// history windows at startup.
func (s *Store) RecentBars(symbol, timeframe string, limit int) ([]models.Bar, error) {
	rows, err := s.db.Query(`
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM (
			SELECT * FROM bars WHERE symbol = ? AND timeframe = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent bars %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()
	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		var ts, open, high, low, close, volume string
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &ts, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("store: scan bar: %w", err)
		}
		b.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, err
		}
		if b.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("store: parse bar open: %w", err)
		}
		if b.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("store: parse bar high: %w", err)
		}
		if b.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("store: parse bar low: %w", err)
		}
		if b.Close, err = decimal.NewFromString(close); err != nil {
			return nil, fmt.Errorf("store: parse bar close: %w", err)
		}
		if b.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("store: parse bar volume: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
