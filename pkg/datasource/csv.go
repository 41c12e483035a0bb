package datasource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simex/pkg/event"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CSVSource reads rows of timestamp,symbol,open,high,low,close,volume.
// A header row is detected and skipped. Timestamps may be RFC3339, a plain
// date or datetime, or unix seconds. Files are read fully and merged in time
// order on each stream.
type CSVSource struct {
	paths []string
}

func NewCSVSource(paths ...string) *CSVSource {
	return &CSVSource{paths: paths}
}

func (s *CSVSource) StreamMarketData(ctx context.Context, symbols []string, fn func(Bar) error) error {
	bars, err := s.load()
	if err != nil {
		return err
	}
	return emit(ctx, bars, symbolFilter(symbols), fn)
}

func (s *CSVSource) load() ([]Bar, error) {
	var all []Bar
	for _, p := range s.paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		bars, err := ReadCSV(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		all = append(all, bars...)
	}
	return sortedCopy(all), nil
}

// ReadCSV parses bars from r in file order.
func ReadCSV(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 7
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var bars []Bar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		b, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
}

func isHeader(rec []string) bool {
	_, err := parseTime(rec[0])
	return err != nil && strings.EqualFold(strings.TrimSpace(rec[1]), "symbol")
}

func parseRow(rec []string) (Bar, error) {
	ts, err := parseTime(rec[0])
	if err != nil {
		return Bar{}, err
	}
	symbol := strings.TrimSpace(rec[1])
	if symbol == "" {
		return Bar{}, fmt.Errorf("empty symbol")
	}

	var vals [5]decimal.Decimal
	for i := range vals {
		v, err := decimal.NewFromString(strings.TrimSpace(rec[2+i]))
		if err != nil {
			return Bar{}, fmt.Errorf("column %d: %w", 3+i, err)
		}
		vals[i] = v
	}
	return Bar{
		Symbol:    symbol,
		Timestamp: ts,
		OHLCV:     event.OHLCV{Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]},
	}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
