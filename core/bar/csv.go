package bar

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/errs"
)

// Historical bar files are row-per-bar CSV with a required header:
//
//	datetime,open,high,low,close,volume
//	2024-01-01T00:00:00+00:00,42000.00,42100.00,41950.00,42050.00,12.345
//
// datetime must carry an explicit offset. Columns are mapped by header name;
// unknown columns are ignored. Rows must be in non-decreasing datetime order.

var csvColumns = []string{"datetime", "open", "high", "low", "close", "volume"}

type columnIndex map[string]int

func mapHeader(header []string) (columnIndex, error) {
	idx := make(columnIndex, len(csvColumns))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns {
		if _, ok := idx[name]; !ok {
			return nil, errs.New(venueBar, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("csv header missing %q column", name)))
		}
	}
	return idx, nil
}

// CSVReader decodes bars from one CSV stream. The symbol and period are not
// part of the file format and are supplied by the caller.
type CSVReader struct {
	reader *csv.Reader
	cols   columnIndex
	symbol string
	period Period
	last   time.Time
	row    int
}

// NewCSVReader reads the header row and prepares a decoder for the rest.
func NewCSVReader(r io.Reader, symbol string, period Period) (*CSVReader, error) {
	if symbol == "" {
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("csv reader requires a symbol"))
	}
	if period <= 0 {
		return nil, errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("csv reader requires a positive period"))
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, err
	}
	return &CSVReader{reader: cr, cols: cols, symbol: symbol, period: period, row: 1}, nil
}

// Next returns the next bar in file order, or io.EOF after the last row.
func (r *CSVReader) Next() (*Bar, error) {
	record, err := r.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read csv record: %w", err)
	}
	r.row++

	field := func(name string) (string, error) {
		i := r.cols[name]
		if i >= len(record) {
			return "", fmt.Errorf("csv row %d: missing %s field", r.row, name)
		}
		return strings.TrimSpace(record[i]), nil
	}

	rawWhen, err := field("datetime")
	if err != nil {
		return nil, err
	}
	when, err := time.Parse(time.RFC3339, rawWhen)
	if err != nil {
		return nil, fmt.Errorf("csv row %d: parse datetime %q (explicit offset required): %w", r.row, rawWhen, err)
	}
	if when.Before(r.last) {
		return nil, fmt.Errorf("csv row %d: datetime %s precedes previous row %s",
			r.row, when.Format(time.RFC3339), r.last.Format(time.RFC3339))
	}

	var prices [5]decimal.Decimal
	for i, name := range csvColumns[1:] {
		raw, err := field(name)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("csv row %d: parse %s %q: %w", r.row, name, raw, err)
		}
		prices[i] = d
	}

	b, err := New(r.symbol, r.period, when, prices[0], prices[1], prices[2], prices[3], prices[4])
	if err != nil {
		return nil, fmt.Errorf("csv row %d: %w", r.row, err)
	}
	r.last = when
	return b, nil
}

// CSVWriter encodes bars in the normalized form: UTC RFC 3339 datetime and
// shortest decimal rendering. Parsing a written row yields the same bar.
type CSVWriter struct {
	writer      *csv.Writer
	wroteHeader bool
}

// NewCSVWriter wraps w; the header row is written before the first bar.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{writer: csv.NewWriter(w)}
}

// Write appends one bar row.
func (w *CSVWriter) Write(b *Bar) error {
	if b == nil {
		return errs.New(venueBar, errs.CodeInvalid, errs.WithMessage("nil bar"))
	}
	if !w.wroteHeader {
		if err := w.writer.Write(csvColumns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		w.wroteHeader = true
	}
	record := []string{
		b.When().UTC().Format(time.RFC3339),
		b.Open.String(),
		b.High.String(),
		b.Low.String(),
		b.Close.String(),
		b.Volume.String(),
	}
	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	return nil
}

// Flush commits buffered rows to the underlying writer.
func (w *CSVWriter) Flush() error {
	w.writer.Flush()
	return w.writer.Error()
}
