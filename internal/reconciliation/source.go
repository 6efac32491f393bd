package reconciliation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// Source yields the external record set for a date. Implementations must
// return either every record or an error.
type Source interface {
	Name() string
	Fetch(ctx context.Context, date string) ([]ExternalRecord, error)
}

// DirSource reads external_transactions_<date>.csv files from a directory.
// The first row is a header naming at least transactionId and amount; walletId
// and date columns are optional.
type DirSource struct {
	dir string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Name identifies the source in logs and metrics.
func (s *DirSource) Name() string { return "dir" }

// FileName returns the file expected for date.
func FileName(date string) string {
	return fmt.Sprintf("external_transactions_%s.csv", date)
}

// Fetch parses the file for date.
func (s *DirSource) Fetch(ctx context.Context, date string) ([]ExternalRecord, error) {
	path := filepath.Join(s.dir, FileName(date))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrExternalSourceNotFound, date)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrExternalSourceUnavailable, path, err)
	}
	defer f.Close()

	return ParseCSV(ctx, f, date)
}

type columns struct {
	id, amount, wallet, date int
}

// ParseCSV reads external records from r. Rows carrying a date other than
// date are skipped.
func ParseCSV(ctx context.Context, r io.Reader, date string) ([]ExternalRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, malformed("missing header row")
	}
	if err != nil {
		return nil, malformed("read header: %v", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	records := []ExternalRecord{}
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("line %d: %v", line, err)
		}

		rec := ExternalRecord{ID: strings.TrimSpace(row[cols.id])}
		if rec.ID == "" {
			return nil, malformed("line %d: empty transaction id", line)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(row[cols.amount]))
		if err != nil {
			return nil, malformed("line %d: amount %q: %v", line, row[cols.amount], err)
		}
		rec.Amount = amount
		if cols.wallet >= 0 {
			rec.WalletID = strings.TrimSpace(row[cols.wallet])
		}
		if cols.date >= 0 {
			rec.Date = strings.TrimSpace(row[cols.date])
			if rec.Date != "" && rec.Date != date {
				continue
			}
		}
		if rec.Date == "" {
			rec.Date = date
		}
		records = append(records, rec)
	}
	return records, nil
}

func mapColumns(header []string) (columns, error) {
	cols := columns{id: -1, amount: -1, wallet: -1, date: -1}
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		key = strings.ReplaceAll(key, "_", "")
		switch key {
		case "transactionid", "id":
			cols.id = i
		case "amount":
			cols.amount = i
		case "walletid":
			cols.wallet = i
		case "date":
			cols.date = i
		}
	}
	if cols.id < 0 || cols.amount < 0 {
		return columns{}, malformed("header must contain transactionId and amount, got %v", header)
	}
	return cols, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrExternalSourceUnavailable, ErrMalformedRecord, fmt.Sprintf(format, args...))
}
