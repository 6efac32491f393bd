// Package export serializes reconciliation reports.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/congo-pay/walletrecon/internal/ledger"
	"github.com/congo-pay/walletrecon/internal/reconciliation"
)

// Header is the first row of every export.
var Header = []string{
	"category",
	"transaction_id",
	"wallet_id",
	"type",
	"internal_amount",
	"external_amount",
	"delta",
	"accepted_at",
	"external_date",
	"note",
}

// CSV renders the report as one row per classified item: matched, mismatched,
// missing in external, missing in internal, then duplicate-record
// diagnostics, each in report order. Equal reports render to equal bytes.
func CSV(report reconciliation.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{Header}
	for _, m := range report.Matched {
		rows = append(rows, pairRow(reconciliation.CategoryMatched, m.Internal, m.External, m.External.Amount.Sub(m.Internal.Amount)))
	}
	for _, m := range report.Mismatched {
		rows = append(rows, pairRow(reconciliation.CategoryMismatched, m.Internal, m.External, m.Delta))
	}
	for _, tx := range report.MissingInExternal {
		rows = append(rows, []string{
			reconciliation.CategoryMissingInExternal,
			text(tx.ID),
			text(tx.WalletID),
			string(tx.Type),
			money(tx.Amount),
			"",
			"",
			timestamp(tx.AcceptedAt),
			"",
			"",
		})
	}
	for _, rec := range report.MissingInInternal {
		rows = append(rows, []string{
			reconciliation.CategoryMissingInInternal,
			text(rec.ID),
			text(rec.WalletID),
			"",
			"",
			money(rec.Amount),
			"",
			"",
			text(rec.Date),
			"",
		})
	}
	for _, d := range report.Diagnostics {
		rows = append(rows, []string{
			reconciliation.CategoryDuplicateRecord,
			text(d.ID),
			"",
			"",
			"",
			"",
			"",
			"",
			"",
			d.Side + " x" + strconv.Itoa(d.Occurrences),
		})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest returns a hex BLAKE2b-256 digest of b, used as an entity tag.
func Digest(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FileName is the attachment name for a report of date.
func FileName(date string) string {
	return fmt.Sprintf("reconciliation_report_%s.csv", date)
}

func pairRow(category string, in ledger.Transaction, ext reconciliation.ExternalRecord, delta decimal.Decimal) []string {
	walletID := in.WalletID
	if walletID == "" {
		walletID = ext.WalletID
	}
	return []string{
		category,
		text(in.ID),
		text(walletID),
		string(in.Type),
		money(in.Amount),
		money(ext.Amount),
		money(delta),
		timestamp(in.AcceptedAt),
		text(ext.Date),
		"",
	}
}

// text neutralizes client-supplied cells a spreadsheet would evaluate as a
// formula by prefixing them with a single quote. Money columns are written by
// money and keep their sign.
func text(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// money prints two decimals unless that would hide precision the record
// actually carries.
func money(d decimal.Decimal) string {
	if !d.Equal(d.Round(ledger.AmountScale)) {
		return d.String()
	}
	return d.StringFixed(ledger.AmountScale)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
