package reconciliation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletrecon/internal/ledger"
)

// DateLayout is the calendar date format used for report dates.
const DateLayout = "2006-01-02"

var (
	// ErrDuplicateRecord flags an id seen more than once within one side of a
	// reconciliation. It is reported as a diagnostic, never returned.
	ErrDuplicateRecord = errors.New("duplicate record")

	// ErrExternalSourceUnavailable means the external records could not be
	// read completely.
	ErrExternalSourceUnavailable = errors.New("external source unavailable")

	// ErrExternalSourceNotFound means no external record set exists for the date.
	ErrExternalSourceNotFound = errors.New("no external source for date")

	// ErrMalformedRecord is wrapped together with ErrExternalSourceUnavailable
	// when the external data cannot be parsed.
	ErrMalformedRecord = errors.New("malformed external record")

	// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")

	// ErrTimeout is returned when fetching either side exceeds the deadline.
	ErrTimeout = errors.New("reconciliation timed out")
)

const (
	CategoryMatched           = "MATCHED"
	CategoryMismatched        = "MISMATCHED"
	CategoryMissingInExternal = "MISSING_IN_EXTERNAL"
	CategoryMissingInInternal = "MISSING_IN_INTERNAL"
	CategoryDuplicateRecord   = "DUPLICATE_RECORD"
)

const (
	SideInternal = "internal"
	SideExternal = "external"
)

// ExternalRecord is one entry of the independently produced record set.
type ExternalRecord struct {
	ID       string          `json:"transactionId"`
	WalletID string          `json:"walletId,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Date     string          `json:"date,omitempty"`
}

// Match pairs records whose amounts agree within epsilon.
type Match struct {
	Internal ledger.Transaction `json:"internal"`
	External ExternalRecord     `json:"external"`
}

// Mismatch pairs records whose amounts differ. Delta is external - internal.
type Mismatch struct {
	Internal ledger.Transaction `json:"internal"`
	External ExternalRecord     `json:"external"`
	Delta    decimal.Decimal    `json:"delta"`
}

// Diagnostic describes an id excluded from classification.
type Diagnostic struct {
	ID          string `json:"id"`
	Side        string `json:"side"`
	Occurrences int    `json:"occurrences"`
	Reason      string `json:"reason"`
}

// Report is the outcome of reconciling one calendar date. Every category is
// sorted by transaction id.
type Report struct {
	Date              string               `json:"date"`
	Provisional       bool                 `json:"provisional"`
	TotalInternal     int                  `json:"totalInternal"`
	TotalExternal     int                  `json:"totalExternal"`
	Matched           []Match              `json:"matched"`
	Mismatched        []Mismatch           `json:"mismatched"`
	MissingInExternal []ledger.Transaction `json:"missingInExternal"`
	MissingInInternal []ExternalRecord     `json:"missingInInternal"`
	Diagnostics       []Diagnostic         `json:"diagnostics"`
}

// Summary carries the counts served by the report endpoint.
type Summary struct {
	ReportDate                string `json:"reportDate"`
	MatchedCount              int    `json:"matchedCount"`
	MismatchedCount           int    `json:"mismatchedCount"`
	MissingInExternalCount    int    `json:"missingInExternalCount"`
	MissingInInternalCount    int    `json:"missingInInternalCount"`
	TotalInternalTransactions int    `json:"totalInternalTransactions"`
	TotalExternalTransactions int    `json:"totalExternalTransactions"`
	DiagnosticsCount          int    `json:"diagnosticsCount"`
	Provisional               bool   `json:"provisional"`
}

// Summary reduces the report to its counts.
func (r Report) Summary() Summary {
	return Summary{
		ReportDate:                r.Date,
		MatchedCount:              len(r.Matched),
		MismatchedCount:           len(r.Mismatched),
		MissingInExternalCount:    len(r.MissingInExternal),
		MissingInInternalCount:    len(r.MissingInInternal),
		TotalInternalTransactions: r.TotalInternal,
		TotalExternalTransactions: r.TotalExternal,
		DiagnosticsCount:          len(r.Diagnostics),
		Provisional:               r.Provisional,
	}
}

// Counts returns the number of items per category.
func (r Report) Counts() map[string]int {
	return map[string]int{
		CategoryMatched:           len(r.Matched),
		CategoryMismatched:        len(r.Mismatched),
		CategoryMissingInExternal: len(r.MissingInExternal),
		CategoryMissingInInternal: len(r.MissingInInternal),
		CategoryDuplicateRecord:   len(r.Diagnostics),
	}
}

// ParseDate parses a YYYY-MM-DD date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return day, nil
}
