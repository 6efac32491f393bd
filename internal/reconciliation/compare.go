package reconciliation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletrecon/internal/ledger"
)

// DefaultEpsilon is the amount tolerance below which two amounts match.
var DefaultEpsilon = decimal.RequireFromString("0.005")

// Compare classifies internal and external records of one date. It is a pure
// function: the inputs are not modified and equal inputs give equal reports.
//
// Ids that occur more than once on either side are excluded from every
// category and listed in Diagnostics instead.
func Compare(date string, internal []ledger.Transaction, external []ExternalRecord, epsilon decimal.Decimal) Report {
	byInternal := make(map[string][]ledger.Transaction, len(internal))
	for _, tx := range internal {
		byInternal[tx.ID] = append(byInternal[tx.ID], tx)
	}
	byExternal := make(map[string][]ExternalRecord, len(external))
	for _, rec := range external {
		byExternal[rec.ID] = append(byExternal[rec.ID], rec)
	}

	report := Report{
		Date:              date,
		TotalInternal:     len(internal),
		TotalExternal:     len(external),
		Matched:           []Match{},
		Mismatched:        []Mismatch{},
		MissingInExternal: []ledger.Transaction{},
		MissingInInternal: []ExternalRecord{},
		Diagnostics:       []Diagnostic{},
	}

	ambiguous := make(map[string]bool)
	for id, txs := range byInternal {
		if len(txs) > 1 {
			ambiguous[id] = true
			report.Diagnostics = append(report.Diagnostics, duplicate(id, SideInternal, len(txs)))
		}
	}
	for id, recs := range byExternal {
		if len(recs) > 1 {
			ambiguous[id] = true
			report.Diagnostics = append(report.Diagnostics, duplicate(id, SideExternal, len(recs)))
		}
	}

	for id, txs := range byInternal {
		if ambiguous[id] {
			continue
		}
		in := txs[0]
		recs, ok := byExternal[id]
		if !ok {
			report.MissingInExternal = append(report.MissingInExternal, in)
			continue
		}
		ext := recs[0]
		delta := ext.Amount.Sub(in.Amount)
		if withinTolerance(delta, epsilon) {
			report.Matched = append(report.Matched, Match{Internal: in, External: ext})
		} else {
			report.Mismatched = append(report.Mismatched, Mismatch{Internal: in, External: ext, Delta: delta})
		}
	}
	for id, recs := range byExternal {
		if ambiguous[id] {
			continue
		}
		if _, ok := byInternal[id]; !ok {
			report.MissingInInternal = append(report.MissingInInternal, recs[0])
		}
	}

	sort.Slice(report.Matched, func(i, j int) bool {
		return report.Matched[i].Internal.ID < report.Matched[j].Internal.ID
	})
	sort.Slice(report.Mismatched, func(i, j int) bool {
		return report.Mismatched[i].Internal.ID < report.Mismatched[j].Internal.ID
	})
	sort.Slice(report.MissingInExternal, func(i, j int) bool {
		return report.MissingInExternal[i].ID < report.MissingInExternal[j].ID
	})
	sort.Slice(report.MissingInInternal, func(i, j int) bool {
		return report.MissingInInternal[i].ID < report.MissingInInternal[j].ID
	})
	sort.Slice(report.Diagnostics, func(i, j int) bool {
		a, b := report.Diagnostics[i], report.Diagnostics[j]
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.ID < b.ID
	})

	return report
}

func withinTolerance(delta, epsilon decimal.Decimal) bool {
	return delta.IsZero() || delta.Abs().LessThan(epsilon)
}

func duplicate(id, side string, n int) Diagnostic {
	return Diagnostic{ID: id, Side: side, Occurrences: n, Reason: ErrDuplicateRecord.Error()}
}
