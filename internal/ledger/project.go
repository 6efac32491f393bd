package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Project rebuilds wallet projections by replaying log entries in append
// order. Rejected transactions are skipped.
func Project(log []Transaction) map[string]Wallet {
	wallets := make(map[string]Wallet)
	for _, tx := range log {
		if !tx.Accepted() {
			continue
		}
		w := wallets[tx.WalletID]
		w.ID = tx.WalletID
		switch tx.Type {
		case TypeTopUp:
			w.Balance = w.Balance.Add(tx.Amount)
		case TypeConsume:
			w.Balance = w.Balance.Sub(tx.Amount)
		}
		w.Version++
		w.UpdatedAt = tx.AcceptedAt
		wallets[tx.WalletID] = w
	}
	return wallets
}

// CheckProjection compares a stored wallet with the replay of its log.
func CheckProjection(stored Wallet, log []Transaction) error {
	replayed, ok := Project(log)[stored.ID]
	if !ok {
		replayed = Wallet{ID: stored.ID, Balance: decimal.Zero}
	}
	if !replayed.Balance.Equal(stored.Balance) || replayed.Version != stored.Version {
		return fmt.Errorf("%w: wallet %s stored balance=%s version=%d, replayed balance=%s version=%d",
			ErrProjectionDrift, stored.ID, stored.Balance, stored.Version, replayed.Balance, replayed.Version)
	}
	return nil
}
