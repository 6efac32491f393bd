package ledger

import "context"

// SeedTransactions commits accepted transactions with caller-chosen ids and
// timestamps, filling in resulting balance and version. Test helper.
func SeedTransactions(ctx context.Context, s Store, txs ...Transaction) error {
	for _, tx := range txs {
		w, err := s.Wallet(ctx, tx.WalletID)
		if err != nil {
			return err
		}
		tx.Status = StatusAccepted
		tx.WalletVersion = w.Version + 1
		if tx.Type == TypeConsume {
			tx.ResultingBalance = w.Balance.Sub(tx.Amount)
		} else {
			tx.Type = TypeTopUp
			tx.ResultingBalance = w.Balance.Add(tx.Amount)
		}
		if err := s.Commit(ctx, tx, w.Version); err != nil {
			return err
		}
	}
	return nil
}
