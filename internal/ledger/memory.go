package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type txKey struct {
	walletID      string
	transactionID string
}

type memoryStore struct {
	mu       sync.RWMutex
	wallets  map[string]Wallet
	log      []Transaction
	index    map[txKey]int
	byWallet map[string][]int
}

// NewInMemory creates a concurrency-safe in-memory store useful for tests and
// local development.
func NewInMemory() Store {
	return &memoryStore{
		wallets:  make(map[string]Wallet),
		index:    make(map[txKey]int),
		byWallet: make(map[string][]int),
	}
}

func (s *memoryStore) Wallet(_ context.Context, walletID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[walletID]; ok {
		return w, nil
	}
	return Wallet{ID: walletID}, nil
}

func (s *memoryStore) Transaction(_ context.Context, walletID, transactionID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[txKey{walletID, transactionID}]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.log[i], nil
}

func (s *memoryStore) Commit(_ context.Context, tx Transaction, expectedVersion int64) error {
	if err := validateCommit(tx, expectedVersion); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.wallets[tx.WalletID]
	if current.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	key := txKey{tx.WalletID, tx.ID}
	if _, exists := s.index[key]; exists {
		return ErrDuplicateTransaction
	}

	s.log = append(s.log, tx)
	pos := len(s.log) - 1
	s.index[key] = pos
	s.byWallet[tx.WalletID] = append(s.byWallet[tx.WalletID], pos)

	if tx.Accepted() {
		s.wallets[tx.WalletID] = Wallet{
			ID:        tx.WalletID,
			Balance:   tx.ResultingBalance,
			Version:   tx.WalletVersion,
			UpdatedAt: tx.AcceptedAt,
		}
	}
	return nil
}

func (s *memoryStore) Transactions(_ context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.byWallet[walletID]
	if offset >= len(positions) {
		return []Transaction{}, nil
	}
	positions = positions[offset:]
	if limit > 0 && limit < len(positions) {
		positions = positions[:limit]
	}

	out := make([]Transaction, 0, len(positions))
	for _, pos := range positions {
		out = append(out, s.log[pos])
	}
	return out, nil
}

func (s *memoryStore) AcceptedBetween(_ context.Context, from, to time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.log {
		if !tx.Accepted() {
			continue
		}
		if tx.AcceptedAt.Before(from) || !tx.AcceptedAt.Before(to) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out, nil
}
