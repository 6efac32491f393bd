package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when an amount is zero, negative, above
	// MaxAmount or carries more precision than the ledger stores.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds occurs when a consume would drive the wallet balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the (wallet, transaction) pair is already
	// present in the log.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrConcurrencyConflict is returned by Store.Commit when the wallet version
	// moved since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTransactionNotFound is returned when no transaction exists for a
	// (wallet, transaction) pair.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrProjectionDrift means a wallet no longer equals the replay of its log.
	ErrProjectionDrift = errors.New("wallet projection drift")
)

// AmountScale is the number of fractional digits money values may carry.
const AmountScale = 2

// maxIntegerDigits matches the NUMERIC(20, 2) columns of the Postgres schema.
const maxIntegerDigits = 18

// MaxAmount is the largest amount or balance the ledger stores.
var MaxAmount = decimal.New(1, maxIntegerDigits).Sub(decimal.New(1, -AmountScale))

// TxType distinguishes credits from debits.
type TxType string

const (
	TypeTopUp   TxType = "TOPUP"
	TypeConsume TxType = "CONSUME"
)

// Status records whether a transaction changed the balance.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// Wallet is the balance projection of a wallet's accepted transactions.
// An unseen wallet is the zero Wallet carrying only its ID.
type Wallet struct {
	ID        string
	Balance   decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// Transaction is an immutable log entry. Rejected transactions are kept for
// audit and never affect the balance.
type Transaction struct {
	ID               string
	WalletID         string
	Type             TxType
	Amount           decimal.Decimal
	Status           Status
	ResultingBalance decimal.Decimal
	WalletVersion    int64
	AcceptedAt       time.Time
}

// Accepted reports whether the transaction was applied to the balance.
func (t Transaction) Accepted() bool {
	return t.Status == StatusAccepted
}

// Store combines the append-only transaction log with the wallet projection it
// feeds. Commit is the only write path and applies both atomically.
type Store interface {
	// Wallet returns a consistent snapshot of balance and version.
	Wallet(ctx context.Context, walletID string) (Wallet, error)
	// Transaction looks up a logged transaction by its idempotency key.
	Transaction(ctx context.Context, walletID, transactionID string) (Transaction, error)
	// Commit appends tx when the wallet is still at expectedVersion. Accepted
	// transactions also move the wallet to tx.ResultingBalance and tx.WalletVersion.
	Commit(ctx context.Context, tx Transaction, expectedVersion int64) error
	// Transactions lists a wallet's log in append order. A limit of 0 means no limit.
	Transactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error)
	// AcceptedBetween returns accepted transactions of every wallet with
	// from <= AcceptedAt < to.
	AcceptedBetween(ctx context.Context, from, to time.Time) ([]Transaction, error)
}

// ValidateAmount rejects non-positive amounts, amounts above MaxAmount and
// amounts finer than AmountScale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !withinScale(amount) {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(MaxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

// withinScale reports whether a positive amount has at most
// maxIntegerDigits integer digits and no significant digit past AmountScale.
// Magnitude is judged from the coefficient length and the exponent alone, so
// values such as 1e20000000 or 1e-20000000 are refused without being rescaled.
func withinScale(amount decimal.Decimal) bool {
	digits := amount.NumDigits()
	exp := int(amount.Exponent())
	if digits+exp > maxIntegerDigits {
		return false
	}
	if exp >= -AmountScale {
		return true
	}
	if -exp-AmountScale > digits {
		return false
	}
	return amount.Equal(amount.Truncate(AmountScale))
}

func validateCommit(tx Transaction, expectedVersion int64) error {
	if tx.WalletID == "" || tx.ID == "" {
		return errors.New("wallet id and transaction id are required")
	}
	if err := ValidateAmount(tx.Amount); err != nil {
		return err
	}
	if tx.Accepted() {
		if tx.WalletVersion != expectedVersion+1 {
			return errors.New("accepted transaction must advance the wallet version by one")
		}
		if tx.ResultingBalance.IsNegative() {
			return ErrInsufficientFunds
		}
		if tx.ResultingBalance.GreaterThan(MaxAmount) {
			return ErrInvalidAmount
		}
	}
	return nil
}
