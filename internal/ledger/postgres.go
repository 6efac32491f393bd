package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const transactionColumns = `wallet_id, transaction_id, type, amount::text, status,
        resulting_balance::text, wallet_version, accepted_at`

// PostgresStore persists the transaction log and wallet projection in
// PostgreSQL. Commits for the same wallet are serialized with a transaction
// scoped advisory lock.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables the store needs if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger schema: %w", err)
		}
	}
	return nil
}

// Wallet reads balance and version from a single row.
func (s *PostgresStore) Wallet(ctx context.Context, walletID string) (Wallet, error) {
	const query = `SELECT balance::text, version, updated_at FROM wallets WHERE id = $1`
	w := Wallet{ID: walletID}
	var balance string
	var updatedAt time.Time
	if err := s.db.QueryRow(ctx, query, walletID).Scan(&balance, &w.Version, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return w, nil
		}
		return Wallet{}, fmt.Errorf("query wallet %s: %w", walletID, err)
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	w.Balance = amount
	w.UpdatedAt = updatedAt.UTC()
	return w, nil
}

// Transaction fetches a logged transaction by its idempotency key.
func (s *PostgresStore) Transaction(ctx context.Context, walletID, transactionID string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions
        WHERE wallet_id = $1 AND transaction_id = $2`
	tx, err := scanTransaction(s.db.QueryRow(ctx, query, walletID, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

// Commit appends the transaction and, when accepted, upserts the wallet row in
// one database transaction.
func (s *PostgresStore) Commit(ctx context.Context, t Transaction, expectedVersion int64) error {
	if err := validateCommit(t, expectedVersion); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.WalletID); err != nil {
		return fmt.Errorf("lock wallet %s: %w", t.WalletID, err)
	}

	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM wallets WHERE id = $1 FOR UPDATE`, t.WalletID).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read wallet version: %w", err)
	}
	if version != expectedVersion {
		return ErrConcurrencyConflict
	}

	const insertTx = `INSERT INTO ledger_transactions
        (wallet_id, transaction_id, type, amount, status, resulting_balance, wallet_version, accepted_at)
        VALUES ($1, $2, $3, $4::text::numeric, $5, $6::text::numeric, $7, $8)`
	if _, err := tx.Exec(ctx, insertTx, t.WalletID, t.ID, string(t.Type), t.Amount.String(), string(t.Status),
		t.ResultingBalance.String(), t.WalletVersion, t.AcceptedAt.UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("append transaction: %w", err)
	}

	if t.Accepted() {
		const upsertWallet = `INSERT INTO wallets (id, balance, version, updated_at)
            VALUES ($1, $2::text::numeric, $3, $4)
            ON CONFLICT (id) DO UPDATE
            SET balance = EXCLUDED.balance, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`
		if _, err := tx.Exec(ctx, upsertWallet, t.WalletID, t.ResultingBalance.String(), t.WalletVersion, t.AcceptedAt.UTC()); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Transactions lists a wallet's log in append order.
func (s *PostgresStore) Transactions(ctx context.Context, walletID string, limit, offset int) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions
        WHERE wallet_id = $1 ORDER BY seq OFFSET $2`
	args := []any{walletID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wallet transactions: %w", err)
	}
	return collectTransactions(rows)
}

// AcceptedBetween returns accepted transactions in [from, to).
func (s *PostgresStore) AcceptedBetween(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions
        WHERE status = 'ACCEPTED' AND accepted_at >= $1 AND accepted_at < $2
        ORDER BY accepted_at, seq`
	rows, err := s.db.Query(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query accepted transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                Transaction
		txType, status    string
		amount, resulting string
	)
	if err := row.Scan(&tx.WalletID, &tx.ID, &txType, &amount, &status, &resulting, &tx.WalletVersion, &tx.AcceptedAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if tx.ResultingBalance, err = decimal.NewFromString(resulting); err != nil {
		return Transaction{}, fmt.Errorf("parse resulting balance: %w", err)
	}
	tx.Type = TxType(txType)
	tx.Status = Status(status)
	tx.AcceptedAt = tx.AcceptedAt.UTC()
	return tx, nil
}
