package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletrecon/internal/ledger"
	"github.com/congo-pay/walletrecon/internal/metrics"
	"github.com/congo-pay/walletrecon/internal/notification"
	"github.com/congo-pay/walletrecon/internal/resilience"
)

const (
	maxIDLength         = 128
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	publishTimeout      = 2 * time.Second
)

var (
	// ErrInvalidID indicates a missing or oversized wallet or transaction id.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrLedgerBusy is returned when a wallet could not be locked in time or
	// version conflicts persisted past the retry budget.
	ErrLedgerBusy = errors.New("ledger busy, retry later")
)

// Service applies top-ups and consumes to wallets. Operations on one wallet
// are serialized; operations on different wallets run in parallel.
type Service struct {
	store       ledger.Store
	locks       *resilience.KeyedLock
	publisher   notification.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	retry       resilience.Config
	lockTimeout time.Duration
	now         func() time.Time
}

// NewService builds a wallet service. publisher and m may be nil.
func NewService(store ledger.Store, publisher notification.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Service{
		store:       store,
		locks:       resilience.NewKeyedLock(),
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		retry:       resilience.Config{MaxRetries: opts.MaxRetries, InitialBackoff: opts.RetryBackoff},
		lockTimeout: opts.LockTimeout,
		now:         time.Now,
	}
}

// Balance returns the wallet snapshot. Unknown wallets have a zero balance.
func (s *Service) Balance(ctx context.Context, walletID string) (ledger.Wallet, error) {
	if err := validateID("walletId", walletID); err != nil {
		return ledger.Wallet{}, err
	}
	w, err := s.store.Wallet(ctx, walletID)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("balance: failed to read wallet: %w", err)
	}
	return w, nil
}

// TopUp credits amount to the wallet, creating it on first use.
func (s *Service) TopUp(ctx context.Context, walletID string, amount decimal.Decimal, transactionID string) (Result, error) {
	return s.apply(ctx, ledger.TypeTopUp, walletID, amount, transactionID)
}

// Consume debits amount from the wallet. When funds are short the attempt is
// logged as rejected and ErrInsufficientFunds is returned.
func (s *Service) Consume(ctx context.Context, walletID string, amount decimal.Decimal, transactionID string) (Result, error) {
	return s.apply(ctx, ledger.TypeConsume, walletID, amount, transactionID)
}

// History returns a page of the wallet's transaction log, rejected entries
// included.
func (s *Service) History(ctx context.Context, walletID string, limit, offset int) ([]ledger.Transaction, error) {
	if err := validateID("walletId", walletID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := s.store.Transactions(ctx, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history: failed to list transactions: %w", err)
	}
	return txs, nil
}

// Verify replays the wallet's log and checks it against the stored balance.
func (s *Service) Verify(ctx context.Context, walletID string) (ledger.Wallet, error) {
	if err := validateID("walletId", walletID); err != nil {
		return ledger.Wallet{}, err
	}
	release, err := s.acquire(ctx, walletID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	defer release()

	w, err := s.store.Wallet(ctx, walletID)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("verify: failed to read wallet: %w", err)
	}
	log, err := s.store.Transactions(ctx, walletID, 0, 0)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("verify: failed to read log: %w", err)
	}
	if err := ledger.CheckProjection(w, log); err != nil {
		s.logger.Error("wallet projection drift", slog.String("wallet_id", walletID), slog.Any("error", err))
		return w, err
	}
	return w, nil
}

func (s *Service) apply(ctx context.Context, typ ledger.TxType, walletID string, amount decimal.Decimal, transactionID string) (Result, error) {
	start := time.Now()
	operation := strings.ToLower(string(typ))

	if err := validateID("walletId", walletID); err != nil {
		s.metrics.ObserveLedger(operation, "invalid", time.Since(start))
		return Result{}, err
	}
	if err := validateID("transactionId", transactionID); err != nil {
		s.metrics.ObserveLedger(operation, "invalid", time.Since(start))
		return Result{}, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		s.metrics.ObserveLedger(operation, "invalid", time.Since(start))
		return Result{}, err
	}

	res, err := s.commitLocked(ctx, typ, walletID, amount, transactionID)
	s.metrics.ObserveLedger(operation, outcome(res, err), time.Since(start))
	if err != nil {
		return res, err
	}

	if !res.Replayed {
		s.publish(res.Transaction)
	}
	return res, nil
}

func (s *Service) commitLocked(ctx context.Context, typ ledger.TxType, walletID string, amount decimal.Decimal, transactionID string) (Result, error) {
	release, err := s.acquire(ctx, walletID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var res Result
	err = resilience.RetryWithBackoff(ctx, s.retry, func() error {
		r, err := s.attempt(ctx, typ, walletID, amount, transactionID)
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			s.metrics.IncConflict()
			s.logger.Debug("wallet version conflict, retrying", slog.String("wallet_id", walletID))
			return err
		}
		res = r
		return resilience.Permanent(err)
	})
	if errors.Is(err, ledger.ErrConcurrencyConflict) {
		s.logger.Warn("wallet conflict retries exhausted", slog.String("wallet_id", walletID), slog.String("transaction_id", transactionID))
		return Result{}, fmt.Errorf("%w: wallet %s", ErrLedgerBusy, walletID)
	}
	return res, err
}

// attempt runs one read-decide-commit cycle against the store.
func (s *Service) attempt(ctx context.Context, typ ledger.TxType, walletID string, amount decimal.Decimal, transactionID string) (Result, error) {
	existing, err := s.store.Transaction(ctx, walletID, transactionID)
	switch {
	case err == nil:
		return s.replay(existing, typ, amount)
	case !errors.Is(err, ledger.ErrTransactionNotFound):
		return Result{}, fmt.Errorf("%s: failed to look up transaction: %w", strings.ToLower(string(typ)), err)
	}

	w, err := s.store.Wallet(ctx, walletID)
	if err != nil {
		return Result{}, fmt.Errorf("%s: failed to read wallet: %w", strings.ToLower(string(typ)), err)
	}

	tx := ledger.Transaction{
		ID:               transactionID,
		WalletID:         walletID,
		Type:             typ,
		Amount:           amount,
		Status:           ledger.StatusAccepted,
		ResultingBalance: w.Balance.Add(amount),
		WalletVersion:    w.Version + 1,
		AcceptedAt:       s.now().UTC(),
	}
	if typ == ledger.TypeTopUp && tx.ResultingBalance.GreaterThan(ledger.MaxAmount) {
		return Result{}, ledger.ErrInvalidAmount
	}
	if typ == ledger.TypeConsume {
		tx.ResultingBalance = w.Balance.Sub(amount)
		if tx.ResultingBalance.IsNegative() {
			tx.Status = ledger.StatusRejected
			tx.ResultingBalance = w.Balance
			tx.WalletVersion = w.Version
		}
	}

	if err := s.store.Commit(ctx, tx, w.Version); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			// another instance committed the same id first
			existing, ferr := s.store.Transaction(ctx, walletID, transactionID)
			if ferr != nil {
				return Result{}, fmt.Errorf("%s: failed to read raced transaction: %w", strings.ToLower(string(typ)), ferr)
			}
			return s.replay(existing, typ, amount)
		}
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%s: failed to commit: %w", strings.ToLower(string(typ)), err)
	}

	res := Result{Transaction: tx}
	if !tx.Accepted() {
		s.logger.Info("consume rejected",
			slog.String("wallet_id", walletID),
			slog.String("transaction_id", transactionID),
			slog.String("amount", amount.String()),
			slog.String("balance", w.Balance.String()),
		)
		return res, ledger.ErrInsufficientFunds
	}
	return res, nil
}

func (s *Service) replay(existing ledger.Transaction, typ ledger.TxType, amount decimal.Decimal) (Result, error) {
	if existing.Type != typ || !existing.Amount.Equal(amount) {
		s.logger.Warn("transaction id reused with a different payload",
			slog.String("wallet_id", existing.WalletID),
			slog.String("transaction_id", existing.ID),
			slog.String("recorded_type", string(existing.Type)),
			slog.String("requested_type", string(typ)),
		)
	}
	res := Result{Transaction: existing, Replayed: true}
	if !existing.Accepted() {
		return res, ledger.ErrInsufficientFunds
	}
	return res, nil
}

func (s *Service) acquire(ctx context.Context, walletID string) (func(), error) {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	release, err := s.locks.Acquire(lockCtx, walletID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: wallet %s", ErrLedgerBusy, walletID)
	}
	return release, nil
}

func (s *Service) publish(tx ledger.Transaction) {
	if s.publisher == nil {
		return
	}
	kind := notification.KindTopUpAccepted
	if tx.Type == ledger.TypeConsume {
		kind = notification.KindConsumeAccepted
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.publisher.Publish(ctx, notification.Event{
		EventID:       uuid.NewString(),
		Kind:          kind,
		WalletID:      tx.WalletID,
		TransactionID: tx.ID,
		Amount:        tx.Amount.StringFixed(ledger.AmountScale),
		Balance:       tx.ResultingBalance.StringFixed(ledger.AmountScale),
		OccurredAt:    tx.AcceptedAt,
	})
	if err != nil {
		s.metrics.IncPublishFailure()
		s.logger.Warn("publish ledger event", slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
}

func outcome(res Result, err error) string {
	switch {
	case res.Replayed:
		return "replayed"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "rejected"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid"
	case err != nil:
		return "error"
	default:
		return "accepted"
	}
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidID, field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidID, field, maxIDLength)
	}
	return nil
}
