package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletrecon/internal/ledger"
	"github.com/congo-pay/walletrecon/internal/logging"
	"github.com/congo-pay/walletrecon/internal/metrics"
	"github.com/congo-pay/walletrecon/internal/notification"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event notification.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	ledger.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Commit(ctx context.Context, tx ledger.Transaction, expectedVersion int64) error {
	s.mu.Lock()
	if s.conflicts != 0 {
		if s.conflicts > 0 {
			s.conflicts--
		}
		s.mu.Unlock()
		return ledger.ErrConcurrencyConflict
	}
	s.mu.Unlock()
	return s.Store.Commit(ctx, tx, expectedVersion)
}

func newTestService(store ledger.Store, pub notification.Publisher) *Service {
	return NewService(store, pub, metrics.New(), logging.Discard(), Options{MaxRetries: 3, RetryBackoff: time.Millisecond})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestServiceBalanceOfUnknownWalletIsZero(t *testing.T) {
	svc := newTestService(ledger.NewInMemory(), nil)
	w, err := svc.Balance(context.Background(), "w-new")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !w.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", w.Balance)
	}
}

func TestServiceTopUpAndConsume(t *testing.T) {
	svc := newTestService(ledger.NewInMemory(), nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "w1", dec("100"), "t1"); err != nil {
		t.Fatalf("topup: %v", err)
	}
	res, err := svc.Consume(ctx, "w1", dec("30"), "t2")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.Transaction.ResultingBalance.Equal(dec("70")) {
		t.Fatalf("expected resulting balance 70, got %s", res.Transaction.ResultingBalance)
	}

	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.Equal(dec("70")) || w.Version != 2 {
		t.Fatalf("unexpected wallet %+v", w)
	}
}

func TestServiceConsumeInsufficientFundsIsRecorded(t *testing.T) {
	store := ledger.NewInMemory()
	svc := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "w1", dec("50"), "t1"); err != nil {
		t.Fatalf("topup: %v", err)
	}
	res, err := svc.Consume(ctx, "w1", dec("100"), "t2")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if res.Transaction.Status != ledger.StatusRejected {
		t.Fatalf("expected rejected status, got %s", res.Transaction.Status)
	}

	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.Equal(dec("50")) || w.Version != 1 {
		t.Fatalf("rejected consume changed wallet: %+v", w)
	}

	logged, err := store.Transaction(ctx, "w1", "t2")
	if err != nil {
		t.Fatalf("rejected transaction not logged: %v", err)
	}
	if logged.Status != ledger.StatusRejected {
		t.Fatalf("expected logged status rejected, got %s", logged.Status)
	}

	// replaying the rejected id returns the same outcome
	if _, err := svc.Consume(ctx, "w1", dec("100"), "t2"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected replayed rejection, got %v", err)
	}
	// a top-up does not turn an old rejection into an acceptance
	if _, err := svc.TopUp(ctx, "w1", dec("500"), "t3"); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if _, err := svc.Consume(ctx, "w1", dec("100"), "t2"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected replayed rejection after topup, got %v", err)
	}
}

func TestServiceRejectsInvalidInput(t *testing.T) {
	store := ledger.NewInMemory()
	svc := newTestService(store, nil)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.001", "1e25", "1000000000000000000", "1e20000000", "1e-20000000"} {
		if _, err := svc.TopUp(ctx, "w1", dec(amount), "t-"+amount); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("topup %s: expected invalid amount, got %v", amount, err)
		}
		if _, err := svc.Consume(ctx, "w1", dec(amount), "c-"+amount); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("consume %s: expected invalid amount, got %v", amount, err)
		}
	}
	if _, err := svc.TopUp(ctx, "w1", dec("1"), ""); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid id, got %v", err)
	}
	if _, err := svc.TopUp(ctx, " ", dec("1"), "t1"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid wallet id, got %v", err)
	}

	log, _ := store.Transactions(ctx, "w1", 0, 0)
	if len(log) != 0 {
		t.Fatalf("invalid requests must not be logged, got %d entries", len(log))
	}
}

func TestServiceRejectsOversizedAmountsQuickly(t *testing.T) {
	svc := newTestService(ledger.NewInMemory(), nil)

	start := time.Now()
	if _, err := svc.TopUp(context.Background(), "w1", dec("1e20000000"), "huge"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("oversized amount took %s to reject", elapsed)
	}
}

func TestServiceTopUpCannotExceedMaximumBalance(t *testing.T) {
	store := ledger.NewInMemory()
	svc := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "w1", ledger.MaxAmount, "t1"); err != nil {
		t.Fatalf("topup to maximum: %v", err)
	}
	if _, err := svc.TopUp(ctx, "w1", dec("0.01"), "t2"); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount past the maximum balance, got %v", err)
	}

	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.Equal(ledger.MaxAmount) || w.Version != 1 {
		t.Fatalf("overflowing top-up changed wallet: %+v", w)
	}
	if _, err := store.Transaction(ctx, "w1", "t2"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("overflowing top-up must not be logged, got %v", err)
	}
}

func TestServiceTopUpIsIdempotent(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(ledger.NewInMemory(), pub)
	ctx := context.Background()

	first, err := svc.TopUp(ctx, "w1", dec("100"), "t1")
	if err != nil {
		t.Fatalf("first topup: %v", err)
	}
	second, err := svc.TopUp(ctx, "w1", dec("100"), "t1")
	if err != nil {
		t.Fatalf("second topup: %v", err)
	}
	if !second.Replayed || first.Replayed {
		t.Fatalf("expected only the second call to be a replay")
	}
	if !second.Transaction.ResultingBalance.Equal(first.Transaction.ResultingBalance) {
		t.Fatalf("replay returned %s, want %s", second.Transaction.ResultingBalance, first.Transaction.ResultingBalance)
	}

	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.Equal(dec("100")) {
		t.Fatalf("expected balance 100, got %s", w.Balance)
	}
	if pub.count() != 1 {
		t.Fatalf("expected one published event, got %d", pub.count())
	}
}

func TestServiceConcurrentDuplicatesApplyOnce(t *testing.T) {
	svc := newTestService(ledger.NewInMemory(), nil)
	ctx := context.Background()

	const callers = 20
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.TopUp(ctx, "w1", dec("25.50"), "same-id")
			if err != nil {
				t.Errorf("topup %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Transaction.ResultingBalance.Equal(dec("25.50")) {
			t.Fatalf("caller %d saw resulting balance %s", i, res.Transaction.ResultingBalance)
		}
	}
	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.Equal(dec("25.50")) || w.Version != 1 {
		t.Fatalf("duplicate applied more than once: %+v", w)
	}
}

func TestServiceConcurrentConsumesNeverOverdraw(t *testing.T) {
	store := ledger.NewInMemory()
	svc := newTestService(store, nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "w1", dec("100"), "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const callers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(ctx, "w1", dec("10"), fmt.Sprintf("c-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("consume %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 10 || rejected != callers-10 {
		t.Fatalf("expected 10 accepted and %d rejected, got %d/%d", callers-10, accepted, rejected)
	}
	w, _ := svc.Balance(ctx, "w1")
	if !w.Balance.IsZero() || w.Version != 11 {
		t.Fatalf("unexpected final wallet %+v", w)
	}
	if _, err := svc.Verify(ctx, "w1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestServiceConcurrentMixedOperationsAreSerializable(t *testing.T) {
	store := ledger.NewInMemory()
	svc := newTestService(store, nil)
	ctx := context.Background()

	const callers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	toppedUp, consumed := decimal.Zero, decimal.Zero
	accepted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			amount := dec(fmt.Sprintf("%d.25", i%7+1))
			if i%2 == 0 {
				_, err = svc.TopUp(ctx, "w1", amount, fmt.Sprintf("t-%d", i))
			} else {
				_, err = svc.Consume(ctx, "w1", amount.Mul(dec("2")), fmt.Sprintf("c-%d", i))
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && i%2 == 0:
				toppedUp = toppedUp.Add(amount)
				accepted++
			case err == nil:
				consumed = consumed.Add(amount.Mul(dec("2")))
				accepted++
			case errors.Is(err, ledger.ErrInsufficientFunds):
			default:
				t.Errorf("operation %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	w, err := svc.Balance(ctx, "w1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if want := toppedUp.Sub(consumed); !w.Balance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, w.Balance)
	}
	if w.Version != int64(accepted) {
		t.Fatalf("expected version %d, got %d", accepted, w.Version)
	}

	log, err := store.Transactions(ctx, "w1", 0, 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(log) != callers {
		t.Fatalf("expected %d log entries, got %d", callers, len(log))
	}
	// replaying the log in append order must reproduce every recorded balance
	running := decimal.Zero
	for _, tx := range log {
		if tx.ResultingBalance.IsNegative() {
			t.Fatalf("balance went negative at %s: %s", tx.ID, tx.ResultingBalance)
		}
		if !tx.Accepted() {
			continue
		}
		if tx.Type == ledger.TypeTopUp {
			running = running.Add(tx.Amount)
		} else {
			running = running.Sub(tx.Amount)
		}
		if !running.Equal(tx.ResultingBalance) {
			t.Fatalf("%s recorded balance %s, replay gives %s", tx.ID, tx.ResultingBalance, running)
		}
	}
	if _, err := svc.Verify(ctx, "w1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestServiceRetriesVersionConflicts(t *testing.T) {
	store := &conflictingStore{Store: ledger.NewInMemory(), conflicts: 2}
	svc := newTestService(store, nil)

	res, err := svc.TopUp(context.Background(), "w1", dec("10"), "t1")
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if !res.Transaction.ResultingBalance.Equal(dec("10")) {
		t.Fatalf("unexpected balance %s", res.Transaction.ResultingBalance)
	}
}

func TestServiceSurfacesBusyAfterRetryBudget(t *testing.T) {
	store := &conflictingStore{Store: ledger.NewInMemory(), conflicts: -1}
	svc := newTestService(store, nil)

	_, err := svc.TopUp(context.Background(), "w1", dec("10"), "t1")
	if !errors.Is(err, ErrLedgerBusy) {
		t.Fatalf("expected ledger busy, got %v", err)
	}
	if errors.Is(err, ledger.ErrConcurrencyConflict) {
		t.Fatalf("conflict must not leak to callers: %v", err)
	}
}

func TestServiceLockTimeout(t *testing.T) {
	svc := NewService(ledger.NewInMemory(), nil, nil, logging.Discard(), Options{LockTimeout: 10 * time.Millisecond})
	release, err := svc.locks.Acquire(context.Background(), "w1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := svc.TopUp(context.Background(), "w1", dec("1"), "t1"); !errors.Is(err, ErrLedgerBusy) {
		t.Fatalf("expected ledger busy, got %v", err)
	}
	// other wallets are unaffected
	if _, err := svc.TopUp(context.Background(), "w2", dec("1"), "t1"); err != nil {
		t.Fatalf("topup on other wallet: %v", err)
	}
}

func TestServiceHistory(t *testing.T) {
	svc := newTestService(ledger.NewInMemory(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.TopUp(ctx, "w1", dec("1"), fmt.Sprintf("t%d", i)); err != nil {
			t.Fatalf("topup: %v", err)
		}
	}
	_, _ = svc.Consume(ctx, "w1", dec("50"), "too-much")

	txs, err := svc.History(ctx, "w1", 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 4 || txs[3].Status != ledger.StatusRejected {
		t.Fatalf("unexpected history %+v", txs)
	}
}
