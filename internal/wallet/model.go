package wallet

import (
	"time"

	"github.com/congo-pay/walletrecon/internal/ledger"
)

// Result is the outcome of a top-up or consume. Replayed is set when the
// transaction id had already been processed and nothing was reapplied.
type Result struct {
	Transaction ledger.Transaction
	Replayed    bool
}

// Options tunes the ledger critical section.
type Options struct {
	// MaxRetries bounds how often a version conflict is retried.
	MaxRetries int
	// RetryBackoff is the initial backoff between conflict retries.
	RetryBackoff time.Duration
	// LockTimeout caps how long a request waits for its wallet's lock. Zero
	// waits until the request context ends.
	LockTimeout time.Duration
}
