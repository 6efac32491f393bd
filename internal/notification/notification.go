package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindTopUpAccepted is emitted after a top-up is committed.
	KindTopUpAccepted = "wallet.topup.accepted"
	// KindConsumeAccepted is emitted after a consume is committed.
	KindConsumeAccepted = "wallet.consume.accepted"
)

// Event describes a committed ledger mutation.
type Event struct {
	EventID       string    `json:"eventId"`
	Kind          string    `json:"kind"`
	WalletID      string    `json:"walletId"`
	TransactionID string    `json:"transactionId"`
	Amount        string    `json:"amount"`
	Balance       string    `json:"balance"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Publisher delivers ledger events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger. It is the default
// when no broker is configured.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("ledger event",
		slog.String("kind", event.Kind),
		slog.String("wallet_id", event.WalletID),
		slog.String("transaction_id", event.TransactionID),
		slog.String("amount", event.Amount),
		slog.String("balance", event.Balance),
	)
	return nil
}
