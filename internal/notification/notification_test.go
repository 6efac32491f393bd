package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoggerPublisherWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewLoggerPublisher(logger)

	err := p.Publish(context.Background(), Event{
		EventID:       "e1",
		Kind:          KindTopUpAccepted,
		WalletID:      "w1",
		TransactionID: "t1",
		Amount:        "100.00",
		Balance:       "100.00",
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["kind"] != KindTopUpAccepted || line["wallet_id"] != "w1" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNilLoggerPublisherIsNoop(t *testing.T) {
	var p *LoggerPublisher
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
