package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRabbitMQ(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.12-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate rabbitmq container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("rabbitmq host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatalf("rabbitmq port: %v", err)
	}
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestAMQPPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rabbitmq integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := startRabbitMQ(t, ctx)
	const exchange = "wallet.events.test"

	publisher, err := NewAMQPPublisher(url, exchange)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial consumer: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("consumer channel: %v", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(queue.Name, "wallet.topup.*", exchange, false, nil); err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	sent := Event{
		EventID:       "e1",
		Kind:          KindTopUpAccepted,
		WalletID:      "w1",
		TransactionID: "t1",
		Amount:        "100.00",
		Balance:       "100.00",
		OccurredAt:    time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	// not bound to the queue's routing key
	if err := publisher.Publish(ctx, Event{EventID: "e0", Kind: KindConsumeAccepted, WalletID: "w1"}); err != nil {
		t.Fatalf("publish consume event: %v", err)
	}
	if err := publisher.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-deliveries:
		if msg.RoutingKey != KindTopUpAccepted {
			t.Fatalf("expected routing key %s, got %s", KindTopUpAccepted, msg.RoutingKey)
		}
		if msg.ContentType != "application/json" || msg.MessageId != "e1" {
			t.Fatalf("unexpected message properties: %s %s", msg.ContentType, msg.MessageId)
		}
		if msg.DeliveryMode != amqp.Persistent {
			t.Fatalf("expected persistent delivery, got %d", msg.DeliveryMode)
		}
		var got Event
		if err := json.Unmarshal(msg.Body, &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if !got.OccurredAt.Equal(sent.OccurredAt) {
			t.Fatalf("expected occurredAt %s, got %s", sent.OccurredAt, got.OccurredAt)
		}
		got.OccurredAt = sent.OccurredAt
		if got != sent {
			t.Fatalf("expected %+v, got %+v", sent, got)
		}
	case <-ctx.Done():
		t.Fatalf("no event delivered: %v", ctx.Err())
	}

	select {
	case msg := <-deliveries:
		t.Fatalf("unexpected extra delivery %s", msg.RoutingKey)
	case <-time.After(200 * time.Millisecond):
	}
}
