package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nerdDan/braavos/internal/domain/event"
	"github.com/nerdDan/braavos/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// DepositCreatedChannel is the pub/sub channel deposit sightings land on.
const DepositCreatedChannel = "braavos.deposit.created"

// Publisher emits client-visible events. Publishers are called inside the
// scan transaction right after a fresh insert, before the commit, so a
// sighting never commits without its event. Delivery is therefore
// at-least-once (a rollback after a successful publish re-publishes on the
// next scan) and consumers dedup on (coin_symbol, tx_hash).
type Publisher interface {
	DepositCreated(ctx context.Context, e event.DepositCreated) error
}

// RedisPublisher publishes events to a redis pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(url string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{
		client: client,
		logger: logger.With("component", "publisher"),
	}, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) DepositCreated(ctx context.Context, e event.DepositCreated) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now().UTC()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal deposit event: %w", err)
	}
	if err := p.client.Publish(ctx, DepositCreatedChannel, payload).Err(); err != nil {
		metrics.EventPublishErrors.WithLabelValues(e.CoinSymbol.String()).Inc()
		return fmt.Errorf("publish deposit event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(e.CoinSymbol.String()).Inc()
	p.logger.Debug("deposit event published",
		"coin", e.CoinSymbol, "tx", e.TxHash, "client", e.ClientID)
	return nil
}

// NoopPublisher drops events. Used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) DepositCreated(_ context.Context, _ event.DepositCreated) error { return nil }
