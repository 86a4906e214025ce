// Package rabbit provides the fanout-exchange publisher for discrepancy
// events.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inventoryops/stocktake/internal/resilience"
)

// Publisher publishes reconciliation events. The exchange is fanout, so
// every bound consumer receives every event regardless of routing key; the
// key still travels with the message for downstream dedup.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// Config holds broker connection parameters and publish limits.
type Config struct {
	Host      string
	Port      int
	Vhost     string
	Username  string
	Password  string
	Heartbeat time.Duration

	// Exchange is declared durable with type fanout on connect.
	Exchange string

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration

	// RatePerSec caps publishes per second across all workers; zero means
	// unlimited.
	RatePerSec int
}

// URL renders the amqp connection string. Vhost and heartbeat are applied
// via the dial config, not the URL. Userinfo is percent-escaped; query
// escaping would turn a space into '+', which the URI parser reads back as
// a literal plus.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/",
	}
	return u.String()
}

type amqpPublisher struct {
	cfg  Config
	conn *amqp.Connection

	// amqp channels are not safe for concurrent use; the emitter publishes
	// from several goroutines.
	mu      sync.Mutex
	ch      *amqp.Channel
	limiter *rate.Limiter
}

// Dial connects to the broker and declares the fanout exchange.
func Dial(cfg Config) (Publisher, error) {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Vhost:     cfg.Vhost,
		Heartbeat: cfg.Heartbeat,
	})
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "rabbit: dial"), 0)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "rabbit: open channel")
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, eris.Wrapf(err, "rabbit: declare exchange %s", cfg.Exchange)
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	zap.L().Info("rabbit: connected",
		zap.String("host", cfg.Host),
		zap.String("vhost", cfg.Vhost),
		zap.String("exchange", cfg.Exchange),
	)

	return &amqpPublisher{cfg: cfg, conn: conn, ch: ch, limiter: limiter}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "rabbit: marshal payload")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rabbit: rate limit wait")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "rabbit: publish to %s", p.cfg.Exchange), 0)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
