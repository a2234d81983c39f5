// Package cache mirrors the latest evaluation of every asset into Redis so that
// readers without RPC access can serve recent prices.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"price-oracle-aggregator/internal/oracle"
)

const (
	writeTimeout     = 500 * time.Millisecond
	defaultQueueSize = 256
)

// Snapshot is the cached form of an oracle.PriceInfo.
type Snapshot struct {
	Asset      string    `json:"asset"`
	Price      string    `json:"price"`
	Display    string    `json:"display"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsAlive    bool      `json:"is_alive"`
	Outcome    string    `json:"outcome"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// PriceAtoms parses the fixed-point price.
func (s Snapshot) PriceAtoms() (uint256.Int, error) {
	v, err := uint256.FromDecimal(s.Price)
	if err != nil {
		return uint256.Int{}, err
	}
	return *v, nil
}

// Options configure a Publisher.
type Options struct {
	KeyPrefix string
	TTL       time.Duration
	// Channel receives every snapshot when non-empty.
	Channel string
	Unit    uint256.Int
	// QueueSize bounds snapshots waiting for Redis; further ones are dropped.
	QueueSize int
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher implements oracle.Observer on top of Redis. Writes happen on a
// background worker so price reads never wait for Redis.
type Publisher struct {
	client redisClient
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan oracle.PriceInfo
	done   chan struct{}
}

// NewRedisClient dials nothing; go-redis connects lazily on first command.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewPublisher wraps client.
func NewPublisher(client *redis.Client, opts Options, logger zerolog.Logger) *Publisher {
	return newPublisher(client, opts, logger)
}

func newPublisher(client redisClient, opts Options, logger zerolog.Logger) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	p := &Publisher{
		client: client,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "price_cache").Logger(),
		queue:  make(chan oracle.PriceInfo, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// ObservePrice implements oracle.Observer. It only enqueues: failures are
// logged by the worker, and a full queue drops the snapshot.
func (p *Publisher) ObservePrice(_ context.Context, info oracle.PriceInfo) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- info:
	default:
		p.logger.Warn().Str("asset", info.Asset.Hex()).Int("queue_size", p.opts.QueueSize).
			Msg("price cache queue full; snapshot dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for info := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := p.Put(ctx, info); err != nil {
			p.logger.Warn().Err(err).Str("asset", info.Asset.Hex()).Msg("failed to cache price snapshot")
		}
		cancel()
	}
}

// Put stores info and publishes it on the configured channel.
func (p *Publisher) Put(ctx context.Context, info oracle.PriceInfo) error {
	snap := Snapshot{
		Asset:      info.Asset.Hex(),
		Price:      info.Price.Dec(),
		Display:    oracle.FormatAmount(info.Price, p.opts.Unit).String(),
		UpdatedAt:  info.UpdatedAt.UTC(),
		IsAlive:    info.IsAlive,
		Outcome:    string(info.Outcome),
		Source:     info.Source,
		ObservedAt: p.now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := p.client.Set(ctx, p.key(info.Asset), data, p.opts.TTL).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	if p.opts.Channel != "" {
		if err := p.client.Publish(ctx, p.opts.Channel, data).Err(); err != nil {
			return fmt.Errorf("publish snapshot: %w", err)
		}
	}
	return nil
}

// Get returns the cached snapshot of asset. ok is false on a cache miss.
func (p *Publisher) Get(ctx context.Context, asset common.Address) (Snapshot, bool, error) {
	data, err := p.client.Get(ctx, p.key(asset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Close writes out queued snapshots, then closes the Redis client. It is safe
// to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.client.Close()
}

func (p *Publisher) key(asset common.Address) string {
	return p.opts.KeyPrefix + asset.Hex()
}

var _ oracle.Observer = (*Publisher)(nil)
