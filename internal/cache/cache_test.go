package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-oracle-aggregator/internal/oracle"
)

type fakeRedis struct {
	mu        sync.Mutex
	values    map[string]string
	ttls      map[string]time.Duration
	published map[string][]string
	setErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}, published: map[string][]string{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if f.setErr != nil {
		cmd.SetErr(f.setErr)
		return cmd
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func testPublisher(client redisClient) *Publisher {
	p := newPublisher(client, Options{
		KeyPrefix: "oracled:price:",
		TTL:       time.Minute,
		Channel:   "oracled:prices",
		Unit:      oracle.UnitForDecimals(8),
	}, zerolog.Nop())
	p.now = func() time.Time { return time.Unix(1_700_000_100, 0) }
	return p
}

func TestPublisherRoundTrip(t *testing.T) {
	client := newFakeRedis()
	p := testPublisher(client)
	ctx := context.Background()

	info := oracle.PriceInfo{
		Asset:     weth,
		Price:     *uint256.NewInt(2_000_50000000),
		UpdatedAt: time.Unix(1_700_000_000, 0),
		IsAlive:   true,
		Outcome:   oracle.OutcomePrimary,
		Source:    "chainlink-eth",
	}
	p.ObservePrice(ctx, info)
	require.NoError(t, p.Close())

	key := "oracled:price:" + weth.Hex()
	assert.Equal(t, time.Minute, client.ttls[key])
	require.Len(t, client.published["oracled:prices"], 1)

	snap, ok, err := p.Get(ctx, weth)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2000.5", snap.Display)
	assert.Equal(t, "primary", snap.Outcome)
	assert.True(t, snap.IsAlive)
	price, err := snap.PriceAtoms()
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_50000000), price.Uint64())

	var published Snapshot
	require.NoError(t, json.Unmarshal([]byte(client.published["oracled:prices"][0]), &published))
	assert.Equal(t, snap, published)
}

func TestPublisherMiss(t *testing.T) {
	_, ok, err := testPublisher(newFakeRedis()).Get(context.Background(), weth)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObservePriceSwallowsErrors(t *testing.T) {
	client := newFakeRedis()
	client.setErr = errors.New("connection refused")
	p := testPublisher(client)

	assert.NotPanics(t, func() {
		p.ObservePrice(context.Background(), oracle.PriceInfo{Asset: weth, Outcome: oracle.OutcomeUnavailable})
	})
	assert.Error(t, p.Put(context.Background(), oracle.PriceInfo{Asset: weth}))
	require.NoError(t, p.Close())
	assert.Empty(t, client.published)

	assert.NotPanics(t, func() {
		p.ObservePrice(context.Background(), oracle.PriceInfo{Asset: weth})
	}, "observing after close is ignored")
	assert.NoError(t, p.Close())
}

// stalledRedis blocks every Set until release is closed.
type stalledRedis struct {
	*fakeRedis
	release chan struct{}
}

func (s *stalledRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	<-s.release
	return s.fakeRedis.Set(ctx, key, value, expiration)
}

func TestObservePriceDoesNotWaitForRedis(t *testing.T) {
	client := &stalledRedis{fakeRedis: newFakeRedis(), release: make(chan struct{})}
	p := newPublisher(client, Options{KeyPrefix: "oracled:price:", TTL: time.Minute, Unit: oracle.UnitForDecimals(8), QueueSize: 2}, zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 10; i++ {
			p.ObservePrice(context.Background(), oracle.PriceInfo{Asset: weth, Price: *uint256.NewInt(uint64(i + 1)), Outcome: oracle.OutcomePrimary})
		}
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("ObservePrice blocked on a stalled Redis")
	}

	close(client.release)
	require.NoError(t, p.Close())
	snap, ok, err := p.Get(context.Background(), weth)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "primary", snap.Outcome)
}
