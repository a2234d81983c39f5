package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Dialer shares one lazily dialed ethclient per RPC URL.
type Dialer struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

// NewDialer builds an empty Dialer.
func NewDialer(logger zerolog.Logger) *Dialer {
	return &Dialer{
		logger:  logger.With().Str("component", "eth_dialer").Logger(),
		clients: make(map[string]*ethclient.Client),
	}
}

// Caller returns a ContractCaller that dials rpcURL on first use.
func (d *Dialer) Caller(rpcURL string) bind.ContractCaller {
	return &lazyCaller{dialer: d, url: rpcURL}
}

func (d *Dialer) client(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[rpcURL]; ok {
		return c, nil
	}

	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	d.clients[rpcURL] = c
	d.logger.Debug().Int("clients", len(d.clients)).Msg("dialed ethereum rpc")
	return c, nil
}

// Close closes every dialed client.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for url, c := range d.clients {
		c.Close()
		delete(d.clients, url)
	}
}

type lazyCaller struct {
	dialer *Dialer
	url    string
}

func (l *lazyCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	c, err := l.dialer.client(ctx, l.url)
	if err != nil {
		return nil, err
	}
	return c.CodeAt(ctx, contract, blockNumber)
}

func (l *lazyCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c, err := l.dialer.client(ctx, l.url)
	if err != nil {
		return nil, err
	}
	return c.CallContract(ctx, msg, blockNumber)
}
