package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// weiDecimals — нативный актив EVM-сетей имеет 18 знаков
const weiDecimals = 18

// ChainReader читает нативный баланс кошелька через JSON-RPC.
// Держит по одному клиенту на RPC URL.
type ChainReader struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewChainReader(timeout time.Duration) *ChainReader {
	return &ChainReader{
		timeout: timeout,
		clients: make(map[string]*ethclient.Client),
	}
}

func (r *ChainReader) client(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[rpcURL]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain reader: dial %s: %w", rpcURL, err)
	}
	r.clients[rpcURL] = c
	return c, nil
}

// GetNativeBalance возвращает баланс в целых единицах актива (ETH, а не wei).
func (r *ChainReader) GetNativeBalance(ctx context.Context, address, rpcURL string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("chain reader: invalid address %q", address)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c, err := r.client(ctx, rpcURL)
	if err != nil {
		return decimal.Zero, err
	}

	wei, err := c.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain reader: balance of %s: %w", address, err)
	}
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

// Close закрывает все RPC соединения
func (r *ChainReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, c := range r.clients {
		c.Close()
		delete(r.clients, url)
	}
}
