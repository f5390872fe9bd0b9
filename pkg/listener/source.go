package listener

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// LogSource is the part of an Ethereum client a listener needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a fresh LogSource for each session.
type Dialer interface {
	Dial(ctx context.Context, url string) (LogSource, error)
}

type DialerFunc func(ctx context.Context, url string) (LogSource, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (LogSource, error) { return f(ctx, url) }

// EthDialer dials websocket or IPC endpoints with ethclient. Log
// subscriptions need a streaming transport, so plain HTTP URLs fail at
// subscribe time.
var EthDialer = DialerFunc(func(ctx context.Context, url string) (LogSource, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
})
