package tip

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ethsync/stagesync/common"
	"github.com/ethsync/stagesync/log"
)

const (
	// Cap for the retry timeout after consecutive RPC failures.
	maxPollBackoff = time.Minute

	// Timeout for a single latest-header request.
	headerRequestTimeout = 10 * time.Second
)

// HeaderSource returns block headers; a nil number means the latest header.
// *ethclient.Client satisfies it.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EthFollower polls an Ethereum JSON-RPC endpoint for its latest header and
// feeds the observed height into a Tracker.
type EthFollower struct {
	source   HeaderSource
	tracker  *Tracker
	interval time.Duration
	logger   *log.Logger
}

// Dial connects to the JSON-RPC endpoint at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ethclient DialContext %s: %w", url, err)
	}
	return client, nil
}

// NewEthFollower returns a follower that polls source every interval.
func NewEthFollower(source HeaderSource, tracker *Tracker, interval time.Duration, logger *log.Logger) *EthFollower {
	return &EthFollower{
		source:   source,
		tracker:  tracker,
		interval: interval,
		logger:   logger.WithModule("tip"),
	}
}

// Poll fetches the latest header once and records its height.
func (f *EthFollower) Poll(ctx context.Context) (uint64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, headerRequestTimeout)
	defer cancel()

	header, err := f.source.HeaderByNumber(reqCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetching latest header: %w", err)
	}
	if header.Number == nil || !header.Number.IsUint64() {
		return 0, fmt.Errorf("latest header has invalid number %v", header.Number)
	}
	height := header.Number.Uint64()
	f.tracker.Set(height)
	return height, nil
}

// Run polls until ctx is canceled. RPC failures are logged and retried with
// exponential backoff; they never stop the follower.
func (f *EthFollower) Run(ctx context.Context) error {
	backoff, err := common.NewBackoff(f.interval, maxPollBackoff)
	if err != nil {
		return fmt.Errorf("configuring tip poll backoff: %w", err)
	}

	for {
		height, err := f.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			backoff.Failure()
			f.logger.Warn("failed to poll chain tip", "err", err, "retry_in", backoff.Timeout())
		case err == nil:
			backoff.Success()
			f.logger.Debug("observed chain tip", "height", height)
		}

		select {
		case <-time.After(backoff.Timeout()):
		case <-ctx.Done():
			f.logger.Info("stopping chain tip follower", "reason", ctx.Err())
			return nil
		}
	}
}
