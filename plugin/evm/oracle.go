package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/otclabs/brokerd/plugin"
)

// QuoteNativeUSD returns the chain's native asset price in USD from the
// configured Chainlink-style aggregator. Results are cached with a TTL so
// the reimbursement path does not hammer the node; failures after the
// retry budget surface as plugin.ErrNoPriceOracle and the caller skips
// reimbursement rather than guessing.
func (p *Plugin) QuoteNativeUSD(ctx context.Context) (plugin.PriceQuote, error) {
	if p.cfg.PriceFeed == "" {
		return plugin.PriceQuote{}, plugin.ErrNoPriceOracle
	}
	if q, ok := p.priceCache.Get(priceCacheKey); ok {
		return q, nil
	}

	feed := common.HexToAddress(p.cfg.PriceFeed)
	var lastErr error
	backoff := p.cfg.OracleRetryBase
	for attempt := 0; attempt < p.cfg.OracleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return plugin.PriceQuote{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		price, err := p.readAggregator(ctx, feed)
		if err != nil {
			lastErr = err
			log.Warn("price feed read failed", "chain", p.cfg.Name, "feed", p.cfg.PriceFeed, "attempt", attempt+1, "err", err)
			continue
		}
		q := plugin.PriceQuote{Price: price, Source: "chainlink:" + p.cfg.PriceFeed}
		p.priceCache.Add(priceCacheKey, q)
		return q, nil
	}
	return plugin.PriceQuote{}, fmt.Errorf("%w: %v", plugin.ErrNoPriceOracle, lastErr)
}

func (p *Plugin) readAggregator(ctx context.Context, feed common.Address) (float64, error) {
	answer, err := p.callAggregator(ctx, feed, "latestRoundData")
	if err != nil {
		return 0, err
	}
	round := answer[1].(*big.Int)
	if round.Sign() <= 0 {
		return 0, fmt.Errorf("aggregator returned non-positive answer %s", round)
	}
	decRes, err := p.callAggregator(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	decimals := decRes[0].(uint8)

	scaled := new(big.Float).SetInt(round)
	scaled.Quo(scaled, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	price, _ := scaled.Float64()
	return price, nil
}

func (p *Plugin) callAggregator(ctx context.Context, feed common.Address, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, out)
}
