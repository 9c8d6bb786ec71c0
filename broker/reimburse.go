package broker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// gasReporter is implemented by plugins that can report the gas a mined
// transaction actually consumed. Chains without receipts simply never
// trigger reimbursement math.
type gasReporter interface {
	TxGasUsed(ctx context.Context, txid string) (uint64, error)
}

var skippedReimburseCounter = metrics.NewRegisteredCounter("broker/engine/reimburse_skipped", nil)

// stablecoin describes a token the tank accepts as gas reimbursement.
type stablecoin struct {
	symbol   string
	decimals int
}

var stableBySymbol = map[string]stablecoin{
	"USDT": {"USDT", 6},
	"USDC": {"USDC", 6},
	"DAI":  {"DAI", 18},
	"BUSD": {"BUSD", 18},
	"TUSD": {"TUSD", 18},
	"USDP": {"USDP", 18},
}

// Mainnet contract addresses, for deals declaring a token by address
// rather than symbol.
var stableByContract = map[string]stablecoin{
	"0xdac17f958d2ee523a2206206994597c13d831ec7": {"USDT", 6},
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": {"USDC", 6},
	"0x6b175474e89094c44da98b954eedeac495271d0f": {"DAI", 18},
	"0x4fabb145d64652a948d72533023f6e7a623c7c53": {"BUSD", 18},
	"0x0000000000085d4780b73119b644ae5ecd22b376": {"TUSD", 18},
	"0x8e870d67f660d95d5be530380d0ec0bd388289e1": {"USDP", 18},
}

// stableToken recognises a deal side's asset as a supported stablecoin.
func stableToken(symbol, contract string) (stablecoin, bool) {
	if sc, ok := stableBySymbol[strings.ToUpper(symbol)]; ok {
		return sc, true
	}
	sc, ok := stableByContract[strings.ToLower(contract)]
	return sc, ok
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ReimburseInput feeds one reimbursement computation.
type ReimburseInput struct {
	GasUsed       uint64
	GasPrice      *big.Int // wei
	NativeUSD     float64
	TokenDecimals int
}

// ComputeReimbursement converts the tank's observed gas spend into a
// stablecoin amount in the token's smallest units. All arithmetic rounds
// up: the expected four-transaction settlement path (×4) with a 10%
// safety margin, priced in USD, plus 5% slippage, ceiled to whole tokens.
func ComputeReimbursement(in ReimburseInput) (*big.Int, error) {
	if in.GasPrice == nil || in.GasPrice.Sign() <= 0 {
		return nil, errors.New("reimbursement needs a positive gas price")
	}
	if in.NativeUSD <= 0 {
		return nil, fmt.Errorf("reimbursement needs a positive native rate, got %f", in.NativeUSD)
	}

	// estimatedTotalGas = gasUsed × 4 × 1.1
	totalGas := new(big.Int).SetUint64(in.GasUsed)
	totalGas.Mul(totalGas, big.NewInt(44))
	totalGas = ceilDiv(totalGas, big.NewInt(10))

	costWei := new(big.Int).Mul(totalGas, in.GasPrice)

	usd := new(big.Rat).SetInt(costWei)
	usd.Quo(usd, new(big.Rat).SetInt(weiPerEther))
	rate := new(big.Rat).SetFloat64(in.NativeUSD)
	if rate == nil {
		return nil, fmt.Errorf("unusable native rate %f", in.NativeUSD)
	}
	usd.Mul(usd, rate)
	usd.Mul(usd, big.NewRat(105, 100))

	tokens := ceilRat(usd) // whole stablecoins, never rounded down
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(in.TokenDecimals)), nil)
	return tokens.Mul(tokens, scale), nil
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func ceilRat(r *big.Rat) *big.Int {
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// quoteWithRetry reads the plugin's price oracle with exponential backoff.
func quoteWithRetry(ctx context.Context, p plugin.ChainPlugin, attempts int, base time.Duration) (plugin.PriceQuote, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(base << (i - 1)):
			case <-ctx.Done():
				return plugin.PriceQuote{}, ctx.Err()
			}
		}
		quote, err := p.QuoteNativeUSD(ctx)
		if err == nil {
			return quote, nil
		}
		lastErr = err
	}
	return plugin.PriceQuote{}, lastErr
}

// stableSide picks the deal side whose asset is a supported stablecoin,
// honouring an explicitly configured paying side first.
func stableSide(d *store.Deal) (*store.PartySpec, stablecoin, bool) {
	if d.Reimburse.PayingSide != "" {
		side := d.Side(d.Reimburse.PayingSide)
		if sc, ok := stableToken(side.Asset, side.TokenAddress); ok {
			return side, sc, true
		}
	}
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		if sc, ok := stableToken(side.Asset, side.TokenAddress); ok {
			return side, sc, true
		}
	}
	return nil, stablecoin{}, false
}

// reimbursementItem computes the tank's reimbursement for a settled deal
// and builds the payout item from the stablecoin escrow. A nil item with
// a nil error means reimbursement was skipped; the deal settles anyway.
func (e *Engine) reimbursementItem(ctx context.Context, d *store.Deal, settled []*store.QueueItem) (*store.QueueItem, error) {
	side, sc, ok := stableSide(d)
	if !ok {
		return nil, errors.New("no stablecoin side to reimburse from")
	}

	var (
		gasUsed  uint64
		gasPrice *big.Int
		gasChain plugin.ChainPlugin
	)
	for _, it := range settled {
		p, pok := e.plugins[it.Chain]
		if !pok {
			continue
		}
		reporter, rok := p.(gasReporter)
		if !rok || it.SubmittedTx == "" {
			continue
		}
		used, err := reporter.TxGasUsed(ctx, it.SubmittedTx)
		if err != nil {
			return nil, fmt.Errorf("gas used of %s: %w", it.SubmittedTx, err)
		}
		price, err := store.ParseAmount(it.LastGasPrice)
		if err != nil {
			return nil, err
		}
		gasUsed, gasPrice, gasChain = used, price, p
		break
	}
	if gasChain == nil {
		return nil, errors.New("no settlement tx with a gas receipt")
	}

	quote, err := quoteWithRetry(ctx, gasChain, e.cfg.OracleRetries, e.cfg.OracleBackoff)
	if err != nil {
		return nil, fmt.Errorf("price oracle exhausted: %w", err)
	}

	amount, err := ComputeReimbursement(ReimburseInput{
		GasUsed:       gasUsed,
		GasPrice:      gasPrice,
		NativeUSD:     quote.Price,
		TokenDecimals: sc.decimals,
	})
	if err != nil {
		return nil, err
	}

	tankChain, ok := e.plugins[side.Chain]
	if !ok {
		return nil, fmt.Errorf("no plugin for chain %s", side.Chain)
	}
	seq, err := e.st.NextSeq(d.ID, side.Chain)
	if err != nil {
		return nil, err
	}

	d.ReimburseResult = &store.ReimburseResult{
		Token:       sc.symbol,
		TokenAmount: amount.String(),
		NativeRate:  quote.Price,
		GasUsed:     gasUsed,
		ComputedAt:  time.Now().UTC(),
	}
	d.AppendEvent("gas reimbursement: %s %s to tank (gas %d, rate %.2f %s)",
		amount, sc.symbol, gasUsed, quote.Price, quote.Source)
	log.Info("gas reimbursement computed", "deal", d.ID, "token", sc.symbol,
		"amount", amount, "gasUsed", gasUsed, "rate", quote.Price, "source", quote.Source)

	return &store.QueueItem{
		ID:     newID(),
		DealID: d.ID,
		Chain:  side.Chain,
		From:   *side.Escrow,
		To:     tankChain.OperatorAddress(),
		Asset:  side.TokenAddress,
		Amount: amount.String(),
		// Token payout covering the tank's native spend for this deal.
		Purpose: store.PurposeGasRefundToTank,
		Seq:     seq,
	}, nil
}
