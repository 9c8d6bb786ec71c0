// Package queue owns every outbound chain transaction. The dispatcher
// drains the persistent queue in per-deal sequence order, tracks
// submissions to confirmation, replaces stalled transactions at the same
// nonce with a higher gas price, and pauses a chain when its plugin
// reports fee conditions above the configured ceiling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

type Config struct {
	TickInterval   time.Duration `koanf:"tick-interval"`
	BatchSize      int           `koanf:"batch-size"`
	StallTimeout   time.Duration `koanf:"stall-timeout"`
	MaxGasBumps    int           `koanf:"max-gas-bumps"`
	GasBumpPercent int64         `koanf:"gas-bump-percent"`
	PausePeriod    time.Duration `koanf:"pause-period"`
}

var DefaultConfig = Config{
	TickInterval:   5 * time.Second,
	BatchSize:      16,
	StallTimeout:   2 * time.Minute,
	MaxGasBumps:    5,
	GasBumpPercent: 15,
	PausePeriod:    5 * time.Minute,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Duration(prefix+".tick-interval", DefaultConfig.TickInterval, "how often the dispatcher drains the queue")
	f.Int(prefix+".batch-size", DefaultConfig.BatchSize, "max items submitted per tick")
	f.Duration(prefix+".stall-timeout", DefaultConfig.StallTimeout, "age after which an unconfirmed submission is re-priced")
	f.Int(prefix+".max-gas-bumps", DefaultConfig.MaxGasBumps, "max gas re-pricings per item")
	f.Int64(prefix+".gas-bump-percent", DefaultConfig.GasBumpPercent, "gas price increase per re-pricing, in percent")
	f.Duration(prefix+".pause-period", DefaultConfig.PausePeriod, "how long a chain stays paused after its circuit breaker trips")
}

var (
	submittedCounter = metrics.NewRegisteredCounter("broker/queue/submitted", nil)
	confirmedCounter = metrics.NewRegisteredCounter("broker/queue/confirmed", nil)
	failedCounter    = metrics.NewRegisteredCounter("broker/queue/failed", nil)
	bumpedCounter    = metrics.NewRegisteredCounter("broker/queue/gasbumped", nil)
	pausedCounter    = metrics.NewRegisteredCounter("broker/queue/chain_paused", nil)
)

// Dispatcher drives queue items through PENDING → SUBMITTED → CONFIRMED.
type Dispatcher struct {
	cfg     Config
	st      *store.Store
	plugins map[string]plugin.ChainPlugin

	mu          sync.Mutex
	pausedUntil map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(cfg Config, st *store.Store, plugins map[string]plugin.ChainPlugin) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		st:          st,
		plugins:     plugins,
		pausedUntil: make(map[string]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (q *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Tick(ctx)
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (q *Dispatcher) StopAndWait() {
	close(q.stop)
	<-q.done
}

// Tick runs one full dispatcher pass: settle in-flight submissions first
// so freshly confirmed predecessors unblock their successors within the
// same pass, then submit whatever became eligible.
func (q *Dispatcher) Tick(ctx context.Context) {
	q.pollSubmitted(ctx)
	q.submitPending(ctx)
}

// PauseChain trips the chain's circuit breaker; no submissions happen on
// it until the pause lapses.
func (q *Dispatcher) PauseChain(chain string, reason string) {
	q.mu.Lock()
	q.pausedUntil[chain] = time.Now().Add(q.cfg.PausePeriod)
	q.mu.Unlock()
	pausedCounter.Inc(1)
	log.Warn("chain paused", "chain", chain, "period", q.cfg.PausePeriod, "reason", reason)
}

func (q *Dispatcher) chainPaused(chain string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Now().Before(q.pausedUntil[chain])
}

func (q *Dispatcher) pollSubmitted(ctx context.Context) {
	items, err := q.st.ItemsByStatus(store.ItemSubmitted)
	if err != nil {
		log.Error("listing submitted items", "err", err)
		return
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		q.pollItem(ctx, it)
	}
}

func (q *Dispatcher) pollItem(ctx context.Context, it *store.QueueItem) {
	p, ok := q.plugins[it.Chain]
	if !ok {
		log.Error("queue item on unknown chain", "item", it.ID, "chain", it.Chain)
		return
	}
	conf, err := p.TxConfirmations(ctx, it.SubmittedTx)
	if err != nil {
		log.Warn("confirmation poll failed", "item", it.ID, "tx", it.SubmittedTx, "err", err)
		return
	}
	switch {
	case conf < 0:
		// Failed on-chain or reorged out. Requeue; the recovery manager
		// escalates items that keep coming back.
		log.Warn("submitted tx gone", "item", it.ID, "deal", it.DealID, "tx", it.SubmittedTx)
		if err := q.st.ResetToPending(it.ID, fmt.Sprintf("tx %s failed or reorged", it.SubmittedTx)); err != nil {
			log.Error("requeue failed", "item", it.ID, "err", err)
		}
		if err := q.st.TouchRecovery(it.ID, true, "resubmit after loss"); err != nil {
			log.Error("recovery bookkeeping failed", "item", it.ID, "err", err)
		}

	case conf >= p.ConfirmationThreshold():
		if err := q.st.MarkConfirmed(it.ID); err != nil {
			log.Error("confirm failed", "item", it.ID, "err", err)
			return
		}
		confirmedCounter.Inc(1)
		log.Info("queue item confirmed", "item", it.ID, "deal", it.DealID, "purpose", it.Purpose,
			"tx", it.SubmittedTx, "confirmations", conf)

	case conf == 0 && time.Since(it.LastSubmitAt) > q.cfg.StallTimeout:
		q.bumpGas(ctx, p, it)
	}
}

// bumpGas replaces a stalled submission at the same nonce with a
// GasBumpPercent higher price.
func (q *Dispatcher) bumpGas(ctx context.Context, p plugin.ChainPlugin, it *store.QueueItem) {
	if it.GasBumpAttempts >= q.cfg.MaxGasBumps {
		log.Warn("gas bump budget exhausted", "item", it.ID, "deal", it.DealID, "attempts", it.GasBumpAttempts)
		return
	}
	if q.chainPaused(it.Chain) {
		return
	}
	last, err := store.ParseAmount(it.LastGasPrice)
	if err != nil || last.Sign() == 0 {
		log.Error("cannot bump without a prior gas price", "item", it.ID, "lastGasPrice", it.LastGasPrice)
		return
	}
	bumped := new(big.Int).Mul(last, big.NewInt(100+q.cfg.GasBumpPercent))
	bumped.Div(bumped, big.NewInt(100))

	req, err := q.buildRequest(it)
	if err != nil {
		q.failItem(it, err.Error())
		return
	}
	req.Nonce = it.OriginalNonce
	req.GasPrice = bumped

	res, err := p.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, plugin.ErrAlreadyExecuted) {
			// The original squeezed in; let the next poll count its
			// confirmations.
			return
		}
		if errors.Is(err, plugin.ErrCircuitBreaker) {
			q.PauseChain(it.Chain, err.Error())
			return
		}
		log.Warn("gas bump submit failed", "item", it.ID, "err", err)
		return
	}
	if err := q.st.RecordGasBump(it.ID, bumped.String(), res.TxID); err != nil {
		log.Error("recording gas bump failed", "item", it.ID, "err", err)
		return
	}
	bumpedCounter.Inc(1)
	log.Info("gas bumped", "item", it.ID, "deal", it.DealID, "nonce", it.OriginalNonce,
		"gasPrice", bumped, "tx", res.TxID, "attempt", it.GasBumpAttempts+1)
}

func (q *Dispatcher) submitPending(ctx context.Context) {
	items, err := q.st.DispatchableItems(q.cfg.BatchSize)
	if err != nil {
		log.Error("selecting dispatchable items", "err", err)
		return
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		q.submitItem(ctx, it)
	}
}

func (q *Dispatcher) submitItem(ctx context.Context, it *store.QueueItem) {
	if q.chainPaused(it.Chain) {
		return
	}
	p, ok := q.plugins[it.Chain]
	if !ok {
		q.failItem(it, "no plugin for chain "+it.Chain)
		return
	}
	req, err := q.buildRequest(it)
	if err != nil {
		q.failItem(it, err.Error())
		return
	}

	quote, err := p.QuoteGas(ctx, it.From)
	if err != nil {
		if errors.Is(err, plugin.ErrCircuitBreaker) {
			q.PauseChain(it.Chain, err.Error())
			return
		}
		log.Warn("gas quote failed", "item", it.ID, "chain", it.Chain, "err", err)
		return
	}
	req.Nonce = quote.Nonce
	req.GasPrice = quote.Price

	res, err := p.Submit(ctx, req)
	if err != nil {
		q.handleSubmitError(it, err)
		return
	}
	if err := q.st.MarkSubmitted(it.ID, res.TxID, quote.Nonce, quote.Price.String()); err != nil {
		log.Error("marking submitted failed", "item", it.ID, "err", err)
		return
	}
	submittedCounter.Inc(1)
	log.Info("queue item submitted", "item", it.ID, "deal", it.DealID, "purpose", it.Purpose,
		"chain", it.Chain, "seq", it.Seq, "tx", res.TxID, "nonce", quote.Nonce)
}

func (q *Dispatcher) handleSubmitError(it *store.QueueItem, err error) {
	switch {
	case errors.Is(err, plugin.ErrAlreadyExecuted):
		// The intended effect is already on-chain (duplicate recovery
		// submission, or the broker contract replayed the operation).
		log.Info("operation already executed on-chain", "item", it.ID, "deal", it.DealID, "purpose", it.Purpose)
		if derr := q.st.MarkConfirmed(it.ID); derr != nil {
			log.Error("confirm of pre-executed item failed", "item", it.ID, "err", derr)
		}
		confirmedCounter.Inc(1)

	case errors.Is(err, plugin.ErrCircuitBreaker):
		q.PauseChain(it.Chain, err.Error())

	case errors.Is(err, plugin.ErrUnauthorizedOperator), errors.Is(err, plugin.ErrTransferFailed):
		q.failItem(it, err.Error())

	case errors.Is(err, plugin.ErrInsufficientBalance):
		// Usually transient: the escrow is waiting on gas funding. Leave
		// PENDING and let recovery count the stall.
		log.Warn("submit deferred, escrow short of funds", "item", it.ID, "deal", it.DealID, "err", err)
		if derr := q.st.TouchRecovery(it.ID, true, err.Error()); derr != nil {
			log.Error("recovery bookkeeping failed", "item", it.ID, "err", derr)
		}

	default:
		log.Warn("submit failed", "item", it.ID, "deal", it.DealID, "err", err)
		if derr := q.st.TouchRecovery(it.ID, false, err.Error()); derr != nil {
			log.Error("recovery bookkeeping failed", "item", it.ID, "err", derr)
		}
	}
}

func (q *Dispatcher) failItem(it *store.QueueItem, reason string) {
	failedCounter.Inc(1)
	log.Error("queue item failed", "item", it.ID, "deal", it.DealID, "purpose", it.Purpose, "reason", reason)
	if err := q.st.MarkFailed(it.ID, reason); err != nil {
		log.Error("marking failed failed", "item", it.ID, "err", err)
	}
}

func (q *Dispatcher) buildRequest(it *store.QueueItem) (plugin.SubmitRequest, error) {
	amount, err := store.ParseAmount(it.Amount)
	if err != nil {
		return plugin.SubmitRequest{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	fees, err := store.ParseAmount(it.Fees)
	if err != nil {
		return plugin.SubmitRequest{}, fmt.Errorf("item %s fees: %w", it.ID, err)
	}
	return plugin.SubmitRequest{
		Purpose:      string(it.Purpose),
		From:         it.From,
		To:           it.To,
		Asset:        it.Asset,
		Amount:       amount,
		DealID:       it.DealID,
		Payback:      it.Payback,
		Recipient:    it.Recipient,
		FeeRecipient: it.FeeRecipient,
		Fees:         fees,
	}, nil
}
