// Package resolver upgrades synthetic deposit ids to real transaction
// hashes. Balance-probed deposits enter the store with a fabricated id;
// the resolver scans the chain's transfer events around the observation
// window, matches them by amount, and rewrites the deposit with the best
// candidate while keeping the synthetic id for audit.
package resolver

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	pkgerrors "github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

type Config struct {
	Interval     time.Duration `koanf:"interval"`
	WindowSpan   uint64        `koanf:"window-span"`
	ToleranceBps int64         `koanf:"tolerance-bps"`
	MaxAttempts  int           `koanf:"max-attempts"`
}

var DefaultConfig = Config{
	Interval:     2 * time.Minute,
	WindowSpan:   5000,
	ToleranceBps: 1, // 0.01%
	MaxAttempts:  10,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Duration(prefix+".interval", DefaultConfig.Interval, "how often unresolved synthetic deposits are retried")
	f.Uint64(prefix+".window-span", DefaultConfig.WindowSpan, "blocks scanned either side of the observation height")
	f.Int64(prefix+".tolerance-bps", DefaultConfig.ToleranceBps, "amount mismatch tolerated when matching transfer events, in basis points")
	f.Int(prefix+".max-attempts", DefaultConfig.MaxAttempts, "resolution attempts before a synthetic deposit is marked failed")
}

var (
	resolvedCounter    = metrics.NewRegisteredCounter("broker/resolver/resolved", nil)
	attemptedCounter   = metrics.NewRegisteredCounter("broker/resolver/attempts", nil)
	failedCounter      = metrics.NewRegisteredCounter("broker/resolver/exhausted", nil)
	unsupportedCounter = metrics.NewRegisteredCounter("broker/resolver/unsupported", nil)
)

type Resolver struct {
	cfg     Config
	st      *store.Store
	plugins map[string]plugin.ChainPlugin

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, st *store.Store, plugins map[string]plugin.ChainPlugin) *Resolver {
	return &Resolver{
		cfg:     cfg,
		st:      st,
		plugins: plugins,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Resolver) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Resolver) StopAndWait() {
	close(r.stop)
	<-r.done
}

// RunOnce attempts one resolution pass over every unresolved synthetic
// deposit still inside its attempt budget.
func (r *Resolver) RunOnce(ctx context.Context) {
	deposits, err := r.st.UnresolvedSyntheticDeposits(r.cfg.MaxAttempts)
	if err != nil {
		log.Error("listing unresolved deposits", "err", err)
		return
	}
	for _, dep := range deposits {
		if ctx.Err() != nil {
			return
		}
		if err := r.resolveOne(ctx, dep); err != nil {
			log.Warn("synthetic deposit unresolved", "deal", dep.DealID, "synthetic", dep.TxID, "err", err)
			r.bump(dep)
		}
	}
}

func (r *Resolver) bump(dep *store.DepositRecord) {
	attemptedCounter.Inc(1)
	if err := r.st.BumpResolveAttempt(dep.Chain, dep.EscrowAddress, dep.TxID, r.cfg.MaxAttempts); err != nil {
		log.Error("bumping resolve attempt", "synthetic", dep.TxID, "err", err)
		return
	}
	if dep.ResolveTries+1 >= r.cfg.MaxAttempts {
		failedCounter.Inc(1)
		log.Error("synthetic deposit resolution exhausted", "deal", dep.DealID,
			"synthetic", dep.TxID, "attempts", dep.ResolveTries+1)
	}
}

// candidate is a transfer event scored against the deposit.
type candidate struct {
	ev         plugin.TransferEvent
	confidence float64
}

func (r *Resolver) resolveOne(ctx context.Context, dep *store.DepositRecord) error {
	p, ok := r.plugins[dep.Chain]
	if !ok {
		return pkgerrors.Errorf("no plugin for chain %s", dep.Chain)
	}
	from := uint64(0)
	if dep.BlockHeight > r.cfg.WindowSpan {
		from = dep.BlockHeight - r.cfg.WindowSpan
	}
	to := dep.BlockHeight + r.cfg.WindowSpan

	events, err := p.ResolveTransferEvents(ctx, dep.Asset, dep.EscrowAddress, from, to)
	if err != nil {
		if errors.Is(err, plugin.ErrUnsupported) {
			// The chain cannot name a transaction for this asset (native
			// coins leave no transfer logs). Close the deposit now instead
			// of burning attempts on scans that can never succeed.
			if auditErr := r.st.AppendResolution(&store.TxidResolution{
				DealID:      dep.DealID,
				SyntheticID: dep.TxID,
				WindowFrom:  from,
				WindowTo:    to,
			}); auditErr != nil {
				log.Error("resolution audit write failed", "synthetic", dep.TxID, "err", auditErr)
			}
			if closeErr := r.st.CloseResolution(dep.Chain, dep.EscrowAddress, dep.TxID); closeErr != nil {
				return pkgerrors.Wrap(closeErr, "close unresolvable deposit")
			}
			unsupportedCounter.Inc(1)
			log.Info("synthetic deposit unresolvable, closing", "deal", dep.DealID,
				"synthetic", dep.TxID, "asset", dep.Asset, "err", err)
			return nil
		}
		return pkgerrors.Wrapf(err, "scan transfers [%d,%d]", from, to)
	}

	amount := store.MustAmount(dep.Amount)
	used, err := r.usedTxIDs(dep)
	if err != nil {
		return err
	}

	var candidates []candidate
	for _, ev := range events {
		if used[ev.TxHash] {
			continue
		}
		conf := matchConfidence(amount, ev.Amount, r.cfg.ToleranceBps)
		if conf > 0 {
			candidates = append(candidates, candidate{ev: ev, confidence: conf})
		}
	}

	audit := &store.TxidResolution{
		DealID:      dep.DealID,
		SyntheticID: dep.TxID,
		WindowFrom:  from,
		WindowTo:    to,
		Candidates:  len(candidates),
	}
	if len(candidates) == 0 {
		if err := r.st.AppendResolution(audit); err != nil {
			log.Error("resolution audit write failed", "synthetic", dep.TxID, "err", err)
		}
		return pkgerrors.Errorf("no matching transfer among %d events", len(events))
	}

	// Highest confidence wins; ties break to the earliest block, then the
	// lowest log index, so re-runs always pick the same transaction.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.ev.BlockHeight != b.ev.BlockHeight {
			return a.ev.BlockHeight < b.ev.BlockHeight
		}
		return a.ev.LogIndex < b.ev.LogIndex
	})
	best := candidates[0]
	audit.Confidence = best.confidence
	audit.ChosenTx = best.ev.TxHash

	if err := r.st.ResolveDeposit(dep.Chain, dep.EscrowAddress, dep.TxID, best.ev.TxHash); err != nil {
		return pkgerrors.Wrap(err, "rewrite deposit")
	}
	if err := r.st.AppendResolution(audit); err != nil {
		log.Error("resolution audit write failed", "synthetic", dep.TxID, "err", err)
	}
	resolvedCounter.Inc(1)
	log.Info("synthetic deposit resolved", "deal", dep.DealID, "synthetic", dep.TxID,
		"tx", best.ev.TxHash, "confidence", best.confidence, "candidates", len(candidates))
	return nil
}

// usedTxIDs collects transaction hashes already attached to the deal's
// deposits, so one transfer never resolves two synthetics.
func (r *Resolver) usedTxIDs(dep *store.DepositRecord) (map[string]bool, error) {
	existing, err := r.st.DepositsByDeal(dep.DealID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(existing))
	for _, e := range existing {
		if !plugin.IsSyntheticTxID(e.TxID) {
			used[e.TxID] = true
		}
	}
	return used, nil
}

// matchConfidence scores an event amount against the deposit amount:
// 1.0 for an exact match, 0.5 within the tolerance, 0 otherwise.
func matchConfidence(want, got *big.Int, toleranceBps int64) float64 {
	if want.Cmp(got) == 0 {
		return 1.0
	}
	diff := new(big.Int).Sub(want, got)
	diff.Abs(diff)
	// diff * 10000 <= want * bps
	lhs := new(big.Int).Mul(diff, big.NewInt(10000))
	rhs := new(big.Int).Mul(want, big.NewInt(toleranceBps))
	if lhs.Cmp(rhs) <= 0 {
		return 0.5
	}
	return 0
}
