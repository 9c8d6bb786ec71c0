// Package broker glues the lifecycle components into one service: the
// deal engine that advances deals through their stages, the RPC surface
// clients drive deals with, and the backend that owns startup and
// shutdown of the whole process.
package broker

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

var (
	ticksCounter    = metrics.NewRegisteredCounter("broker/engine/ticks", nil)
	advancedCounter = metrics.NewRegisteredCounter("broker/engine/stage_advances", nil)
	revertedCounter = metrics.NewRegisteredCounter("broker/engine/reverted", nil)
	closedCounter   = metrics.NewRegisteredCounter("broker/engine/closed", nil)
	reviewGauge     = metrics.NewRegisteredGauge("broker/engine/under_review", nil)
)

func newID() string { return uuid.NewString() }

// Engine advances every non-terminal deal through the lifecycle graph.
// It is the only writer of deal stages; every stage write is transactional
// with the queue items the transition produces.
type Engine struct {
	cfg     EngineConfig
	st      *store.Store
	plugins map[string]plugin.ChainPlugin

	stop chan struct{}
	done chan struct{}
}

func NewEngine(cfg EngineConfig, st *store.Store, plugins map[string]plugin.ChainPlugin) *Engine {
	return &Engine{
		cfg:     cfg,
		st:      st,
		plugins: plugins,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Tick(ctx)
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) StopAndWait() {
	close(e.stop)
	<-e.done
}

// Tick re-evaluates every active deal once. Errors are logged and retried
// on the next tick; a deal never silently skips a stage.
func (e *Engine) Tick(ctx context.Context) {
	ticksCounter.Inc(1)
	deals, err := e.st.ActiveDeals()
	if err != nil {
		log.Error("listing active deals", "err", err)
		return
	}
	var underReview int64
	for _, d := range deals {
		if ctx.Err() != nil {
			return
		}
		if d.OperatorReview {
			underReview++
			continue
		}
		if err := e.advance(ctx, d); err != nil {
			log.Warn("deal not advanced", "deal", d.ID, "stage", d.Stage, "err", err)
		}
	}
	reviewGauge.Update(underReview)
}

func (e *Engine) advance(ctx context.Context, d *store.Deal) error {
	switch d.Stage {
	case store.StageDraft:
		return e.openCollection(d)
	case store.StageCollection:
		return e.collect(ctx, d)
	case store.StageReady:
		return e.beginSwap(ctx, d)
	case store.StageSwap:
		return e.watchSwap(ctx, d)
	case store.StagePayout:
		return e.watchPayout(d)
	}
	return nil
}

func (e *Engine) pluginFor(chain string) (plugin.ChainPlugin, error) {
	p, ok := e.plugins[chain]
	if !ok {
		return nil, fmt.Errorf("no plugin for chain %s", chain)
	}
	return p, nil
}

// assetID is what the chain plugin scans and transfers by: the contract
// address for tokens, the symbol for native assets.
func assetID(side *store.PartySpec) string {
	if side.TokenAddress != "" {
		return side.TokenAddress
	}
	return side.Asset
}

// operatorRef addresses the tank wallet, which always signs with key
// index zero.
func operatorRef(p plugin.ChainPlugin) plugin.EscrowAccountRef {
	return plugin.EscrowAccountRef{Chain: p.Name(), Address: p.OperatorAddress()}
}

// openCollection derives both escrows and opens the funding window.
func (e *Engine) openCollection(d *store.Deal) error {
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		if side.Escrow != nil {
			continue
		}
		p, err := e.pluginFor(side.Chain)
		if err != nil {
			return err
		}
		ref, err := p.DeriveEscrow(d.ID, party)
		if err != nil {
			return fmt.Errorf("derive escrow for party %s: %w", party, err)
		}
		side.Escrow = &ref
		d.AppendEvent("escrow %s derived for party %s on %s", ref.Address, party, side.Chain)
	}
	if d.Deadline.IsZero() {
		d.Deadline = d.CreatedAt.Add(e.cfg.DealTimeout)
	}
	log.Info("deal collecting", "deal", d.ID,
		"escrowA", d.A.Escrow.Address, "escrowB", d.B.Escrow.Address, "deadline", d.Deadline)
	advancedCounter.Inc(1)
	return e.st.AdvanceDeal(d, store.StageCollection, nil)
}

// collect scans both escrows for confirmed deposits, marks sides funded,
// and moves the deal to READY once both sides are funded and every
// token side has a broker allowance.
func (e *Engine) collect(ctx context.Context, d *store.Deal) error {
	if time.Now().After(d.Deadline) {
		return e.Revert(d, "collection deadline passed")
	}

	changed := false
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		p, err := e.pluginFor(side.Chain)
		if err != nil {
			return err
		}
		// Scan even after the side is funded: deposits that land while
		// the other side is still collecting must be on record so the
		// surplus refund sees them.
		vested, err := e.scanDeposits(ctx, d, side, p)
		if err != nil {
			log.Warn("deposit scan failed", "deal", d.ID, "party", party, "chain", side.Chain, "err", err)
			continue
		}
		if side.Funded {
			continue
		}
		expected, err := store.ParseAmount(side.ExpectedAmount)
		if err != nil {
			return fmt.Errorf("party %s expected amount: %w", party, err)
		}
		if fundedEnough(vested, expected, e.cfg.FundedSlackBps) {
			side.Funded = true
			changed = true
			d.AppendEvent("party %s funded: %s %s confirmed", party, vested, side.Asset)
			log.Info("deal side funded", "deal", d.ID, "party", party, "chain", side.Chain, "confirmed", vested)
		}
	}

	if d.A.Funded && d.B.Funded {
		ready, err := e.ensureApprovals(ctx, d)
		if err != nil {
			return err
		}
		if !ready {
			return e.st.UpdateDeal(d)
		}
		d.AppendEvent("both sides funded, deal ready")
		advancedCounter.Inc(1)
		return e.st.AdvanceDeal(d, store.StageReady, nil)
	}
	if changed {
		return e.st.UpdateDeal(d)
	}
	return nil
}

// scanDeposits records the side's confirmed deposits and returns the sum
// that counts toward funding. On vesting chains only vested coins count.
func (e *Engine) scanDeposits(ctx context.Context, d *store.Deal, side *store.PartySpec, p plugin.ChainPlugin) (*big.Int, error) {
	list, err := p.ListConfirmedDeposits(ctx, assetID(side), side.Escrow.Address, p.ConfirmationThreshold())
	if err != nil {
		return nil, err
	}
	tracer, hasTracer := p.(plugin.VestingTracer)

	vested := new(big.Int)
	for _, dep := range list.Deposits {
		rec := &store.DepositRecord{
			DealID:        d.ID,
			Chain:         side.Chain,
			EscrowAddress: side.Escrow.Address,
			Asset:         assetID(side),
			TxID:          dep.TxID,
			Amount:        dep.Amount.String(),
			BlockHeight:   dep.BlockHeight,
			Confirmations: dep.Confirmations,
			IsSynthetic:   dep.IsSynthetic,
		}
		if dep.IsSynthetic {
			rec.Resolution = store.ResolutionPending
		}
		if err := e.st.UpsertDeposit(rec); err != nil {
			log.Error("recording deposit failed", "deal", d.ID, "tx", dep.TxID, "err", err)
		}

		if hasTracer && !dep.IsSynthetic {
			status, terr := tracer.TraceVesting(ctx, dep.TxID)
			if terr != nil || status != plugin.VestingVested {
				log.Info("deposit not vested, excluded from funding", "deal", d.ID,
					"tx", dep.TxID, "status", status, "err", terr)
				continue
			}
		}
		vested.Add(vested, dep.Amount)
	}
	return vested, nil
}

// fundedEnough accepts confirmed ≥ expected, less an optional slack of a
// few basis points. confirmed × 10000 ≥ expected × (10000 − slack).
func fundedEnough(confirmed, expected *big.Int, slackBps int64) bool {
	lhs := new(big.Int).Mul(confirmed, big.NewInt(10000))
	rhs := new(big.Int).Mul(expected, big.NewInt(10000-slackBps))
	return lhs.Cmp(rhs) >= 0
}

// ensureApprovals checks every token side's broker allowance, enqueuing
// an approval where one is missing. Returns true when the deal can settle.
func (e *Engine) ensureApprovals(ctx context.Context, d *store.Deal) (bool, error) {
	ready := true
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		if side.TokenAddress == "" {
			continue
		}
		p, err := e.pluginFor(side.Chain)
		if err != nil {
			return false, err
		}
		approved, err := p.CheckBrokerApproval(ctx, side.Escrow.Address, side.TokenAddress)
		if err != nil {
			return false, fmt.Errorf("allowance check for party %s: %w", party, err)
		}
		if approved {
			continue
		}
		ready = false

		open, err := e.st.OpenBrokerItems(side.Chain, side.Escrow.Address)
		if err != nil {
			return false, err
		}
		pending := false
		for _, it := range open {
			if it.Purpose == store.PurposeApproveBroker {
				pending = true
				break
			}
		}
		if pending {
			continue
		}

		seq, err := e.st.NextSeq(d.ID, side.Chain)
		if err != nil {
			return false, err
		}
		item := &store.QueueItem{
			ID:      newID(),
			DealID:  d.ID,
			Chain:   side.Chain,
			From:    *side.Escrow,
			To:      side.TokenAddress,
			Asset:   side.TokenAddress,
			Amount:  "0",
			Purpose: store.PurposeApproveBroker,
			Seq:     seq,
		}
		d.AppendEvent("broker approval enqueued for party %s escrow %s", party, side.Escrow.Address)
		if err := e.st.EnqueueForDeal(d, []*store.QueueItem{item}); err != nil {
			return false, err
		}
		log.Info("broker approval enqueued", "deal", d.ID, "party", party, "escrow", side.Escrow.Address)
	}
	return ready, nil
}

// swapSplit divides a side's deposit into the swapped amount and the
// broker fee.
func swapSplit(side *store.PartySpec) (*big.Int, *big.Int, error) {
	expected, err := store.ParseAmount(side.ExpectedAmount)
	if err != nil {
		return nil, nil, err
	}
	fee, err := store.ParseAmount(side.Fee)
	if err != nil {
		return nil, nil, err
	}
	amount := new(big.Int).Sub(expected, fee)
	if amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("fee %s consumes the whole amount %s", fee, expected)
	}
	return amount, fee, nil
}

// beginSwap enqueues the atomic settlement for both sides and moves the
// deal to SWAP in the same transaction.
func (e *Engine) beginSwap(ctx context.Context, d *store.Deal) error {
	if time.Now().After(d.Deadline) {
		return e.Revert(d, "deal expired before settlement")
	}

	var items []*store.QueueItem
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		p, err := e.pluginFor(side.Chain)
		if err != nil {
			return err
		}
		amount, fee, err := swapSplit(side)
		if err != nil {
			return fmt.Errorf("party %s: %w", party, err)
		}
		seq, err := e.st.NextSeq(d.ID, side.Chain)
		if err != nil {
			return err
		}
		for _, prev := range items {
			if prev.Chain == side.Chain && prev.Seq >= seq {
				seq = prev.Seq + 1
			}
		}

		it := &store.QueueItem{
			ID:           newID(),
			DealID:       d.ID,
			Chain:        side.Chain,
			Asset:        assetID(side),
			Amount:       amount.String(),
			Seq:          seq,
			Phase:        "settle",
			Payback:      side.RefundAddress,
			Recipient:    side.Recipient,
			FeeRecipient: p.OperatorAddress(),
			Fees:         fee.String(),
		}
		if side.TokenAddress != "" {
			// Operator-sent broker call pulling tokens from the escrow.
			it.Purpose = store.PurposeBrokerSwap
			it.From = operatorRef(p)
			it.To = side.Escrow.Address
		} else {
			// Escrow-sent native settlement carrying the operator signature.
			it.Purpose = store.PurposePhase1Swap
			it.From = *side.Escrow
			it.To = side.Recipient
		}
		items = append(items, it)
	}

	d.AppendEvent("settlement enqueued: %d items", len(items))
	log.Info("deal settling", "deal", d.ID, "items", len(items))
	advancedCounter.Inc(1)
	return e.st.AdvanceDeal(d, store.StageSwap, items)
}

// watchSwap waits for the settlement items to confirm, then enqueues the
// payout leg: gas reimbursement and surplus refunds.
func (e *Engine) watchSwap(ctx context.Context, d *store.Deal) error {
	items, err := e.st.ItemsByDeal(d.ID)
	if err != nil {
		return err
	}
	var settled []*store.QueueItem
	for _, it := range items {
		if it.Purpose != store.PurposeBrokerSwap && it.Purpose != store.PurposePhase1Swap {
			continue
		}
		switch it.Status {
		case store.ItemFailed:
			return e.flagForReview(d, fmt.Sprintf("settlement item %s failed: %s", it.ID, it.RecoveryError))
		case store.ItemConfirmed:
			settled = append(settled, it)
		default:
			return nil // still in flight
		}
	}
	if len(settled) == 0 {
		return nil
	}

	var payout []*store.QueueItem
	if d.Reimburse.Active && d.ReimburseResult == nil {
		it, rerr := e.reimbursementItem(ctx, d, settled)
		switch {
		case rerr != nil:
			// Reimbursement never blocks settlement.
			skippedReimburseCounter.Inc(1)
			d.AppendEvent("gas reimbursement skipped: %v", rerr)
			log.Warn("gas reimbursement skipped", "deal", d.ID, "err", rerr)
		case it != nil:
			payout = append(payout, it)
		}
	}

	surplus, err := e.surplusItems(d, payout)
	if err != nil {
		return err
	}
	payout = append(payout, surplus...)

	d.AppendEvent("settlement confirmed, %d payout items", len(payout))
	advancedCounter.Inc(1)
	return e.st.AdvanceDeal(d, store.StagePayout, payout)
}

// surplusItems refunds deposits beyond the expected amount back to each
// side's payback address; surplus is never absorbed into the swap.
func (e *Engine) surplusItems(d *store.Deal, queued []*store.QueueItem) ([]*store.QueueItem, error) {
	var items []*store.QueueItem
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		total, err := e.confirmedSum(d, side)
		if err != nil {
			return nil, err
		}
		expected, err := store.ParseAmount(side.ExpectedAmount)
		if err != nil {
			return nil, err
		}
		surplus := new(big.Int).Sub(total, expected)
		if surplus.Sign() <= 0 {
			continue
		}
		seq, err := e.st.NextSeq(d.ID, side.Chain)
		if err != nil {
			return nil, err
		}
		for _, prev := range append(queued, items...) {
			if prev.Chain == side.Chain && prev.Seq >= seq {
				seq = prev.Seq + 1
			}
		}
		items = append(items, &store.QueueItem{
			ID:      newID(),
			DealID:  d.ID,
			Chain:   side.Chain,
			From:    *side.Escrow,
			To:      side.RefundAddress,
			Asset:   assetID(side),
			Amount:  surplus.String(),
			Purpose: store.PurposeSurplusRefund,
			Seq:     seq,
		})
		d.AppendEvent("surplus of %s %s refunded to party %s", surplus, side.Asset, party)
	}
	return items, nil
}

// confirmedSum totals a side's recorded deposits that met the chain's
// confirmation threshold.
func (e *Engine) confirmedSum(d *store.Deal, side *store.PartySpec) (*big.Int, error) {
	p, err := e.pluginFor(side.Chain)
	if err != nil {
		return nil, err
	}
	deps, err := e.st.DepositsByDeal(d.ID)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, dep := range deps {
		if side.Escrow == nil || dep.Chain != side.Chain || dep.EscrowAddress != side.Escrow.Address {
			continue
		}
		if dep.Confirmations < p.ConfirmationThreshold() {
			continue
		}
		total.Add(total, store.MustAmount(dep.Amount))
	}
	return total, nil
}

// watchPayout waits for the payout items and closes the deal.
func (e *Engine) watchPayout(d *store.Deal) error {
	items, err := e.st.ItemsByDeal(d.ID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Purpose != store.PurposeSurplusRefund && it.Purpose != store.PurposeGasRefundToTank {
			continue
		}
		switch it.Status {
		case store.ItemFailed:
			return e.flagForReview(d, fmt.Sprintf("payout item %s failed: %s", it.ID, it.RecoveryError))
		case store.ItemConfirmed:
		default:
			return nil
		}
	}

	summary := fmt.Sprintf("deal closed: %s %s for %s %s", d.A.ExpectedAmount, d.A.Asset, d.B.ExpectedAmount, d.B.Asset)
	if d.ReimburseResult != nil {
		summary += fmt.Sprintf(", tank reimbursed %s %s", d.ReimburseResult.TokenAmount, d.ReimburseResult.Token)
	}
	d.AppendEvent("%s", summary)
	log.Info("deal closed", "deal", d.ID)
	closedCounter.Inc(1)
	advancedCounter.Inc(1)
	return e.st.AdvanceDeal(d, store.StageClosed, nil)
}

// Revert moves a COLLECTION or READY deal to REVERTED, refunding every
// funded side and dropping pending settlement-only items. Unfunded sides
// need no action.
func (e *Engine) Revert(d *store.Deal, reason string) error {
	var items []*store.QueueItem
	for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
		side := d.Side(party)
		if side.Escrow == nil {
			continue
		}
		p, err := e.pluginFor(side.Chain)
		if err != nil {
			return err
		}
		total, err := e.confirmedSum(d, side)
		if err != nil {
			return err
		}
		if total.Sign() == 0 {
			continue
		}
		// The broker fee is owed even on a revert. Clamp so a partial
		// deposit smaller than the fee is kept whole by the operator
		// rather than producing a negative refund.
		fee, err := store.ParseAmount(side.Fee)
		if err != nil {
			return fmt.Errorf("party %s fee: %w", party, err)
		}
		if fee.Cmp(total) > 0 {
			fee = new(big.Int).Set(total)
		}
		refund := new(big.Int).Sub(total, fee)
		if refund.Sign() == 0 {
			d.AppendEvent("party %s deposit of %s %s consumed by fee, no refund", party, total, side.Asset)
			continue
		}
		seq, err := e.st.NextSeq(d.ID, side.Chain)
		if err != nil {
			return err
		}
		for _, prev := range items {
			if prev.Chain == side.Chain && prev.Seq >= seq {
				seq = prev.Seq + 1
			}
		}

		it := &store.QueueItem{
			ID:      newID(),
			DealID:  d.ID,
			Chain:   side.Chain,
			Asset:   assetID(side),
			Amount:  refund.String(),
			Seq:     seq,
			Payback: side.RefundAddress,
		}
		if side.TokenAddress != "" {
			// Token reverts move refund tokens back out of the escrow;
			// the fee remainder stays behind for the sweep.
			it.Purpose = store.PurposeBrokerRevert
			it.From = operatorRef(p)
			it.To = side.Escrow.Address
		} else {
			it.Purpose = store.PurposeBrokerRefund
			it.From = *side.Escrow
			it.To = side.RefundAddress
			it.Recipient = side.RefundAddress
			it.FeeRecipient = p.OperatorAddress()
			it.Fees = fee.String()
		}
		items = append(items, it)
		d.AppendEvent("refund of %s %s (fee %s withheld) to party %s enqueued", refund, side.Asset, fee, party)
	}

	cancelled, err := e.st.CancelSettlementItems(d.ID)
	if err != nil {
		return err
	}
	d.AppendEvent("deal reverted: %s (%d pending settlement items dropped)", reason, len(cancelled))
	log.Warn("deal reverted", "deal", d.ID, "reason", reason,
		"refunds", len(items), "cancelled", len(cancelled))
	revertedCounter.Inc(1)
	return e.st.AdvanceDeal(d, store.StageReverted, items)
}

// flagForReview freezes a deal whose on-chain state contradicts an
// invariant; an operator has to resolve it by hand.
func (e *Engine) flagForReview(d *store.Deal, reason string) error {
	d.OperatorReview = true
	d.ReviewReason = reason
	d.AppendEvent("flagged for operator review: %s", reason)
	log.Error("deal flagged for operator review", "deal", d.ID, "reason", reason)
	return e.st.UpdateDeal(d)
}
