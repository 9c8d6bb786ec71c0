package recovery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// ensureGasFunded checks whether the item's escrow can pay for its own
// submission and, if not, enqueues a tank-to-escrow GAS_FUNDING transfer.
// Returns true when a funding transfer was enqueued.
func (m *Manager) ensureGasFunded(ctx context.Context, it *store.QueueItem) (bool, error) {
	p, ok := m.plugins[it.Chain]
	if !ok {
		return false, pkgerrors.Errorf("no plugin for chain %s", it.Chain)
	}
	if p.OperatorAddress() == "" || it.From.Address == p.OperatorAddress() {
		return false, nil // tank items fund themselves
	}

	quote, err := p.QuoteGas(ctx, it.From)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "gas quote on %s", it.Chain)
	}
	required := new(big.Int).Mul(quote.Price, new(big.Int).SetUint64(m.cfg.GasUnits))

	balance, err := p.NativeBalance(ctx, it.From.Address)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "balance of escrow %s", it.From.Address)
	}
	if balance.Cmp(required) >= 0 {
		return false, nil
	}

	// One in-flight funding per escrow is enough.
	siblings, err := m.st.ItemsByDeal(it.DealID)
	if err != nil {
		return false, err
	}
	for _, s := range siblings {
		if s.Purpose == store.PurposeGasFunding && s.To == it.From.Address &&
			(s.Status == store.ItemPending || s.Status == store.ItemSubmitted) {
			return false, nil
		}
	}

	// funding = max(floor, 2 x estimate); the headroom covers one gas bump.
	funding := new(big.Int).Lsh(required, 1)
	if floor := m.amount(m.cfg.FundingFloor); funding.Cmp(floor) < 0 {
		funding.Set(floor)
	}

	tank, err := p.NativeBalance(ctx, p.OperatorAddress())
	if err != nil {
		return false, pkgerrors.Wrapf(err, "tank balance on %s", it.Chain)
	}
	if new(big.Int).Sub(tank, funding).Cmp(m.amount(m.cfg.LowTankThreshold)) < 0 {
		lowTankGauge.Update(1)
		m.record(typeGasFunding, it.Chain, actionTankAlarm, false,
			fmt.Sprintf("tank %s cannot fund %s", tank, funding),
			fmt.Sprintf(`{"deal":%q,"escrow":%q}`, it.DealID, it.From.Address))
		log.Error("gas tank too low to fund escrow", "chain", it.Chain,
			"tank", tank, "needed", funding, "escrow", it.From.Address)
		return false, pkgerrors.New("tank balance below low-water mark")
	}
	lowTankGauge.Update(0)

	seq, err := m.st.NextSeq(it.DealID, it.Chain)
	if err != nil {
		return false, err
	}
	fundingItem := &store.QueueItem{
		ID:      uuid.NewString(),
		DealID:  it.DealID,
		Chain:   it.Chain,
		From:    plugin.EscrowAccountRef{Chain: it.Chain, Address: p.OperatorAddress(), KeyIndex: 0},
		To:      it.From.Address,
		Asset:   "", // native
		Amount:  funding.String(),
		Purpose: store.PurposeGasFunding,
		Seq:     seq,
	}
	if err := m.st.InsertItem(fundingItem); err != nil {
		return false, pkgerrors.Wrap(err, "enqueue gas funding")
	}
	fundingCounter.Inc(1)
	m.record(typeGasFunding, it.Chain, actionFund, true, "",
		fmt.Sprintf(`{"deal":%q,"escrow":%q,"amount":%q}`, it.DealID, it.From.Address, funding.String()))
	log.Info("gas funding enqueued", "deal", it.DealID, "chain", it.Chain,
		"escrow", it.From.Address, "amount", funding)
	return true, nil
}

// Phase 4: return leftover escrow gas to the tank. Only terminal deals
// qualify, the approval must be out of its lock window, no broker
// operation may still be in flight from the escrow, and each approval is
// refunded exactly once.
func (m *Manager) refundEscrowGas(ctx context.Context) {
	deals, err := m.st.DealsByStage(store.StageClosed, store.StageReverted)
	if err != nil {
		log.Error("listing terminal deals", "err", err)
		return
	}
	for _, d := range deals {
		if ctx.Err() != nil {
			return
		}
		if d.OperatorReview {
			continue
		}
		items, err := m.st.ItemsByDeal(d.ID)
		if err != nil {
			log.Error("listing deal items", "deal", d.ID, "err", err)
			continue
		}
		for _, it := range items {
			if it.Purpose == store.PurposeApproveBroker && it.Status == store.ItemConfirmed {
				m.maybeRefund(ctx, d, it)
			}
		}
	}
}

func (m *Manager) maybeRefund(ctx context.Context, d *store.Deal, approval *store.QueueItem) {
	p, ok := m.plugins[approval.Chain]
	if !ok || p.OperatorAddress() == "" {
		return
	}
	if time.Since(approval.LastSubmitAt) < m.cfg.ApprovalLockWindow {
		return
	}
	if _, err := m.st.GasRefundByApproval(approval.Chain, approval.From.Address, approval.SubmittedTx); err == nil {
		return // already refunded
	}
	open, err := m.st.OpenBrokerItems(approval.Chain, approval.From.Address)
	if err != nil {
		log.Error("listing open broker items", "deal", d.ID, "err", err)
		return
	}
	if len(open) > 0 {
		return
	}

	balance, err := p.NativeBalance(ctx, approval.From.Address)
	if err != nil {
		log.Warn("escrow balance check failed", "deal", d.ID, "escrow", approval.From.Address, "err", err)
		return
	}
	if balance.Cmp(m.amount(m.cfg.MinRefundThreshold)) < 0 {
		m.record(typeGasRefund, approval.Chain, actionSkipped, true,
			"", fmt.Sprintf(`{"deal":%q,"escrow":%q,"balance":%q}`, d.ID, approval.From.Address, balance.String()))
		return
	}

	// Leave enough behind to pay for the refund transfer itself.
	quote, err := p.QuoteGas(ctx, approval.From)
	if err != nil {
		log.Warn("gas quote for refund failed", "deal", d.ID, "chain", approval.Chain, "err", err)
		return
	}
	reserve := new(big.Int).Mul(quote.Price, big.NewInt(21000))
	refundable := new(big.Int).Sub(balance, reserve)
	if refundable.Sign() <= 0 {
		return
	}

	seq, err := m.st.NextSeq(d.ID, approval.Chain)
	if err != nil {
		log.Error("allocating seq for refund", "deal", d.ID, "err", err)
		return
	}
	item := &store.QueueItem{
		ID:      uuid.NewString(),
		DealID:  d.ID,
		Chain:   approval.Chain,
		From:    approval.From,
		To:      p.OperatorAddress(),
		Asset:   "", // native
		Amount:  refundable.String(),
		Purpose: store.PurposeGasRefundToTank,
		Seq:     seq,
	}
	refund := &store.GasRefund{
		ID:            uuid.NewString(),
		DealID:        d.ID,
		Chain:         approval.Chain,
		EscrowAddress: approval.From.Address,
		ApprovalTx:    approval.SubmittedTx,
		RefundAmount:  refundable.String(),
		Status:        store.RefundQueued,
		QueueItemID:   item.ID,
		Metadata:      fmt.Sprintf(`{"balance":%q,"reserve":%q}`, balance.String(), reserve.String()),
	}
	if err := m.st.CreateGasRefund(refund, item); err != nil {
		if pkgerrors.Is(err, store.ErrRefundExists) {
			return // raced with another cycle
		}
		log.Error("creating gas refund failed", "deal", d.ID, "err", err)
		m.record(typeGasRefund, approval.Chain, actionRefund, false, err.Error(),
			fmt.Sprintf(`{"deal":%q,"escrow":%q}`, d.ID, approval.From.Address))
		return
	}
	refundCounter.Inc(1)
	m.record(typeGasRefund, approval.Chain, actionRefund, true, "",
		fmt.Sprintf(`{"deal":%q,"escrow":%q,"amount":%q}`, d.ID, approval.From.Address, refundable.String()))
	log.Info("escrow gas refund enqueued", "deal", d.ID, "chain", approval.Chain,
		"escrow", approval.From.Address, "amount", refundable)
}
