// Package recovery is the self-healing layer. A lease-guarded cycle walks
// four phases over the persistent state: items that never left PENDING,
// submissions that stopped confirming, escrows missing their broker
// allowance, and leftover escrow gas owed back to the tank. Every action
// is recorded in the recovery log; the cycle never touches a deal the
// operator has pulled for review.
package recovery

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

type Config struct {
	Interval            time.Duration `koanf:"interval"`
	LeaseTTL            time.Duration `koanf:"lease-ttl"`
	StuckPendingAge     time.Duration `koanf:"stuck-pending-age"`
	SuspectSubmittedAge time.Duration `koanf:"suspect-submitted-age"`
	MaxAttempts         int           `koanf:"max-attempts"`
	AllowanceRecheck    time.Duration `koanf:"allowance-recheck"`

	// Gas economics, in native base units.
	GasUnits           uint64 `koanf:"gas-units"`
	FundingFloor       string `koanf:"funding-floor"`
	LowTankThreshold   string `koanf:"low-tank-threshold"`
	MinRefundThreshold string `koanf:"min-refund-threshold"`

	// ApprovalLockWindow keeps an escrow's gas in place after its broker
	// approval, so a late revert can still pay for itself.
	ApprovalLockWindow time.Duration `koanf:"approval-lock-window"`
}

var DefaultConfig = Config{
	Interval:            time.Minute,
	LeaseTTL:            3 * time.Minute,
	StuckPendingAge:     10 * time.Minute,
	SuspectSubmittedAge: 15 * time.Minute,
	MaxAttempts:         5,
	AllowanceRecheck:    30 * time.Minute,
	GasUnits:            350000,
	FundingFloor:        "10000000000000000",  // 0.01 native
	LowTankThreshold:    "100000000000000000", // 0.1 native
	MinRefundThreshold:  "5000000000000000",   // 0.005 native
	ApprovalLockWindow:  time.Hour,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Duration(prefix+".interval", DefaultConfig.Interval, "how often a recovery cycle runs")
	f.Duration(prefix+".lease-ttl", DefaultConfig.LeaseTTL, "global recovery lease lifetime")
	f.Duration(prefix+".stuck-pending-age", DefaultConfig.StuckPendingAge, "age after which a never-submitted item counts as stuck")
	f.Duration(prefix+".suspect-submitted-age", DefaultConfig.SuspectSubmittedAge, "age after which an unconfirmed submission is re-checked")
	f.Int(prefix+".max-attempts", DefaultConfig.MaxAttempts, "recovery attempts before an item fails and the deal is flagged")
	f.Duration(prefix+".allowance-recheck", DefaultConfig.AllowanceRecheck, "min interval between allowance re-checks per escrow")
	f.Uint64(prefix+".gas-units", DefaultConfig.GasUnits, "gas units assumed per broker operation when sizing gas funding")
	f.String(prefix+".funding-floor", DefaultConfig.FundingFloor, "minimum gas-funding transfer, native base units")
	f.String(prefix+".low-tank-threshold", DefaultConfig.LowTankThreshold, "tank balance below which gas funding halts")
	f.String(prefix+".min-refund-threshold", DefaultConfig.MinRefundThreshold, "escrow balance below which no tank refund is made")
	f.Duration(prefix+".approval-lock-window", DefaultConfig.ApprovalLockWindow, "time after an approval during which escrow gas is not refunded")
}

var (
	cyclesCounter      = metrics.NewRegisteredCounter("broker/recovery/cycles", nil)
	leaseLostCounter   = metrics.NewRegisteredCounter("broker/recovery/lease_lost", nil)
	actionsCounter     = metrics.NewRegisteredCounter("broker/recovery/actions", nil)
	fundingCounter     = metrics.NewRegisteredCounter("broker/recovery/gas_funded", nil)
	refundCounter      = metrics.NewRegisteredCounter("broker/recovery/tank_refunds", nil)
	lowTankGauge       = metrics.NewRegisteredGauge("broker/recovery/low_tank", nil)
	flaggedDealCounter = metrics.NewRegisteredCounter("broker/recovery/deals_flagged", nil)
)

// recovery types and actions as they appear in the audit log.
const (
	typeStuckItem   = "STUCK_ITEM"
	typeSuspectTx   = "SUSPECT_SUBMITTED"
	typeAllowance   = "MISSING_ALLOWANCE"
	typeGasRefund   = "GAS_REFUND"
	typeGasFunding  = "GAS_FUNDING"
	actionFund      = "fund"
	actionFlag      = "flag_deal"
	actionRequeue   = "requeue"
	actionConfirm   = "confirm"
	actionApprove   = "approve"
	actionRefund    = "refund_to_tank"
	actionSkipped   = "skipped"
	actionTankAlarm = "low_tank"
)

type Manager struct {
	cfg     Config
	st      *store.Store
	plugins map[string]plugin.ChainPlugin
	holder  string

	stop chan struct{}
	done chan struct{}
}

func NewManager(cfg Config, st *store.Store, plugins map[string]plugin.ChainPlugin) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		cfg:     cfg,
		st:      st,
		plugins: plugins,
		holder:  fmt.Sprintf("%s/%s", host, uuid.NewString()[:8]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunCycle(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) StopAndWait() {
	close(m.stop)
	<-m.done
}

// RunCycle executes one full recovery pass if the global lease can be
// taken. Exactly one manager across all processes runs at a time.
func (m *Manager) RunCycle(ctx context.Context) {
	ok, err := m.st.AcquireLease(store.LeaseRecoveryGlobal, m.holder, m.cfg.LeaseTTL)
	if err != nil {
		log.Error("recovery lease acquisition failed", "err", err)
		return
	}
	if !ok {
		leaseLostCounter.Inc(1)
		log.Debug("recovery lease held elsewhere, skipping cycle", "holder", m.holder)
		return
	}
	defer func() {
		if err := m.st.ReleaseLease(store.LeaseRecoveryGlobal, m.holder); err != nil {
			log.Warn("recovery lease release failed", "err", err)
		}
	}()

	cyclesCounter.Inc(1)
	start := time.Now()
	m.recoverStuckPending(ctx)
	m.recoverSuspectSubmitted(ctx)
	m.recoverMissingAllowances(ctx)
	m.refundEscrowGas(ctx)
	log.Debug("recovery cycle complete", "holder", m.holder, "elapsed", time.Since(start))
}

func (m *Manager) record(recType, chain, action string, success bool, errMsg, metadata string) {
	actionsCounter.Inc(1)
	if err := m.st.AppendRecovery(&store.RecoveryRecord{
		Type: recType, Chain: chain, Action: action,
		Success: success, Error: errMsg, Metadata: metadata,
	}); err != nil {
		log.Error("recovery audit write failed", "type", recType, "action", action, "err", err)
	}
}

// dealUnderReview reports whether the item's deal is paused for the
// operator; recovery leaves those strictly alone.
func (m *Manager) dealUnderReview(dealID string) bool {
	d, err := m.st.GetDeal(dealID)
	if err != nil {
		return false
	}
	return d.OperatorReview
}

// flagDeal pulls a deal out of automated processing.
func (m *Manager) flagDeal(dealID, reason string) {
	d, err := m.st.GetDeal(dealID)
	if err != nil {
		log.Error("cannot flag unknown deal", "deal", dealID, "err", err)
		return
	}
	if d.OperatorReview {
		return
	}
	d.OperatorReview = true
	d.ReviewReason = reason
	d.AppendEvent("flagged for operator review: %s", reason)
	if err := m.st.UpdateDeal(d); err != nil {
		log.Error("flagging deal failed", "deal", dealID, "err", err)
		return
	}
	flaggedDealCounter.Inc(1)
	log.Warn("deal flagged for operator review", "deal", dealID, "reason", reason)
}

// Phase 1: PENDING items the dispatcher keeps skipping. The usual cause
// is an unfunded escrow; past the attempt budget the item fails and the
// deal goes to the operator.
func (m *Manager) recoverStuckPending(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.StuckPendingAge)
	items, err := m.st.StuckPendingItems(cutoff, m.cfg.MaxAttempts+1)
	if err != nil {
		log.Error("listing stuck items", "err", err)
		return
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if m.dealUnderReview(it.DealID) {
			continue
		}
		if it.RecoveryAttempts >= m.cfg.MaxAttempts {
			reason := fmt.Sprintf("item %s (%s) exceeded %d recovery attempts: %s",
				it.ID, it.Purpose, m.cfg.MaxAttempts, it.RecoveryError)
			if err := m.st.MarkFailed(it.ID, reason); err != nil {
				log.Error("failing exhausted item", "item", it.ID, "err", err)
				continue
			}
			m.flagDeal(it.DealID, reason)
			m.record(typeStuckItem, it.Chain, actionFlag, true, "", fmt.Sprintf(`{"item":%q}`, it.ID))
			continue
		}

		funded, err := m.ensureGasFunded(ctx, it)
		if err != nil {
			m.record(typeStuckItem, it.Chain, actionFund, false, err.Error(), fmt.Sprintf(`{"item":%q}`, it.ID))
			continue
		}
		note := "waiting on dispatcher"
		if funded {
			note = "gas funding enqueued"
		}
		if err := m.st.TouchRecovery(it.ID, true, note); err != nil {
			log.Error("recovery bookkeeping failed", "item", it.ID, "err", err)
		}
		m.record(typeStuckItem, it.Chain, actionFund, true, "", fmt.Sprintf(`{"item":%q,"funded":%v}`, it.ID, funded))
	}
}

// Phase 2: SUBMITTED items whose confirmations stopped moving long past
// the dispatcher's horizon. A backstop for dispatcher restarts.
func (m *Manager) recoverSuspectSubmitted(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.SuspectSubmittedAge)
	items, err := m.st.SuspectSubmittedItems(cutoff)
	if err != nil {
		log.Error("listing suspect submissions", "err", err)
		return
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if m.dealUnderReview(it.DealID) {
			continue
		}
		p, ok := m.plugins[it.Chain]
		if !ok {
			continue
		}
		conf, err := p.TxConfirmations(ctx, it.SubmittedTx)
		if err != nil {
			log.Warn("suspect tx check failed", "item", it.ID, "tx", it.SubmittedTx, "err", err)
			continue
		}
		switch {
		case conf < 0:
			if err := m.st.ResetToPending(it.ID, fmt.Sprintf("recovery: tx %s lost", it.SubmittedTx)); err != nil {
				log.Error("requeue of suspect item failed", "item", it.ID, "err", err)
				continue
			}
			if err := m.st.TouchRecovery(it.ID, true, "requeued by recovery"); err != nil {
				log.Error("recovery bookkeeping failed", "item", it.ID, "err", err)
			}
			m.record(typeSuspectTx, it.Chain, actionRequeue, true, "", fmt.Sprintf(`{"item":%q,"tx":%q}`, it.ID, it.SubmittedTx))
		case conf >= p.ConfirmationThreshold():
			if err := m.st.MarkConfirmed(it.ID); err != nil {
				log.Error("confirming suspect item failed", "item", it.ID, "err", err)
				continue
			}
			m.record(typeSuspectTx, it.Chain, actionConfirm, true, "", fmt.Sprintf(`{"item":%q,"tx":%q}`, it.ID, it.SubmittedTx))
		}
	}
}

// Phase 3: deals in SWAP whose token escrows lost (or never gained) the
// broker allowance the settlement needs. Re-checks are rate-limited per
// chain so a flapping node does not spray approvals.
func (m *Manager) recoverMissingAllowances(ctx context.Context) {
	deals, err := m.st.DealsByStage(store.StageSwap)
	if err != nil {
		log.Error("listing swapping deals", "err", err)
		return
	}
	for _, d := range deals {
		if ctx.Err() != nil {
			return
		}
		if d.OperatorReview {
			continue
		}
		for _, party := range []plugin.Party{plugin.PartyA, plugin.PartyB} {
			m.checkAllowance(ctx, d, party)
		}
	}
}

func (m *Manager) checkAllowance(ctx context.Context, d *store.Deal, party plugin.Party) {
	side := d.Side(party)
	if side.TokenAddress == "" || side.Escrow == nil {
		return
	}
	p, ok := m.plugins[side.Chain]
	if !ok {
		return
	}
	if last, err := m.st.LastRecoveryOf(typeAllowance, side.Chain, actionApprove); err == nil {
		if time.Since(last.CreatedAt) < m.cfg.AllowanceRecheck {
			return
		}
	}
	approved, err := p.CheckBrokerApproval(ctx, side.Escrow.Address, side.TokenAddress)
	if err != nil {
		if !pkgerrors.Is(err, plugin.ErrUnsupported) {
			log.Warn("allowance check failed", "deal", d.ID, "chain", side.Chain, "err", err)
		}
		return
	}
	if approved {
		return
	}
	open, err := m.st.OpenBrokerItems(side.Chain, side.Escrow.Address)
	if err != nil {
		log.Error("listing open broker items", "deal", d.ID, "err", err)
		return
	}
	for _, it := range open {
		if it.Purpose == store.PurposeApproveBroker {
			return // an approval is already on its way
		}
	}

	seq, err := m.st.NextSeq(d.ID, side.Chain)
	if err != nil {
		log.Error("allocating seq for approval", "deal", d.ID, "err", err)
		return
	}
	item := &store.QueueItem{
		ID:      uuid.NewString(),
		DealID:  d.ID,
		Chain:   side.Chain,
		From:    *side.Escrow,
		To:      side.TokenAddress,
		Asset:   side.TokenAddress,
		Amount:  "0",
		Purpose: store.PurposeApproveBroker,
		Seq:     seq,
	}
	d.AppendEvent("recovery re-queued broker approval on %s for escrow %s", side.Chain, side.Escrow.Address)
	if err := m.st.EnqueueForDeal(d, []*store.QueueItem{item}); err != nil {
		log.Error("enqueueing approval failed", "deal", d.ID, "err", err)
		m.record(typeAllowance, side.Chain, actionApprove, false, err.Error(), fmt.Sprintf(`{"deal":%q}`, d.ID))
		return
	}
	m.record(typeAllowance, side.Chain, actionApprove, true, "",
		fmt.Sprintf(`{"deal":%q,"escrow":%q,"token":%q}`, d.ID, side.Escrow.Address, side.TokenAddress))
	log.Info("broker approval re-queued", "deal", d.ID, "chain", side.Chain, "escrow", side.Escrow.Address)

	if _, err := m.ensureGasFunded(ctx, item); err != nil {
		log.Warn("gas funding for re-approval failed", "deal", d.ID, "err", err)
	}
}

// amount parses a config amount, panicking at startup-config level
// mistakes rather than mid-cycle.
func (m *Manager) amount(s string) *big.Int {
	v, err := store.ParseAmount(s)
	if err != nil {
		log.Crit("malformed amount in recovery config", "value", s)
	}
	return v
}
