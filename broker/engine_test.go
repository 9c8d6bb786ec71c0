package broker

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// fakeChain implements plugin.ChainPlugin with scriptable deposits,
// approvals, gas receipts and oracle answers.
type fakeChain struct {
	name      string
	threshold int64

	deposits   map[string]plugin.DepositList // keyed by escrow address
	depositErr error
	approvals  map[string]bool
	gasUsed    map[string]uint64
	price      plugin.PriceQuote
	priceErr   error
	priceCalls int
	submits    []plugin.SubmitRequest
	nextTx     int
}

func newFakeChain(name string) *fakeChain {
	return &fakeChain{
		name:      name,
		threshold: 3,
		deposits:  make(map[string]plugin.DepositList),
		approvals: make(map[string]bool),
		gasUsed:   make(map[string]uint64),
		price:     plugin.PriceQuote{Price: 1800, Source: "feed"},
	}
}

func (f *fakeChain) Name() string                 { return f.name }
func (f *fakeChain) ConfirmationThreshold() int64 { return f.threshold }
func (f *fakeChain) OperatorAddress() string      { return "tank-" + f.name }

func (f *fakeChain) DeriveEscrow(dealID string, party plugin.Party) (plugin.EscrowAccountRef, error) {
	return plugin.EscrowAccountRef{
		Chain:    f.name,
		Address:  fmt.Sprintf("escrow-%s-%s", dealID, party),
		KeyIndex: 7,
	}, nil
}

func (f *fakeChain) ListConfirmedDeposits(_ context.Context, _, address string, _ int64) (plugin.DepositList, error) {
	if f.depositErr != nil {
		return plugin.DepositList{}, f.depositErr
	}
	if list, ok := f.deposits[address]; ok {
		return list, nil
	}
	return plugin.DepositList{TotalConfirmed: new(big.Int)}, nil
}

func (f *fakeChain) ResolveTransferEvents(context.Context, string, string, uint64, uint64) ([]plugin.TransferEvent, error) {
	return nil, plugin.ErrUnsupported
}

func (f *fakeChain) TxConfirmations(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeChain) QuoteGas(context.Context, plugin.EscrowAccountRef) (plugin.GasQuote, error) {
	return plugin.GasQuote{Price: big.NewInt(1000), Nonce: 1}, nil
}

func (f *fakeChain) Submit(_ context.Context, req plugin.SubmitRequest) (plugin.SubmitResult, error) {
	f.submits = append(f.submits, req)
	f.nextTx++
	return plugin.SubmitResult{TxID: fmt.Sprintf("0x%s%d", f.name, f.nextTx)}, nil
}

func (f *fakeChain) NativeBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChain) CheckBrokerApproval(_ context.Context, escrowAddr, _ string) (bool, error) {
	return f.approvals[escrowAddr], nil
}

func (f *fakeChain) ApproveBrokerForToken(context.Context, plugin.EscrowAccountRef, string) (plugin.SubmitResult, error) {
	return plugin.SubmitResult{}, plugin.ErrUnsupported
}

func (f *fakeChain) QuoteNativeUSD(context.Context) (plugin.PriceQuote, error) {
	f.priceCalls++
	if f.priceErr != nil {
		return plugin.PriceQuote{}, f.priceErr
	}
	return f.price, nil
}

func (f *fakeChain) TxGasUsed(_ context.Context, txid string) (uint64, error) {
	used, ok := f.gasUsed[txid]
	if !ok {
		return 0, fmt.Errorf("no receipt for %s", txid)
	}
	return used, nil
}

// vestingChain additionally classifies deposits as vested or not.
type vestingChain struct {
	*fakeChain
	vesting map[string]plugin.VestingStatus
}

func (v *vestingChain) TraceVesting(_ context.Context, txid string) (plugin.VestingStatus, error) {
	if s, ok := v.vesting[txid]; ok {
		return s, nil
	}
	return plugin.VestingVested, nil
}

func newTestEngine(t *testing.T) (*Engine, *API, *store.Store, *fakeChain) {
	t.Helper()
	st, err := store.Open(store.Config{DataDir: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	chain := newFakeChain("ETH")
	cfg := DefaultEngineConfig
	cfg.OracleBackoff = time.Millisecond
	e := NewEngine(cfg, st, map[string]plugin.ChainPlugin{"ETH": chain})
	return e, NewAPI(e), st, chain
}

func nativeParty(tag string) PartyParams {
	return PartyParams{
		Chain:          "ETH",
		Asset:          "ETH",
		RefundAddress:  "0xrefund-" + tag,
		Recipient:      "0xrecv-" + tag,
		ExpectedAmount: "1000000",
		Fee:            "1000",
	}
}

func usdtParty(tag string) PartyParams {
	return PartyParams{
		Chain:          "ETH",
		Asset:          "USDT",
		TokenAddress:   "0xusdt",
		RefundAddress:  "0xrefund-" + tag,
		Recipient:      "0xrecv-" + tag,
		ExpectedAmount: "2000000000",
		Fee:            "2000000",
	}
}

func depositsOf(amount int64, txid string) plugin.DepositList {
	return plugin.DepositList{
		Deposits: []plugin.Deposit{{
			TxID:          txid,
			Amount:        big.NewInt(amount),
			BlockHeight:   100,
			Confirmations: 5,
		}},
		TotalConfirmed: big.NewInt(amount),
	}
}

func TestDraftDerivesEscrowsAndOpensCollection(t *testing.T) {
	e, api, st, _ := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)

	e.Tick(context.Background())

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageCollection, d.Stage)
	require.NotNil(t, d.A.Escrow)
	require.NotNil(t, d.B.Escrow)
	assert.Equal(t, "escrow-"+id+"-A", d.A.Escrow.Address)
	assert.Equal(t, "escrow-"+id+"-B", d.B.Escrow.Address)
	assert.False(t, d.Deadline.IsZero())

	// No on-chain work yet.
	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCollectionFundsBothSidesAndSettles(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx) // DRAFT -> COLLECTION
	chain.deposits["escrow-"+id+"-A"] = depositsOf(1000000, "0xdep-a")
	chain.deposits["escrow-"+id+"-B"] = depositsOf(1000000, "0xdep-b")

	e.Tick(ctx) // COLLECTION -> READY
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReady, d.Stage)
	assert.True(t, d.A.Funded)
	assert.True(t, d.B.Funded)

	// Deposits were recorded.
	deps, err := st.DepositsByDeal(id)
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	e.Tick(ctx) // READY -> SWAP
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageSwap, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	require.Len(t, items, 2)
	seen := map[int]bool{}
	for _, it := range items {
		assert.Equal(t, store.PurposePhase1Swap, it.Purpose)
		assert.Equal(t, "999000", it.Amount) // expected minus fee
		assert.Equal(t, "1000", it.Fees)
		assert.Equal(t, "tank-ETH", it.FeeRecipient)
		assert.False(t, seen[it.Seq], "seq must be unique per chain")
		seen[it.Seq] = true
	}
}

func TestPartialFundingDoesNotSettle(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(999999, "0xdep-a") // one short
	chain.deposits["escrow-"+id+"-B"] = depositsOf(1000000, "0xdep-b")

	e.Tick(ctx)
	e.Tick(ctx)
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageCollection, d.Stage)
	assert.False(t, d.A.Funded)
	assert.True(t, d.B.Funded)
}

func TestTokenSideWaitsForBrokerApproval(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: usdtParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(2000000000, "0xdep-a")
	chain.deposits["escrow-"+id+"-B"] = depositsOf(1000000, "0xdep-b")

	e.Tick(ctx)
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageCollection, d.Stage, "no allowance yet")

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, store.PurposeApproveBroker, items[0].Purpose)
	assert.Equal(t, "escrow-"+id+"-A", items[0].From.Address)
	assert.Equal(t, "0xusdt", items[0].To)

	// Re-ticking does not enqueue a second approval.
	e.Tick(ctx)
	items, err = st.ItemsByDeal(id)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Allowance lands; the deal settles with an operator-sent broker
	// call for the token side.
	chain.approvals["escrow-"+id+"-A"] = true
	e.Tick(ctx) // -> READY
	e.Tick(ctx) // -> SWAP
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageSwap, d.Stage)

	items, err = st.ItemsByDeal(id)
	require.NoError(t, err)
	require.Len(t, items, 3)
	var swap *store.QueueItem
	for _, it := range items {
		if it.Purpose == store.PurposeBrokerSwap {
			swap = it
		}
	}
	require.NotNil(t, swap)
	assert.Equal(t, "tank-ETH", swap.From.Address)
	assert.Equal(t, "escrow-"+id+"-A", swap.To)
	assert.Equal(t, "0xusdt", swap.Asset)
	assert.Equal(t, "1998000000", swap.Amount)
}

func TestDeadlineRevertsOnlyFundedSides(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(1000000, "0xdep-a")
	e.Tick(ctx) // funds side A only

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	d.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, st.UpdateDeal(d))

	e.Tick(ctx)
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReverted, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	require.Len(t, items, 1, "only the funded side gets a refund")
	assert.Equal(t, store.PurposeBrokerRefund, items[0].Purpose)
	assert.Equal(t, "escrow-"+id+"-A", items[0].From.Address)
	assert.Equal(t, "0xrefund-a", items[0].To)
	// The broker fee is withheld on revert too: 1000000 less the 1000 fee.
	assert.Equal(t, "999000", items[0].Amount)
	assert.Equal(t, "1000", items[0].Fees)
	assert.Equal(t, "tank-ETH", items[0].FeeRecipient)
}

func TestRevertWithholdsFeeClampedToDeposit(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	a := nativeParty("a")
	a.Fee = "5000"
	id, err := api.CreateDeal(CreateDealParams{A: a, B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	// A partial deposit smaller than the fee: nothing to refund, and no
	// negative-amount item may ever be enqueued.
	chain.deposits["escrow-"+id+"-A"] = depositsOf(3000, "0xdep-a")
	e.Tick(ctx)

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	d.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, st.UpdateDeal(d))

	e.Tick(ctx)
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReverted, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	assert.Empty(t, items, "deposit consumed by the fee leaves nothing to refund")
}

func TestLateDepositsRecordedWhileOtherSideCollects(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(1000000, "0xdep-a")
	e.Tick(ctx) // funds side A, B keeps collecting

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	require.True(t, d.A.Funded)

	// A second transfer lands on the already-funded side. It must still
	// be recorded so the surplus refund can account for it.
	chain.deposits["escrow-"+id+"-A"] = plugin.DepositList{
		Deposits: []plugin.Deposit{
			{TxID: "0xdep-a", Amount: big.NewInt(1000000), BlockHeight: 100, Confirmations: 5},
			{TxID: "0xdep-a2", Amount: big.NewInt(250000), BlockHeight: 120, Confirmations: 5},
		},
		TotalConfirmed: big.NewInt(1250000),
	}
	e.Tick(ctx)

	deps, err := st.DepositsByDeal(id)
	require.NoError(t, err)
	txids := map[string]bool{}
	for _, dep := range deps {
		txids[dep.TxID] = true
	}
	assert.True(t, txids["0xdep-a2"], "late deposit on a funded side must be on record")
}

func TestCancelBeforeFundingProducesNoItems(t *testing.T) {
	e, api, st, _ := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)

	e.Tick(context.Background()) // -> COLLECTION
	require.NoError(t, api.CancelDeal(id))

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReverted, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// settleDeal walks a freshly created deal to SWAP and confirms its
// settlement items.
func settleDeal(t *testing.T, e *Engine, st *store.Store, chain *fakeChain, id string, amtA, amtB int64) {
	t.Helper()
	ctx := context.Background()
	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(amtA, "0xdep-a")
	chain.deposits["escrow-"+id+"-B"] = depositsOf(amtB, "0xdep-b")
	chain.approvals["escrow-"+id+"-A"] = true
	chain.approvals["escrow-"+id+"-B"] = true
	e.Tick(ctx) // -> READY
	e.Tick(ctx) // -> SWAP

	d, err := st.GetDeal(id)
	require.NoError(t, err)
	require.Equal(t, store.StageSwap, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	for _, it := range items {
		if it.Purpose != store.PurposeBrokerSwap && it.Purpose != store.PurposePhase1Swap {
			continue
		}
		tx := fmt.Sprintf("0xswap-%d", it.Seq)
		require.NoError(t, st.MarkSubmitted(it.ID, tx, 1, "50000000000"))
		require.NoError(t, st.MarkConfirmed(it.ID))
		chain.gasUsed[tx] = 300000
	}
}

func TestSwapConfirmationClosesDeal(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	settleDeal(t, e, st, chain, id, 1000000, 1000000)
	ctx := context.Background()

	e.Tick(ctx) // SWAP -> PAYOUT, no surplus, no reimbursement
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StagePayout, d.Stage)

	e.Tick(ctx) // PAYOUT -> CLOSED
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageClosed, d.Stage)
	require.NotEmpty(t, d.Events)
	assert.Contains(t, d.Events[len(d.Events)-1].Message, "deal closed")
}

func TestSurplusRefundedAfterSettlement(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	settleDeal(t, e, st, chain, id, 1300000, 1000000) // A overpaid by 300000
	ctx := context.Background()

	e.Tick(ctx)
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StagePayout, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	var surplus *store.QueueItem
	for _, it := range items {
		if it.Purpose == store.PurposeSurplusRefund {
			require.Nil(t, surplus, "exactly one surplus refund")
			surplus = it
		}
	}
	require.NotNil(t, surplus)
	assert.Equal(t, "300000", surplus.Amount)
	assert.Equal(t, "0xrefund-a", surplus.To)
	assert.Equal(t, "escrow-"+id+"-A", surplus.From.Address)

	// The deal closes only after the refund confirms.
	e.Tick(ctx)
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StagePayout, d.Stage)

	require.NoError(t, st.MarkSubmitted(surplus.ID, "0xsurplus", 2, "1000"))
	require.NoError(t, st.MarkConfirmed(surplus.ID))
	e.Tick(ctx)
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageClosed, d.Stage)
}

func TestFailedSettlementFlagsDealForReview(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	settleDeal(t, e, st, chain, id, 1000000, 1000000)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	require.NoError(t, st.MarkFailed(items[0].ID, "operator not authorized"))

	ctx := context.Background()
	e.Tick(ctx)
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageSwap, d.Stage, "no stage change on failure")
	assert.True(t, d.OperatorReview)
	assert.Contains(t, d.ReviewReason, "operator not authorized")

	// A flagged deal is skipped on later ticks.
	e.Tick(ctx)
	d, err = st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageSwap, d.Stage)
}

func TestUnvestedDepositsDoNotCountTowardFunding(t *testing.T) {
	st, err := store.Open(store.Config{DataDir: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chain := &vestingChain{
		fakeChain: newFakeChain("ETH"),
		vesting:   map[string]plugin.VestingStatus{"0xdep-a": plugin.VestingUnvested},
	}
	e := NewEngine(DefaultEngineConfig, st, map[string]plugin.ChainPlugin{"ETH": chain})
	api := NewAPI(e)

	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(1000000, "0xdep-a")
	chain.deposits["escrow-"+id+"-B"] = depositsOf(1000000, "0xdep-b")

	e.Tick(ctx)
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageCollection, d.Stage)
	assert.False(t, d.A.Funded, "unvested coins must not fund a side")
	assert.True(t, d.B.Funded)
}
