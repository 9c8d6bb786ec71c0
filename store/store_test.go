package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/brokerd/plugin"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DataDir: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDeal(id string) *Deal {
	return &Deal{
		ID:    id,
		Stage: StageDraft,
		A: PartySpec{
			Chain: "ETH", Asset: "ETH",
			RefundAddress:  "0xaaa1",
			Recipient:      "0xaaa2",
			ExpectedAmount: "1000000000000000000",
			Fee:            "10000000000000000",
		},
		B: PartySpec{
			Chain: "BTC", Asset: "BTC",
			RefundAddress:  "1Refund",
			Recipient:      "1Recv",
			ExpectedAmount: "50000000",
			Fee:            "500000",
		},
		CreatedAt: time.Now().UTC(),
		Deadline:  time.Now().UTC().Add(48 * time.Hour),
	}
}

func testItem(dealID, chain string, seq int, purpose Purpose) *QueueItem {
	return &QueueItem{
		ID:      uuid.NewString(),
		DealID:  dealID,
		Chain:   chain,
		From:    plugin.EscrowAccountRef{Chain: chain, Address: "escrow-" + chain, KeyIndex: 7},
		To:      "dest-" + chain,
		Asset:   chain,
		Amount:  "1000",
		Purpose: purpose,
		Seq:     seq,
	}
}

func TestDealLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	d := testDeal("deal-1")
	require.NoError(t, s.CreateDeal(d))

	// DRAFT cannot jump straight to SWAP.
	err := s.AdvanceDeal(d, StageSwap, nil)
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Equal(t, StageDraft, d.Stage)

	require.NoError(t, s.AdvanceDeal(d, StageCollection, nil))
	require.NoError(t, s.AdvanceDeal(d, StageReady, nil))
	require.NoError(t, s.AdvanceDeal(d, StageSwap, nil))
	require.NoError(t, s.AdvanceDeal(d, StagePayout, nil))
	require.NoError(t, s.AdvanceDeal(d, StageClosed, nil))
	assert.True(t, d.Stage.Terminal())

	// Terminal stages accept nothing further.
	err = s.AdvanceDeal(d, StageCollection, nil)
	assert.ErrorIs(t, err, ErrBadTransition)

	got, err := s.GetDeal("deal-1")
	require.NoError(t, err)
	assert.Equal(t, StageClosed, got.Stage)
}

func TestAdvanceDealDetectsConcurrentMove(t *testing.T) {
	s := openTestStore(t)
	d := testDeal("deal-1")
	require.NoError(t, s.CreateDeal(d))

	// A second process view of the same deal.
	other, err := s.GetDeal("deal-1")
	require.NoError(t, err)

	require.NoError(t, s.AdvanceDeal(d, StageCollection, nil))

	err = s.AdvanceDeal(other, StageCollection, nil)
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Equal(t, StageDraft, other.Stage, "failed advance must not mutate the caller's copy")
}

func TestAdvanceDealEnqueuesAtomically(t *testing.T) {
	s := openTestStore(t)
	d := testDeal("deal-1")
	require.NoError(t, s.CreateDeal(d))
	require.NoError(t, s.AdvanceDeal(d, StageCollection, nil))
	require.NoError(t, s.AdvanceDeal(d, StageReady, nil))

	items := []*QueueItem{
		testItem("deal-1", "ETH", 0, PurposeApproveBroker),
		testItem("deal-1", "ETH", 1, PurposeBrokerSwap),
	}
	require.NoError(t, s.AdvanceDeal(d, StageSwap, items))

	stored, err := s.ItemsByDeal("deal-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, PurposeApproveBroker, stored[0].Purpose)
	assert.Equal(t, uint32(7), stored[0].From.KeyIndex)

	// A duplicate (deal, chain, seq) rolls the whole transition back.
	d2 := testDeal("deal-2")
	require.NoError(t, s.CreateDeal(d2))
	require.NoError(t, s.AdvanceDeal(d2, StageCollection, nil))
	require.NoError(t, s.AdvanceDeal(d2, StageReady, nil))
	dup := []*QueueItem{
		testItem("deal-2", "ETH", 0, PurposeApproveBroker),
		testItem("deal-2", "ETH", 0, PurposeBrokerSwap),
	}
	err = s.AdvanceDeal(d2, StageSwap, dup)
	require.Error(t, err)
	assert.Equal(t, StageReady, d2.Stage)
	got, err := s.GetDeal("deal-2")
	require.NoError(t, err)
	assert.Equal(t, StageReady, got.Stage)
	none, err := s.ItemsByDeal("deal-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDispatchableItemsSeqOrdering(t *testing.T) {
	s := openTestStore(t)
	d := testDeal("deal-1")
	require.NoError(t, s.CreateDeal(d))

	i0 := testItem("deal-1", "ETH", 0, PurposeApproveBroker)
	i1 := testItem("deal-1", "ETH", 1, PurposeBrokerSwap)
	i2 := testItem("deal-1", "BTC", 0, PurposeBrokerSwap)
	for _, it := range []*QueueItem{i0, i1, i2} {
		require.NoError(t, s.InsertItem(it))
	}

	// Only the lowest seq per (deal, chain) group is eligible.
	ready, err := s.DispatchableItems(10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, it := range ready {
		ids[it.ID] = true
	}
	assert.True(t, ids[i0.ID])
	assert.True(t, ids[i2.ID])
	assert.False(t, ids[i1.ID], "seq 1 must wait for seq 0")

	// SUBMITTED is not CONFIRMED; seq 1 still waits.
	require.NoError(t, s.MarkSubmitted(i0.ID, "0xtx0", 5, "1000"))
	ready, err = s.DispatchableItems(10)
	require.NoError(t, err)
	for _, it := range ready {
		assert.NotEqual(t, i1.ID, it.ID)
	}

	require.NoError(t, s.MarkConfirmed(i0.ID))
	ready, err = s.DispatchableItems(10)
	require.NoError(t, err)
	found := false
	for _, it := range ready {
		found = found || it.ID == i1.ID
	}
	assert.True(t, found, "seq 1 unblocks once seq 0 confirms")

	// A FAILED predecessor blocks its successors permanently.
	require.NoError(t, s.MarkFailed(i2.ID, "reverted"))
	i3 := testItem("deal-1", "BTC", 1, PurposeSurplusRefund)
	require.NoError(t, s.InsertItem(i3))
	ready, err = s.DispatchableItems(10)
	require.NoError(t, err)
	for _, it := range ready {
		assert.NotEqual(t, i3.ID, it.ID)
	}
}

func TestGasFundingBypassesSeqOrdering(t *testing.T) {
	s := openTestStore(t)
	d := testDeal("deal-1")
	require.NoError(t, s.CreateDeal(d))

	// A stuck low-seq item and the funding transfer meant to unstick it.
	stuck := testItem("deal-1", "ETH", 0, PurposeApproveBroker)
	funding := testItem("deal-1", "ETH", 1, PurposeGasFunding)
	next := testItem("deal-1", "ETH", 2, PurposeBrokerSwap)
	for _, it := range []*QueueItem{stuck, funding, next} {
		require.NoError(t, s.InsertItem(it))
	}

	ready, err := s.DispatchableItems(10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, it := range ready {
		ids[it.ID] = true
	}
	assert.True(t, ids[stuck.ID])
	assert.True(t, ids[funding.ID], "funding must not wait behind the item it unblocks")
	assert.False(t, ids[next.ID], "seq 2 still waits for seq 0")

	// The lane must also ignore a pending funding item when picking the
	// lowest pending seq, so confirming it changes nothing.
	require.NoError(t, s.MarkSubmitted(funding.ID, "0xfund", 3, "1000"))
	require.NoError(t, s.MarkConfirmed(funding.ID))
	ready, err = s.DispatchableItems(10)
	require.NoError(t, err)
	ids = map[string]bool{}
	for _, it := range ready {
		ids[it.ID] = true
	}
	assert.True(t, ids[stuck.ID])
	assert.False(t, ids[next.ID])
}

func TestMarkSubmittedAndGasBumpRoundTrip(t *testing.T) {
	s := openTestStore(t)
	it := testItem("deal-1", "ETH", 0, PurposeBrokerSwap)
	require.NoError(t, s.InsertItem(it))

	require.NoError(t, s.MarkSubmitted(it.ID, "0xaaa", 9, "2000000000"))
	got, err := s.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemSubmitted, got.Status)
	assert.Equal(t, "0xaaa", got.SubmittedTx)
	assert.Equal(t, uint64(9), got.OriginalNonce)
	assert.Equal(t, "2000000000", got.LastGasPrice)

	require.NoError(t, s.RecordGasBump(it.ID, "2500000000", "0xbbb"))
	got, err = s.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.GasBumpAttempts)
	assert.Equal(t, "0xbbb", got.SubmittedTx)
	assert.Equal(t, uint64(9), got.OriginalNonce, "bumps replace at the same nonce")

	require.NoError(t, s.ResetToPending(it.ID, "reorged away"))
	got, err = s.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemPending, got.Status)
	assert.Empty(t, got.SubmittedTx)
	assert.Equal(t, "reorged away", got.RecoveryError)
}

func TestCancelSettlementItems(t *testing.T) {
	s := openTestStore(t)
	swap := testItem("deal-1", "ETH", 1, PurposeBrokerSwap)
	approve := testItem("deal-1", "ETH", 0, PurposeApproveBroker)
	surplus := testItem("deal-1", "BTC", 0, PurposeSurplusRefund)
	submitted := testItem("deal-1", "BTC", 1, PurposePhase1Swap)
	for _, it := range []*QueueItem{swap, approve, surplus, submitted} {
		require.NoError(t, s.InsertItem(it))
	}
	require.NoError(t, s.MarkSubmitted(submitted.ID, "0xinflight", 0, "1"))

	cancelled, err := s.CancelSettlementItems("deal-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{swap.ID, surplus.ID}, cancelled)

	// The approval survives, and in-flight submissions are untouched.
	_, err = s.GetItem(approve.ID)
	assert.NoError(t, err)
	got, err := s.GetItem(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemSubmitted, got.Status)
	_, err = s.GetItem(swap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextSeq(t *testing.T) {
	s := openTestStore(t)
	seq, err := s.NextSeq("deal-1", "ETH")
	require.NoError(t, err)
	assert.Equal(t, 1, seq) // MAX(seq) of empty set scans as 0

	require.NoError(t, s.InsertItem(testItem("deal-1", "ETH", 1, PurposeApproveBroker)))
	require.NoError(t, s.InsertItem(testItem("deal-1", "ETH", 2, PurposeBrokerSwap)))
	seq, err = s.NextSeq("deal-1", "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)

	seq, err = s.NextSeq("deal-1", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, seq, "seq groups are per chain")
}

func TestLeaseContention(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.AcquireLease(LeaseRecoveryGlobal, "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another holder is refused while the lease lives.
	ok, err = s.AcquireLease(LeaseRecoveryGlobal, "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder itself can renew.
	ok, err = s.AcquireLease(LeaseRecoveryGlobal, "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(LeaseRecoveryGlobal, "node-a"))
	ok, err = s.AcquireLease(LeaseRecoveryGlobal, "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A release by a non-holder is a no-op.
	require.NoError(t, s.ReleaseLease(LeaseRecoveryGlobal, "node-a"))
	lease, err := s.GetLease(LeaseRecoveryGlobal)
	require.NoError(t, err)
	assert.Equal(t, "node-b", lease.Holder)
}

func TestExpiredLeaseIsTakeable(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLease(LeaseRecoveryGlobal, "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLease(LeaseRecoveryGlobal, "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be stealable")
}

func TestDepositUpsertIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	dep := &DepositRecord{
		DealID: "deal-1", Chain: "ETH", EscrowAddress: "0xescrow",
		Asset: "0xtoken", TxID: "0xdep", Amount: "500",
		BlockHeight: 100, Confirmations: 8,
	}
	require.NoError(t, s.UpsertDeposit(dep))

	// A lagging node reporting fewer confirmations must not regress.
	dep.Confirmations = 3
	require.NoError(t, s.UpsertDeposit(dep))

	got, err := s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(8), got[0].Confirmations)

	dep.Confirmations = 20
	require.NoError(t, s.UpsertDeposit(dep))
	got, err = s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got[0].Confirmations)
}

func TestDepositUpsertTracksAmount(t *testing.T) {
	s := openTestStore(t)
	synthetic := plugin.SyntheticPrefix + "0xescrow"
	dep := &DepositRecord{
		DealID: "deal-1", Chain: "ETH", EscrowAddress: "0xescrow",
		Asset: "ETH", TxID: synthetic, Amount: "500",
		BlockHeight: 100, Confirmations: 12, IsSynthetic: true,
	}
	require.NoError(t, s.UpsertDeposit(dep))

	// A balance probe re-reports the escrow total; the stored amount
	// follows the chain, up or down.
	dep.Amount = "750"
	require.NoError(t, s.UpsertDeposit(dep))
	got, err := s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "750", got[0].Amount)

	dep.Amount = "600"
	require.NoError(t, s.UpsertDeposit(dep))
	got, err = s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	assert.Equal(t, "600", got[0].Amount)
}

func TestSyntheticDepositResolution(t *testing.T) {
	s := openTestStore(t)
	synthetic := plugin.SyntheticPrefix + "0xescrow"
	dep := &DepositRecord{
		DealID: "deal-1", Chain: "ETH", EscrowAddress: "0xescrow",
		Asset: "0xtoken", TxID: synthetic, Amount: "500",
		IsSynthetic: true, Resolution: ResolutionPending,
	}
	require.NoError(t, s.UpsertDeposit(dep))

	unresolved, err := s.UnresolvedSyntheticDeposits(5)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.NoError(t, s.ResolveDeposit("ETH", "0xescrow", synthetic, "0xrealtx"))
	got, err := s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xrealtx", got[0].TxID)
	assert.Equal(t, synthetic, got[0].OriginalTxID)
	assert.Equal(t, ResolutionResolved, got[0].Resolution)

	unresolved, err = s.UnresolvedSyntheticDeposits(5)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	// Re-running the same resolution is harmless.
	require.NoError(t, s.ResolveDeposit("ETH", "0xescrow", synthetic, "0xrealtx"))
}

func TestBumpResolveAttemptCapsOut(t *testing.T) {
	s := openTestStore(t)
	synthetic := plugin.SyntheticPrefix + "0xescrow"
	dep := &DepositRecord{
		DealID: "deal-1", Chain: "ETH", EscrowAddress: "0xescrow",
		Asset: "0xtoken", TxID: synthetic, Amount: "500",
		IsSynthetic: true, Resolution: ResolutionPending,
	}
	require.NoError(t, s.UpsertDeposit(dep))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.BumpResolveAttempt("ETH", "0xescrow", synthetic, 3))
	}
	got, err := s.DepositsByDeal("deal-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got[0].ResolveTries)
	assert.Equal(t, ResolutionFailed, got[0].Resolution)

	unresolved, err := s.UnresolvedSyntheticDeposits(3)
	require.NoError(t, err)
	assert.Empty(t, unresolved, "failed resolutions leave the retry pool")
}

func TestGasRefundCreatedAtomicallyAndOnce(t *testing.T) {
	s := openTestStore(t)
	item := testItem("deal-1", "ETH", 0, PurposeGasRefundToTank)
	refund := &GasRefund{
		ID: uuid.NewString(), DealID: "deal-1", Chain: "ETH",
		EscrowAddress: "0xescrow", ApprovalTx: "0xapproval",
		RefundAmount: "12345", Status: RefundQueued, QueueItemID: item.ID,
	}
	require.NoError(t, s.CreateGasRefund(refund, item))

	got, err := s.GasRefundByApproval("ETH", "0xescrow", "0xapproval")
	require.NoError(t, err)
	assert.Equal(t, refund.ID, got.ID)
	_, err = s.GetItem(item.ID)
	require.NoError(t, err)

	// Same (chain, escrow, approval) never yields a second refund, and the
	// duplicate's queue item must not leak in.
	item2 := testItem("deal-1", "ETH", 1, PurposeGasRefundToTank)
	dup := &GasRefund{
		ID: uuid.NewString(), DealID: "deal-1", Chain: "ETH",
		EscrowAddress: "0xescrow", ApprovalTx: "0xapproval",
		RefundAmount: "99999", Status: RefundQueued, QueueItemID: item2.ID,
	}
	err = s.CreateGasRefund(dup, item2)
	assert.ErrorIs(t, err, ErrRefundExists)
	_, err = s.GetItem(item2.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetGasRefundStatus(refund.ID, RefundConfirmed))
	got, err = s.GasRefundByItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundConfirmed, got.Status)
}

func TestRecoveryLogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendRecovery(&RecoveryRecord{
			Type: "STUCK_ITEM", Chain: "ETH", Action: "resubmit",
			Success: i != 1, Error: map[bool]string{true: "", false: "node down"}[i != 1],
			Metadata: fmt.Sprintf(`{"attempt":%d}`, i),
		}))
	}

	recent, err := s.RecentRecovery(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	last, err := s.LastRecoveryOf("STUCK_ITEM", "ETH", "resubmit")
	require.NoError(t, err)
	assert.Equal(t, `{"attempt":2}`, last.Metadata)

	_, err = s.LastRecoveryOf("MISSING_ALLOWANCE", "ETH", "approve")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVestingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetVesting("tx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	e := &VestingCacheEntry{
		TxID: "tx-1", IsCoinbase: false, CoinbaseBlock: 900,
		ParentTxID: "tx-0", Status: plugin.VestingVested,
	}
	require.NoError(t, s.PutVesting(e))
	got, err := s.GetVesting("tx-1")
	require.NoError(t, err)
	assert.Equal(t, plugin.VestingVested, got.Status)
	assert.Equal(t, uint64(900), got.CoinbaseBlock)

	// Reclassification overwrites.
	e.Status = plugin.VestingUnvested
	require.NoError(t, s.PutVesting(e))
	got, err = s.GetVesting("tx-1")
	require.NoError(t, err)
	assert.Equal(t, plugin.VestingUnvested, got.Status)
}

func TestDealsByStageAndActive(t *testing.T) {
	s := openTestStore(t)
	d1 := testDeal("deal-1")
	d2 := testDeal("deal-2")
	d3 := testDeal("deal-3")
	for _, d := range []*Deal{d1, d2, d3} {
		require.NoError(t, s.CreateDeal(d))
	}
	require.NoError(t, s.AdvanceDeal(d2, StageCollection, nil))
	require.NoError(t, s.AdvanceDeal(d3, StageCollection, nil))
	require.NoError(t, s.AdvanceDeal(d3, StageReverted, nil))

	collecting, err := s.DealsByStage(StageCollection)
	require.NoError(t, err)
	require.Len(t, collecting, 1)
	assert.Equal(t, "deal-2", collecting[0].ID)

	active, err := s.ActiveDeals()
	require.NoError(t, err)
	assert.Len(t, active, 2, "terminal deals drop out of the active set")
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("")
	require.NoError(t, err)
	assert.Zero(t, v.Sign())

	v, err = ParseAmount("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", v.String())

	_, err = ParseAmount("0x10")
	assert.Error(t, err)
	_, err = ParseAmount("1.5")
	assert.Error(t, err)
}
