package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/brokerd/store"
)

func TestCreateDealValidation(t *testing.T) {
	_, api, _, _ := newTestEngine(t)

	bad := nativeParty("a")
	bad.Chain = "DOGE"
	_, err := api.CreateDeal(CreateDealParams{A: bad, B: nativeParty("b")})
	assert.ErrorContains(t, err, "no plugin for chain DOGE")

	bad = nativeParty("a")
	bad.ExpectedAmount = "0"
	_, err = api.CreateDeal(CreateDealParams{A: bad, B: nativeParty("b")})
	assert.ErrorContains(t, err, "must be positive")

	bad = nativeParty("a")
	bad.ExpectedAmount = "1.5"
	_, err = api.CreateDeal(CreateDealParams{A: bad, B: nativeParty("b")})
	assert.Error(t, err)

	bad = nativeParty("a")
	bad.RefundAddress = ""
	_, err = api.CreateDeal(CreateDealParams{A: bad, B: nativeParty("b")})
	assert.ErrorContains(t, err, "refund address")

	_, err = api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b"), PayingSide: "C"})
	assert.ErrorContains(t, err, "paying side")
}

func TestGetAndListDeals(t *testing.T) {
	_, api, _, _ := newTestEngine(t)
	id1, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	id2, err := api.CreateDeal(CreateDealParams{A: nativeParty("c"), B: nativeParty("d")})
	require.NoError(t, err)

	d, err := api.GetDeal(id1)
	require.NoError(t, err)
	assert.Equal(t, store.StageDraft, d.Stage)
	assert.NotEmpty(t, d.Events)

	_, err = api.GetDeal("no-such-deal")
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := api.ListDeals(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one := 1
	limited, err := api.ListDeals(&one)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	_ = id2
}

func TestCancelDealFromDraft(t *testing.T) {
	_, api, st, _ := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)

	require.NoError(t, api.CancelDeal(id))
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReverted, d.Stage)
}

func TestCancelDealRejectedDuringSettlement(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	settleDeal(t, e, st, chain, id, 1000000, 1000000)

	err = api.CancelDeal(id)
	assert.ErrorContains(t, err, "cannot be cancelled in stage SWAP")
}

func TestAdminSpendRejectedDuringSettlement(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	settleDeal(t, e, st, chain, id, 1000000, 1000000)

	_, err = api.AdminSpend(AdminSpendParams{DealID: id, Party: "A", To: "0xops", Amount: "100"})
	assert.ErrorContains(t, err, "admin spend rejected")
}

func TestAdminSpendEnqueuesSweep(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()
	e.Tick(ctx) // escrows exist from COLLECTION on

	itemID, err := api.AdminSpend(AdminSpendParams{DealID: id, Party: "A", To: "0xops", Amount: "5000"})
	require.NoError(t, err)

	it, err := st.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, store.PurposeSweep, it.Purpose)
	assert.Equal(t, "escrow-"+id+"-A", it.From.Address)
	assert.Equal(t, "0xops", it.To)
	assert.Equal(t, "5000", it.Amount)
	assert.Equal(t, "ETH", it.Asset)

	// The cancellation path keeps manual sweeps in the queue.
	require.NoError(t, api.CancelDeal(id))
	it, err = st.GetItem(itemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemPending, it.Status)

	_, err = api.AdminSpend(AdminSpendParams{DealID: id, Party: "B", To: "", Amount: "5"})
	assert.Error(t, err)
	_, err = api.AdminSpend(AdminSpendParams{DealID: id, Party: "X", To: "0xops", Amount: "5"})
	assert.ErrorContains(t, err, "party must be A or B")
	_ = chain
}

func TestCancelFundedDealRefunds(t *testing.T) {
	e, api, st, chain := newTestEngine(t)
	id, err := api.CreateDeal(CreateDealParams{A: nativeParty("a"), B: nativeParty("b")})
	require.NoError(t, err)
	ctx := context.Background()

	e.Tick(ctx)
	chain.deposits["escrow-"+id+"-A"] = depositsOf(1000000, "0xdep-a")
	chain.deposits["escrow-"+id+"-B"] = depositsOf(1000000, "0xdep-b")
	e.Tick(ctx) // -> READY

	require.NoError(t, api.CancelDeal(id))
	d, err := st.GetDeal(id)
	require.NoError(t, err)
	assert.Equal(t, store.StageReverted, d.Stage)

	items, err := st.ItemsByDeal(id)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, store.PurposeBrokerRefund, it.Purpose)
	}
}
