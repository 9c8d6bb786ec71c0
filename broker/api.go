package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// API is the broker_ RPC namespace: deal creation and inspection for
// clients, cancellation and escrow spends for operators.
type API struct {
	engine *Engine
}

func NewAPI(engine *Engine) *API {
	return &API{engine: engine}
}

// PartyParams declares one side of a new deal.
type PartyParams struct {
	Chain          string `json:"chain"`
	Asset          string `json:"asset"`
	TokenAddress   string `json:"tokenAddress,omitempty"`
	RefundAddress  string `json:"refundAddress"`
	Recipient      string `json:"recipient"`
	ExpectedAmount string `json:"expectedAmount"`
	Fee            string `json:"fee,omitempty"`
}

// CreateDealParams is the broker_createDeal request body.
type CreateDealParams struct {
	A         PartyParams `json:"a"`
	B         PartyParams `json:"b"`
	Reimburse bool        `json:"reimburse,omitempty"`
	// PayingSide optionally pins which side's stablecoin covers the
	// tank's gas spend, "A" or "B".
	PayingSide string `json:"payingSide,omitempty"`
}

func (a *API) partySpec(p PartyParams) (store.PartySpec, error) {
	var spec store.PartySpec
	if _, err := a.engine.pluginFor(p.Chain); err != nil {
		return spec, err
	}
	amount, err := store.ParseAmount(p.ExpectedAmount)
	if err != nil {
		return spec, fmt.Errorf("expected amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return spec, errors.New("expected amount must be positive")
	}
	if _, err := store.ParseAmount(p.Fee); err != nil {
		return spec, fmt.Errorf("fee: %w", err)
	}
	if p.RefundAddress == "" || p.Recipient == "" {
		return spec, errors.New("refund address and recipient are required")
	}
	return store.PartySpec{
		Chain:          p.Chain,
		Asset:          p.Asset,
		TokenAddress:   p.TokenAddress,
		RefundAddress:  p.RefundAddress,
		Recipient:      p.Recipient,
		ExpectedAmount: p.ExpectedAmount,
		Fee:            p.Fee,
	}, nil
}

// CreateDeal registers a new deal in DRAFT and returns its id. The engine
// derives escrows and opens collection on its next tick.
func (a *API) CreateDeal(params CreateDealParams) (string, error) {
	sideA, err := a.partySpec(params.A)
	if err != nil {
		return "", fmt.Errorf("party A: %w", err)
	}
	sideB, err := a.partySpec(params.B)
	if err != nil {
		return "", fmt.Errorf("party B: %w", err)
	}
	var paying plugin.Party
	switch params.PayingSide {
	case "":
	case string(plugin.PartyA), string(plugin.PartyB):
		paying = plugin.Party(params.PayingSide)
	default:
		return "", fmt.Errorf("paying side must be A or B, got %q", params.PayingSide)
	}

	now := time.Now().UTC()
	d := &store.Deal{
		ID:        newID(),
		Stage:     store.StageDraft,
		A:         sideA,
		B:         sideB,
		CreatedAt: now,
		Deadline:  now.Add(a.engine.cfg.DealTimeout),
		Reimburse: store.ReimburseConfig{Active: params.Reimburse, PayingSide: paying},
	}
	d.AppendEvent("deal created: %s %s on %s for %s %s on %s",
		sideA.ExpectedAmount, sideA.Asset, sideA.Chain,
		sideB.ExpectedAmount, sideB.Asset, sideB.Chain)
	if err := a.engine.st.CreateDeal(d); err != nil {
		return "", err
	}
	log.Info("deal created", "deal", d.ID, "chainA", sideA.Chain, "chainB", sideB.Chain,
		"deadline", d.Deadline)
	return d.ID, nil
}

// GetDeal returns the full deal document, event log included.
func (a *API) GetDeal(id string) (*store.Deal, error) {
	return a.engine.st.GetDeal(id)
}

// ListDeals returns up to limit deals, newest first; limit nil or <= 0
// returns all.
func (a *API) ListDeals(limit *int) ([]*store.Deal, error) {
	n := 0
	if limit != nil {
		n = *limit
	}
	return a.engine.st.ListDeals(n)
}

// CancelDeal reverts a deal that has not started settling. Funded sides
// are refunded; a deal in or past SWAP cannot be cancelled.
func (a *API) CancelDeal(id string) error {
	d, err := a.engine.st.GetDeal(id)
	if err != nil {
		return err
	}
	switch d.Stage {
	case store.StageDraft:
		// Nothing on-chain yet; walk through COLLECTION so the stage
		// history stays a path of the lifecycle graph.
		if err := a.engine.st.AdvanceDeal(d, store.StageCollection, nil); err != nil {
			return err
		}
		return a.engine.Revert(d, "cancelled by operator")
	case store.StageCollection, store.StageReady:
		return a.engine.Revert(d, "cancelled by operator")
	default:
		return fmt.Errorf("deal %s cannot be cancelled in stage %s", id, d.Stage)
	}
}

// AdminSpendParams moves assets out of a deal escrow by hand.
type AdminSpendParams struct {
	DealID string `json:"dealId"`
	// Party whose escrow is spent from, "A" or "B".
	Party  string `json:"party"`
	To     string `json:"to"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// AdminSpend enqueues a manual sweep from a deal escrow. Rejected while
// the deal is settling; a sweep racing the broker contract could strand
// the counterparty.
func (a *API) AdminSpend(params AdminSpendParams) (string, error) {
	d, err := a.engine.st.GetDeal(params.DealID)
	if err != nil {
		return "", err
	}
	if d.Stage == store.StageSwap {
		return "", fmt.Errorf("admin spend rejected: deal %s is settling", d.ID)
	}

	var side *store.PartySpec
	switch params.Party {
	case string(plugin.PartyA):
		side = &d.A
	case string(plugin.PartyB):
		side = &d.B
	default:
		return "", fmt.Errorf("party must be A or B, got %q", params.Party)
	}
	if side.Escrow == nil {
		return "", fmt.Errorf("party %s has no escrow yet", params.Party)
	}
	amount, err := store.ParseAmount(params.Amount)
	if err != nil {
		return "", err
	}
	if amount.Sign() <= 0 {
		return "", errors.New("amount must be positive")
	}
	if params.To == "" {
		return "", errors.New("destination required")
	}
	asset := params.Asset
	if asset == "" {
		asset = assetID(side)
	}

	seq, err := a.engine.st.NextSeq(d.ID, side.Chain)
	if err != nil {
		return "", err
	}
	item := &store.QueueItem{
		ID:      newID(),
		DealID:  d.ID,
		Chain:   side.Chain,
		From:    *side.Escrow,
		To:      params.To,
		Asset:   asset,
		Amount:  params.Amount,
		Purpose: store.PurposeSweep,
		Seq:     seq,
	}
	d.AppendEvent("admin spend: %s %s from escrow %s to %s", params.Amount, asset, side.Escrow.Address, params.To)
	if err := a.engine.st.EnqueueForDeal(d, []*store.QueueItem{item}); err != nil {
		return "", err
	}
	log.Warn("admin spend enqueued", "deal", d.ID, "party", params.Party,
		"asset", asset, "amount", params.Amount, "to", params.To)
	return item.ID, nil
}
