package queue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// fakeChain implements plugin.ChainPlugin with scriptable behavior.
type fakeChain struct {
	name      string
	threshold int64

	mu        sync.Mutex
	confs     map[string]int64
	confErr   error
	quote     plugin.GasQuote
	quoteErr  error
	submitErr error
	submits   []plugin.SubmitRequest
	nextTx    int
}

func (f *fakeChain) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func newFakeChain(name string) *fakeChain {
	return &fakeChain{
		name:      name,
		threshold: 3,
		confs:     make(map[string]int64),
		quote:     plugin.GasQuote{Price: big.NewInt(1000), Nonce: 10},
	}
}

func (f *fakeChain) Name() string                 { return f.name }
func (f *fakeChain) ConfirmationThreshold() int64 { return f.threshold }
func (f *fakeChain) OperatorAddress() string      { return "op-" + f.name }

func (f *fakeChain) DeriveEscrow(dealID string, party plugin.Party) (plugin.EscrowAccountRef, error) {
	return plugin.EscrowAccountRef{Chain: f.name, Address: "escrow-" + dealID + "-" + string(party)}, nil
}

func (f *fakeChain) ListConfirmedDeposits(context.Context, string, string, int64) (plugin.DepositList, error) {
	return plugin.DepositList{TotalConfirmed: new(big.Int)}, nil
}

func (f *fakeChain) ResolveTransferEvents(context.Context, string, string, uint64, uint64) ([]plugin.TransferEvent, error) {
	return nil, plugin.ErrUnsupported
}

func (f *fakeChain) TxConfirmations(_ context.Context, txid string) (int64, error) {
	if f.confErr != nil {
		return 0, f.confErr
	}
	return f.confs[txid], nil
}

func (f *fakeChain) QuoteGas(context.Context, plugin.EscrowAccountRef) (plugin.GasQuote, error) {
	if f.quoteErr != nil {
		return plugin.GasQuote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeChain) Submit(_ context.Context, req plugin.SubmitRequest) (plugin.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return plugin.SubmitResult{}, f.submitErr
	}
	f.submits = append(f.submits, req)
	f.nextTx++
	return plugin.SubmitResult{TxID: fmt.Sprintf("0xtx%d", f.nextTx)}, nil
}

func (f *fakeChain) NativeBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeChain) CheckBrokerApproval(context.Context, string, string) (bool, error) {
	return false, plugin.ErrUnsupported
}

func (f *fakeChain) ApproveBrokerForToken(context.Context, plugin.EscrowAccountRef, string) (plugin.SubmitResult, error) {
	return plugin.SubmitResult{}, plugin.ErrUnsupported
}

func (f *fakeChain) QuoteNativeUSD(context.Context) (plugin.PriceQuote, error) {
	return plugin.PriceQuote{}, plugin.ErrNoPriceOracle
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *fakeChain) {
	t.Helper()
	st, err := store.Open(store.Config{DataDir: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	chain := newFakeChain("ETH")
	d := NewDispatcher(DefaultConfig, st, map[string]plugin.ChainPlugin{"ETH": chain})
	return d, st, chain
}

func insertItem(t *testing.T, st *store.Store, seq int, purpose store.Purpose) *store.QueueItem {
	t.Helper()
	it := &store.QueueItem{
		ID:      uuid.NewString(),
		DealID:  "deal-1",
		Chain:   "ETH",
		From:    plugin.EscrowAccountRef{Chain: "ETH", Address: "0xescrow", KeyIndex: 3},
		To:      "0xdest",
		Asset:   "ETH",
		Amount:  "1000",
		Purpose: purpose,
		Seq:     seq,
	}
	require.NoError(t, st.InsertItem(it))
	return it
}

func TestTickSubmitsInSeqOrder(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	first := insertItem(t, st, 0, store.PurposeApproveBroker)
	second := insertItem(t, st, 1, store.PurposeBrokerSwap)

	d.Tick(context.Background())
	require.Len(t, chain.submits, 1)
	assert.Equal(t, string(store.PurposeApproveBroker), chain.submits[0].Purpose)
	assert.Equal(t, uint64(10), chain.submits[0].Nonce)
	assert.Equal(t, "1000", chain.submits[0].GasPrice.String())

	got, err := st.GetItem(first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemSubmitted, got.Status)
	assert.Equal(t, uint64(10), got.OriginalNonce)

	// The successor stays queued until the approval confirms.
	d.Tick(context.Background())
	assert.Len(t, chain.submits, 1)

	chain.confs[got.SubmittedTx] = 5 // above threshold 3
	d.Tick(context.Background())
	require.Len(t, chain.submits, 2)
	assert.Equal(t, string(store.PurposeBrokerSwap), chain.submits[1].Purpose)

	confirmed, err := st.GetItem(first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemConfirmed, confirmed.Status)
	pending, err := st.GetItem(second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemSubmitted, pending.Status)
}

func TestNegativeConfirmationsRequeue(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	require.Equal(t, store.ItemSubmitted, got.Status)

	chain.confs[got.SubmittedTx] = -1
	d.Tick(context.Background())

	// The requeue and the fresh submission happen in the same pass.
	got, err = st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemSubmitted, got.Status)
	assert.Equal(t, 1, got.RecoveryAttempts)
	assert.Len(t, chain.submits, 2)
}

func TestStalledSubmissionGetsGasBump(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	require.Equal(t, store.ItemSubmitted, got.Status)
	firstTx := got.SubmittedTx

	// Age the submission past the stall timeout.
	d.cfg.StallTimeout = -time.Second
	d.Tick(context.Background())

	got, err = st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.GasBumpAttempts)
	assert.NotEqual(t, firstTx, got.SubmittedTx)
	assert.Equal(t, "1150", got.LastGasPrice) // 1000 + 15%

	// The replacement reuses the original nonce.
	require.Len(t, chain.submits, 2)
	assert.Equal(t, uint64(10), chain.submits[1].Nonce)
	assert.Equal(t, "1150", chain.submits[1].GasPrice.String())
}

func TestGasBumpBudgetExhausted(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	d.cfg.MaxGasBumps = 1
	d.cfg.StallTimeout = -time.Second
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)

	d.Tick(context.Background()) // submit
	d.Tick(context.Background()) // bump 1
	d.Tick(context.Background()) // budget exhausted, no further bump

	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.GasBumpAttempts)
	assert.Len(t, chain.submits, 2)
}

func TestCircuitBreakerPausesChain(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	insertItem(t, st, 0, store.PurposeBrokerSwap)
	chain.quoteErr = fmt.Errorf("%w: gas too high", plugin.ErrCircuitBreaker)

	d.Tick(context.Background())
	assert.Empty(t, chain.submits)
	assert.True(t, d.chainPaused("ETH"))

	// Conditions recover but the pause still holds.
	chain.quoteErr = nil
	d.Tick(context.Background())
	assert.Empty(t, chain.submits)

	// After the pause lapses submissions resume.
	d.mu.Lock()
	d.pausedUntil["ETH"] = time.Now().Add(-time.Second)
	d.mu.Unlock()
	d.Tick(context.Background())
	assert.Len(t, chain.submits, 1)
}

func TestAlreadyExecutedCountsAsConfirmed(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)
	chain.submitErr = fmt.Errorf("%w: deal executed", plugin.ErrAlreadyExecuted)

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemConfirmed, got.Status)
}

func TestPermanentSubmitErrorsFailItem(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)
	chain.submitErr = fmt.Errorf("%w: bad signature", plugin.ErrUnauthorizedOperator)

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.Status)
	assert.Contains(t, got.RecoveryError, "bad signature")
}

func TestInsufficientBalanceLeavesItemPending(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)
	chain.submitErr = fmt.Errorf("%w: escrow empty", plugin.ErrInsufficientBalance)

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemPending, got.Status)
	assert.Equal(t, 1, got.RecoveryAttempts)

	// Once the escrow is funded the same item goes out.
	chain.submitErr = nil
	d.Tick(context.Background())
	got, err = st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemSubmitted, got.Status)
}

func TestTransientErrorsDoNotBurnRecoveryAttempts(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	it := insertItem(t, st, 0, store.PurposeBrokerSwap)
	chain.submitErr = errors.New("connection refused")

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemPending, got.Status)
	assert.Zero(t, got.RecoveryAttempts)
}

func TestMalformedAmountFailsItem(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	it := &store.QueueItem{
		ID: uuid.NewString(), DealID: "deal-1", Chain: "ETH",
		From: plugin.EscrowAccountRef{Chain: "ETH", Address: "0xescrow"},
		To:   "0xdest", Asset: "ETH", Amount: "not-a-number",
		Purpose: store.PurposeBrokerSwap, Seq: 0,
	}
	require.NoError(t, st.InsertItem(it))

	d.Tick(context.Background())
	got, err := st.GetItem(it.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got.Status)
}

func TestStartStop(t *testing.T) {
	d, st, chain := newTestDispatcher(t)
	d.cfg.TickInterval = 10 * time.Millisecond
	insertItem(t, st, 0, store.PurposeBrokerSwap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	require.Eventually(t, func() bool {
		return chain.submitCount() > 0
	}, 2*time.Second, 10*time.Millisecond)
	d.StopAndWait()
}
