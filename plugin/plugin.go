// Package plugin defines the capability interface every supported chain
// exposes to the broker core. The deal engine, queue dispatcher and
// recovery manager only ever talk to a chain through this interface; how a
// plugin gets its data (node RPC, explorer bulk API, balance probes) is
// invisible to them.
package plugin

import (
	"context"
	"math/big"
	"time"
)

// Party identifies one side of a deal.
type Party string

const (
	PartyA Party = "A"
	PartyB Party = "B"
)

// EscrowAccountRef is a chain-scoped escrow account plus the information the
// operator needs to sign for it later. The private key itself is never held
// here, only the derivation index under the hot-wallet seed.
type EscrowAccountRef struct {
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	KeyIndex  uint32 `json:"keyIndex"`
	DerivedAt int64  `json:"derivedAt"`
}

// Deposit is a single observed transfer into an escrow address. TxID may be
// synthetic (see IsSynthetic) on chains that only report balances for some
// assets; the resolver later replaces it with a real hash.
type Deposit struct {
	TxID          string
	Asset         string
	Amount        *big.Int
	BlockHeight   uint64
	Confirmations int64
	IsSynthetic   bool
}

// DepositList is the result of a confirmed-deposit scan: the individual
// transfers plus the summed balance that met the confirmation requirement.
type DepositList struct {
	Deposits       []Deposit
	TotalConfirmed *big.Int
}

// TransferEvent is a token transfer observed in a block range, used by the
// synthetic-txid resolver to find the real transaction behind a balance
// probe.
type TransferEvent struct {
	TxHash      string
	From        string
	To          string
	Amount      *big.Int
	BlockHeight uint64
	LogIndex    uint
}

// GasQuote is a point-in-time gas price observation captured before
// submission so that resubmissions can bump from a known base.
type GasQuote struct {
	Price    *big.Int // wei or chain equivalent
	Nonce    uint64
	QuotedAt time.Time
}

// PriceQuote is a native-token/USD rate from the plugin's oracle.
type PriceQuote struct {
	Price  float64
	Source string
}

// SubmitRequest carries everything a plugin needs to build, sign and
// broadcast one outbound transaction. The queue dispatcher fills it from a
// queue item; resubmissions reuse Nonce and raise GasPrice.
type SubmitRequest struct {
	Purpose  string
	From     EscrowAccountRef
	To       string
	Asset    string
	Amount   *big.Int
	Nonce    uint64
	GasPrice *big.Int

	// Broker-operation fields, nil/empty for plain transfers.
	DealID       string
	Payback      string
	Recipient    string
	FeeRecipient string
	Fees         *big.Int
}

// SubmitResult reports the broadcast transaction hash.
type SubmitResult struct {
	TxID string
}

// ChainPlugin is the uniform capability set the broker core drives a chain
// through. Implementations must be safe for concurrent use; every chain
// call takes a context and respects its deadline.
type ChainPlugin interface {
	// Name returns the chain identifier this plugin serves, e.g. "ETH".
	Name() string

	// DeriveEscrow deterministically derives the escrow account for one
	// side of a deal. The same (dealID, party) always yields the same
	// address.
	DeriveEscrow(dealID string, party Party) (EscrowAccountRef, error)

	// ListConfirmedDeposits returns the transfers of asset into address
	// that have at least minConf confirmations, plus their sum. Entries may
	// carry synthetic tx ids for assets queried by balance.
	ListConfirmedDeposits(ctx context.Context, asset, address string, minConf int64) (DepositList, error)

	// ResolveTransferEvents returns the transfer events of asset into
	// address within [fromBlock, toBlock], for synthetic-txid resolution.
	ResolveTransferEvents(ctx context.Context, asset, address string, fromBlock, toBlock uint64) ([]TransferEvent, error)

	// TxConfirmations returns the confirmation count of txid. Zero means
	// still pending; a negative value means not found, failed or reorged
	// away.
	TxConfirmations(ctx context.Context, txid string) (int64, error)

	// ConfirmationThreshold is the chain's configured confirmation
	// requirement for deposits and submitted transactions.
	ConfirmationThreshold() int64

	// QuoteGas captures the current gas price and the next nonce for the
	// given account.
	QuoteGas(ctx context.Context, from EscrowAccountRef) (GasQuote, error)

	// Submit signs and broadcasts the request. Given the same nonce it is
	// idempotent up to gas-price replacement.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// NativeBalance returns the native-currency balance of address.
	NativeBalance(ctx context.Context, address string) (*big.Int, error)

	// CheckBrokerApproval reports whether escrowAddr has approved the
	// broker contract for tokenAddr. Non-EVM chains return ErrUnsupported.
	CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error)

	// ApproveBrokerForToken issues an ERC-20 approval from the escrow to
	// the broker contract. Non-EVM chains return ErrUnsupported.
	ApproveBrokerForToken(ctx context.Context, escrow EscrowAccountRef, tokenAddr string) (SubmitResult, error)

	// QuoteNativeUSD returns the USD price of one native token.
	QuoteNativeUSD(ctx context.Context) (PriceQuote, error)

	// OperatorAddress returns the operator (tank) address on this chain, or
	// empty if none is configured.
	OperatorAddress() string
}

// VestingTracer is implemented by plugins for chains whose UTXO model
// distinguishes vested from unvested coinbase-derived coins.
type VestingTracer interface {
	// TraceVesting classifies the UTXO behind txid as vested or unvested by
	// walking its ancestry to a coinbase origin.
	TraceVesting(ctx context.Context, txid string) (VestingStatus, error)
}

// VestingStatus classifies a UTXO's coinbase ancestry.
type VestingStatus string

const (
	VestingVested       VestingStatus = "vested"
	VestingUnvested     VestingStatus = "unvested"
	VestingPending      VestingStatus = "pending"
	VestingUnknown      VestingStatus = "unknown"
	VestingTracedFailed VestingStatus = "tracing_failed"
)

// SyntheticPrefix marks deposit tx ids that were fabricated from a balance
// probe and still need resolution to a real transaction hash.
const SyntheticPrefix = "erc20-balance-"

// IsSyntheticTxID reports whether txid is a fabricated balance-probe id.
func IsSyntheticTxID(txid string) bool {
	return len(txid) >= len(SyntheticPrefix) && txid[:len(SyntheticPrefix)] == SyntheticPrefix
}
