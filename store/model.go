// Package store is the single source of truth shared by the deal engine,
// the queue dispatcher and the recovery manager. It persists every entity
// of the broker data model in one SQLite database; all multi-row updates
// that carry an invariant (a gas refund and its queue item, a stage
// transition and the items it enqueues) happen inside one transaction.
//
// Amounts are decimal strings end to end; callers parse them with
// ParseAmount when they need arithmetic.
package store

import (
	"fmt"
	"math/big"
	"time"

	"github.com/otclabs/brokerd/plugin"
)

// Stage is a deal's position in the lifecycle graph
// DRAFT→COLLECTION→READY→SWAP→PAYOUT→CLOSED with COLLECTION→REVERTED and
// READY→REVERTED as the only detours. CLOSED and REVERTED are terminal.
type Stage string

const (
	StageDraft      Stage = "DRAFT"
	StageCollection Stage = "COLLECTION"
	StageReady      Stage = "READY"
	StageSwap       Stage = "SWAP"
	StagePayout     Stage = "PAYOUT"
	StageClosed     Stage = "CLOSED"
	StageReverted   Stage = "REVERTED"
)

// Terminal reports whether no further stage transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageReverted
}

// stageSuccessors is the allowed transition graph.
var stageSuccessors = map[Stage][]Stage{
	StageDraft:      {StageCollection},
	StageCollection: {StageReady, StageReverted},
	StageReady:      {StageSwap, StageReverted},
	StageSwap:       {StagePayout},
	StagePayout:     {StageClosed},
}

// CanTransition reports whether from→to is an edge of the lifecycle graph.
func CanTransition(from, to Stage) bool {
	for _, s := range stageSuccessors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PartySpec describes one side of a deal: what it pays, where refunds and
// proceeds go, and the escrow the operator controls for it.
type PartySpec struct {
	Chain          string                   `json:"chain"`
	Asset          string                   `json:"asset"`
	TokenAddress   string                   `json:"tokenAddress,omitempty"` // empty for native assets
	RefundAddress  string                   `json:"refundAddress"`
	Recipient      string                   `json:"recipient"`
	ExpectedAmount string                   `json:"expectedAmount"`
	Fee            string                   `json:"fee"`
	Escrow         *plugin.EscrowAccountRef `json:"escrow,omitempty"`
	Funded         bool                     `json:"funded"`
}

// DealEvent is one entry of a deal's append-only human-readable log.
type DealEvent struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// ReimburseConfig says whether and how tank gas spend is recovered from
// the deal's funds.
type ReimburseConfig struct {
	Active     bool         `json:"active"`
	PayingSide plugin.Party `json:"payingSide,omitempty"`
}

// ReimburseResult records a settled gas-reimbursement computation.
type ReimburseResult struct {
	Token       string    `json:"token"`
	TokenAmount string    `json:"tokenAmount"`
	NativeRate  float64   `json:"nativeRate"`
	GasUsed     uint64    `json:"gasUsed"`
	ComputedAt  time.Time `json:"computedAt"`
}

// Deal is a single bilateral OTC exchange. The full document is stored as
// JSON with stage and creation time indexed alongside.
type Deal struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	A         PartySpec `json:"a"`
	B         PartySpec `json:"b"`
	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`

	Events []DealEvent `json:"events"`

	Reimburse       ReimburseConfig  `json:"reimburse"`
	ReimburseResult *ReimburseResult `json:"reimburseResult,omitempty"`

	// OperatorReview pauses all further transitions; set when on-chain
	// state contradicts a deal invariant.
	OperatorReview bool   `json:"operatorReview,omitempty"`
	ReviewReason   string `json:"reviewReason,omitempty"`
}

// Side returns the named party specification.
func (d *Deal) Side(p plugin.Party) *PartySpec {
	if p == plugin.PartyA {
		return &d.A
	}
	return &d.B
}

// Purpose of an outbound queue item.
type Purpose string

const (
	PurposeApproveBroker   Purpose = "APPROVE_BROKER"
	PurposeBrokerSwap      Purpose = "BROKER_SWAP"
	PurposeBrokerRevert    Purpose = "BROKER_REVERT"
	PurposeBrokerRefund    Purpose = "BROKER_REFUND"
	PurposePhase1Swap      Purpose = "PHASE_1_SWAP"
	PurposeSurplusRefund   Purpose = "SURPLUS_REFUND"
	PurposeGasFunding      Purpose = "GAS_FUNDING"
	PurposeGasRefundToTank Purpose = "GAS_REFUND_TO_TANK"
	PurposeSweep           Purpose = "SWEEP"
)

// settlementPurposes only make sense for a deal that settles; they are
// dropped from the queue when the deal reverts.
var settlementPurposes = map[Purpose]bool{
	PurposeBrokerSwap:    true,
	PurposePhase1Swap:    true,
	PurposeSurplusRefund: true,
	PurposeApproveBroker: false, // approval survives, it enables the revert path too
}

// SettlementOnly reports whether the purpose applies only to a successful
// settlement.
func (p Purpose) SettlementOnly() bool { return settlementPurposes[p] }

// ItemStatus is a queue item's submission state.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemSubmitted ItemStatus = "SUBMITTED"
	ItemConfirmed ItemStatus = "CONFIRMED"
	ItemFailed    ItemStatus = "FAILED"
)

// QueueItem is one outbound chain transaction owned by the dispatcher.
// Items of the same (deal, chain) submit in strictly increasing Seq; a
// lower-seq item must be CONFIRMED before a higher one is SUBMITTED.
type QueueItem struct {
	ID      string
	DealID  string
	Chain   string
	From    plugin.EscrowAccountRef
	To      string
	Asset   string
	Amount  string
	Purpose Purpose
	Seq     int
	Status  ItemStatus
	Phase   string

	SubmittedTx  string
	CreatedAt    time.Time
	LastSubmitAt time.Time

	GasBumpAttempts int
	LastGasPrice    string
	OriginalNonce   uint64

	RecoveryAttempts int
	LastRecoveryAt   time.Time
	RecoveryError    string

	// Broker-operation fields.
	Payback      string
	Recipient    string
	FeeRecipient string
	Fees         string
}

// RefundStatus tracks a gas refund row.
type RefundStatus string

const (
	RefundQueued    RefundStatus = "QUEUED"
	RefundSubmitted RefundStatus = "SUBMITTED"
	RefundConfirmed RefundStatus = "CONFIRMED"
	RefundSkipped   RefundStatus = "SKIPPED"
)

// GasRefund records leftover escrow gas being returned to the tank. It is
// created atomically with its linked GAS_REFUND_TO_TANK queue item.
type GasRefund struct {
	ID            string
	DealID        string
	Chain         string
	EscrowAddress string
	ApprovalTx    string
	RefundAmount  string
	Status        RefundStatus
	QueueItemID   string
	Metadata      string
	CreatedAt     time.Time
}

// ResolutionStatus of a deposit's synthetic-txid resolution.
type ResolutionStatus string

const (
	ResolutionNone     ResolutionStatus = ""
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionFailed   ResolutionStatus = "failed"
)

// DepositRecord is an observed transfer into an escrow; never deleted.
type DepositRecord struct {
	DealID        string
	Chain         string
	EscrowAddress string
	Asset         string
	TxID          string
	OriginalTxID  string
	Amount        string
	BlockHeight   uint64
	Confirmations int64
	IsSynthetic   bool
	Resolution    ResolutionStatus
	ResolveTries  int
	FirstSeenAt   time.Time
}

// RecoveryRecord is one audited recovery-manager action.
type RecoveryRecord struct {
	ID        int64
	Type      string
	Chain     string
	Action    string
	Success   bool
	Error     string
	Metadata  string
	CreatedAt time.Time
}

// Lease coordinates single-writer access to whole-system operations.
type Lease struct {
	Type      string
	Holder    string
	ExpiresAt time.Time
}

// LeaseRecoveryGlobal guards the recovery cycle across processes.
const LeaseRecoveryGlobal = "RECOVERY_GLOBAL"

// VestingCacheEntry is a persisted vesting classification for a UTXO.
type VestingCacheEntry struct {
	TxID          string
	IsCoinbase    bool
	CoinbaseBlock uint64
	ParentTxID    string
	Status        plugin.VestingStatus
	TracedAt      time.Time
	ErrorMessage  string
}

// TxidResolution audits one synthetic-deposit resolution attempt.
type TxidResolution struct {
	ID          int64
	DealID      string
	SyntheticID string
	WindowFrom  uint64
	WindowTo    uint64
	Candidates  int
	Confidence  float64
	ChosenTx    string
	CreatedAt   time.Time
}

// ParseAmount converts a stored decimal string to a big integer. The empty
// string parses as zero.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

// MustAmount is ParseAmount for amounts the store itself wrote.
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
