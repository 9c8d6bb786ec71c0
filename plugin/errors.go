package plugin

import "errors"

// Chain-call error classification. Callers branch with errors.Is; plugins
// wrap the underlying chain error around one of these sentinels.
var (
	// ErrUnsupported marks a capability the chain does not have, e.g.
	// ERC-20 approvals on a UTXO chain.
	ErrUnsupported = errors.New("capability not supported by chain")

	// ErrUnauthorizedOperator means the chain rejected our signature.
	// Fatal to the item.
	ErrUnauthorizedOperator = errors.New("operator not authorized")

	// ErrAlreadyExecuted means the contract already processed this deal id
	// (or the escrow is past the requested state). Treated as success.
	ErrAlreadyExecuted = errors.New("operation already executed on-chain")

	// ErrInsufficientBalance means the contract could not see the funds
	// yet. Retried on the next recovery cycle.
	ErrInsufficientBalance = errors.New("insufficient balance at contract")

	// ErrTransferFailed means the payee rejected the transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrCircuitBreaker means the chain's gas price exceeds the configured
	// ceiling; submission on that chain is paused until the price falls.
	ErrCircuitBreaker = errors.New("gas price above circuit-breaker ceiling")

	// ErrReorgDetected means a previously observed transaction vanished
	// from the canonical chain.
	ErrReorgDetected = errors.New("transaction reorged away")

	// ErrNoPriceOracle means the native/USD rate could not be obtained.
	ErrNoPriceOracle = errors.New("no price oracle available")

	// ErrPermanentTrace marks a structural vesting-trace failure (max
	// depth, transaction with no inputs) that must not be retried.
	ErrPermanentTrace = errors.New("permanent vesting trace failure")
)
