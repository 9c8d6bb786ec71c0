// Package evm implements the chain plugin for EVM networks: escrow
// derivation from the hot-wallet seed, ERC-20 and native deposit scanning,
// broker-contract execution and Chainlink price quoting over a single
// ethclient connection.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

type Config struct {
	Name              string        `koanf:"name"`
	URL               string        `koanf:"url"`
	ChainID           uint64        `koanf:"chain-id"`
	NativeAsset       string        `koanf:"native-asset"`
	BrokerContract    string        `koanf:"broker-contract"`
	Confirmations     int64         `koanf:"confirmations"`
	DepositScanBlocks uint64        `koanf:"deposit-scan-blocks"`
	GasLimitTransfer  uint64        `koanf:"gas-limit-transfer"`
	GasLimitToken     uint64        `koanf:"gas-limit-token"`
	GasLimitBroker    uint64        `koanf:"gas-limit-broker"`
	GasCeiling        string        `koanf:"gas-ceiling"`
	PriceFeed         string        `koanf:"price-feed"`
	PriceTTL          time.Duration `koanf:"price-ttl"`
	OracleRetries     int           `koanf:"oracle-retries"`
	OracleRetryBase   time.Duration `koanf:"oracle-retry-base"`
}

var DefaultConfig = Config{
	Name:              "ETH",
	NativeAsset:       "ETH",
	ChainID:           1,
	Confirmations:     12,
	DepositScanBlocks: 50000,
	GasLimitTransfer:  21000,
	GasLimitToken:     90000,
	GasLimitBroker:    350000,
	GasCeiling:        "500000000000", // 500 gwei
	PriceTTL:          time.Minute,
	OracleRetries:     3,
	OracleRetryBase:   time.Second,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".name", DefaultConfig.Name, "chain identifier")
	f.String(prefix+".url", DefaultConfig.URL, "node RPC endpoint")
	f.Uint64(prefix+".chain-id", DefaultConfig.ChainID, "EVM chain id")
	f.String(prefix+".native-asset", DefaultConfig.NativeAsset, "native asset symbol")
	f.String(prefix+".broker-contract", DefaultConfig.BrokerContract, "broker contract address")
	f.Int64(prefix+".confirmations", DefaultConfig.Confirmations, "confirmations required for deposits and submissions")
	f.Uint64(prefix+".deposit-scan-blocks", DefaultConfig.DepositScanBlocks, "how far back to scan logs for deposits")
	f.Uint64(prefix+".gas-limit-transfer", DefaultConfig.GasLimitTransfer, "gas limit for native transfers")
	f.Uint64(prefix+".gas-limit-token", DefaultConfig.GasLimitToken, "gas limit for token transfers and approvals")
	f.Uint64(prefix+".gas-limit-broker", DefaultConfig.GasLimitBroker, "gas limit for broker contract calls")
	f.String(prefix+".gas-ceiling", DefaultConfig.GasCeiling, "max acceptable gas price in wei before submissions pause")
	f.String(prefix+".price-feed", DefaultConfig.PriceFeed, "chainlink aggregator address for the native/USD price")
	f.Duration(prefix+".price-ttl", DefaultConfig.PriceTTL, "how long a price quote stays cached")
	f.Int(prefix+".oracle-retries", DefaultConfig.OracleRetries, "price feed read attempts before giving up")
	f.Duration(prefix+".oracle-retry-base", DefaultConfig.OracleRetryBase, "initial backoff between price feed retries")
}

// Client is the node surface the plugin consumes. *ethclient.Client
// satisfies it; tests substitute a fake.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const priceCacheKey = "native-usd"

type Plugin struct {
	cfg        Config
	client     Client
	keys       *keyRing
	priceCache *expirable.LRU[string, plugin.PriceQuote]
}

// New dials the configured node and derives the operator key from seed.
// The seed is consumed here and never retained beyond the key ring.
func New(ctx context.Context, cfg Config, seed []byte) (*Plugin, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s node: %w", cfg.Name, err)
	}
	return NewWithClient(cfg, client, seed)
}

func NewWithClient(cfg Config, client Client, seed []byte) (*Plugin, error) {
	keys, err := newKeyRing(seed)
	if err != nil {
		return nil, err
	}
	p := &Plugin{
		cfg:        cfg,
		client:     client,
		keys:       keys,
		priceCache: expirable.NewLRU[string, plugin.PriceQuote](4, nil, cfg.PriceTTL),
	}
	log.Info("evm chain plugin ready", "chain", cfg.Name, "chainId", cfg.ChainID, "operator", keys.operatorAddr)
	return p, nil
}

func (p *Plugin) Name() string                 { return p.cfg.Name }
func (p *Plugin) ConfirmationThreshold() int64 { return p.cfg.Confirmations }
func (p *Plugin) OperatorAddress() string      { return p.keys.operatorAddr.Hex() }

func (p *Plugin) DeriveEscrow(dealID string, party plugin.Party) (plugin.EscrowAccountRef, error) {
	idx := escrowKeyIndex(dealID, party)
	addr, err := p.keys.addressAt(idx)
	if err != nil {
		return plugin.EscrowAccountRef{}, err
	}
	return plugin.EscrowAccountRef{
		Chain:     p.cfg.Name,
		Address:   addr.Hex(),
		KeyIndex:  idx,
		DerivedAt: time.Now().Unix(),
	}, nil
}

func (p *Plugin) isNative(asset string) bool {
	return asset == "" || strings.EqualFold(asset, p.cfg.NativeAsset) || strings.EqualFold(asset, "native")
}

// ListConfirmedDeposits scans for transfers of asset into address. Tokens
// are scanned through Transfer logs and yield real tx hashes; the native
// asset has no logs, so it is observed as a balance probe that produces a
// single synthetic deposit for the resolver to chase later.
func (p *Plugin) ListConfirmedDeposits(ctx context.Context, asset, address string, minConf int64) (plugin.DepositList, error) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return plugin.DepositList{}, fmt.Errorf("head: %w", err)
	}
	if p.isNative(asset) {
		return p.nativeBalanceProbe(ctx, asset, address, head)
	}

	from := uint64(0)
	if head > p.cfg.DepositScanBlocks {
		from = head - p.cfg.DepositScanBlocks
	}
	events, err := p.ResolveTransferEvents(ctx, asset, address, from, head)
	if err != nil {
		// Some nodes refuse wide log queries; fall back to a token
		// balance probe so collection can still progress.
		log.Warn("token log scan failed, probing balance", "chain", p.cfg.Name, "token", asset, "err", err)
		return p.tokenBalanceProbe(ctx, asset, address, head)
	}

	list := plugin.DepositList{TotalConfirmed: new(big.Int)}
	for _, ev := range events {
		conf := int64(head - ev.BlockHeight + 1)
		if conf < minConf {
			continue
		}
		list.Deposits = append(list.Deposits, plugin.Deposit{
			TxID:          ev.TxHash,
			Asset:         asset,
			Amount:        ev.Amount,
			BlockHeight:   ev.BlockHeight,
			Confirmations: conf,
		})
		list.TotalConfirmed.Add(list.TotalConfirmed, ev.Amount)
	}
	return list, nil
}

// probeHeight is the block a balance probe reads at: far enough behind
// head that whatever the probe sees has already survived the confirmation
// window, making the threshold confirmations it reports true.
func (p *Plugin) probeHeight(head uint64) uint64 {
	back := uint64(0)
	if p.cfg.Confirmations > 1 {
		back = uint64(p.cfg.Confirmations - 1)
	}
	if head < back {
		return 0
	}
	return head - back
}

func (p *Plugin) nativeBalanceProbe(ctx context.Context, asset, address string, head uint64) (plugin.DepositList, error) {
	at := p.probeHeight(head)
	bal, err := p.client.BalanceAt(ctx, common.HexToAddress(address), new(big.Int).SetUint64(at))
	if err != nil {
		return plugin.DepositList{}, fmt.Errorf("balance of %s: %w", address, err)
	}
	return balanceProbeList(asset, address, bal, at, p.cfg.Confirmations), nil
}

func (p *Plugin) tokenBalanceProbe(ctx context.Context, token, address string, head uint64) (plugin.DepositList, error) {
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return plugin.DepositList{}, err
	}
	tok := common.HexToAddress(token)
	at := p.probeHeight(head)
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &tok, Data: data}, new(big.Int).SetUint64(at))
	if err != nil {
		return plugin.DepositList{}, fmt.Errorf("balanceOf %s: %w", address, err)
	}
	res, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return plugin.DepositList{}, err
	}
	return balanceProbeList(token, address, res[0].(*big.Int), at, p.cfg.Confirmations), nil
}

func balanceProbeList(asset, address string, bal *big.Int, at uint64, conf int64) plugin.DepositList {
	if bal.Sign() == 0 {
		return plugin.DepositList{TotalConfirmed: new(big.Int)}
	}
	dep := plugin.Deposit{
		TxID:          plugin.SyntheticPrefix + strings.ToLower(address),
		Asset:         asset,
		Amount:        bal,
		BlockHeight:   at,
		Confirmations: conf,
		IsSynthetic:   true,
	}
	return plugin.DepositList{Deposits: []plugin.Deposit{dep}, TotalConfirmed: new(big.Int).Set(bal)}
}

func (p *Plugin) ResolveTransferEvents(ctx context.Context, asset, address string, fromBlock, toBlock uint64) ([]plugin.TransferEvent, error) {
	if p.isNative(asset) {
		return nil, fmt.Errorf("%w: native %s transfers emit no logs", plugin.ErrUnsupported, asset)
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(asset)},
		Topics: [][]common.Hash{
			{common.Hash(transferTopic)},
			nil,
			{common.BytesToHash(common.HexToAddress(address).Bytes())},
		},
	}
	logs, err := p.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter transfers: %w", err)
	}
	events := make([]plugin.TransferEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 3 {
			continue
		}
		events = append(events, plugin.TransferEvent{
			TxHash:      l.TxHash.Hex(),
			From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
			Amount:      new(big.Int).SetBytes(l.Data),
			BlockHeight: l.BlockNumber,
			LogIndex:    l.Index,
		})
	}
	return events, nil
}

func (p *Plugin) TxConfirmations(ctx context.Context, txid string) (int64, error) {
	hash := common.HexToHash(txid)
	receipt, err := p.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			if _, pending, txErr := p.client.TransactionByHash(ctx, hash); txErr == nil && pending {
				return 0, nil
			}
			return -1, nil
		}
		return 0, fmt.Errorf("receipt %s: %w", txid, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return -1, nil
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	if head < receipt.BlockNumber.Uint64() {
		return 0, nil // reorg race, let the next poll settle it
	}
	return int64(head-receipt.BlockNumber.Uint64()) + 1, nil
}

// TxGasUsed reports the gas consumed by a mined transaction, for the
// reimbursement calculator.
func (p *Plugin) TxGasUsed(ctx context.Context, txid string) (uint64, error) {
	receipt, err := p.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return 0, fmt.Errorf("receipt %s: %w", txid, err)
	}
	return receipt.GasUsed, nil
}

func (p *Plugin) QuoteGas(ctx context.Context, from plugin.EscrowAccountRef) (plugin.GasQuote, error) {
	price, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return plugin.GasQuote{}, fmt.Errorf("gas price: %w", err)
	}
	if ceiling, ok := new(big.Int).SetString(p.cfg.GasCeiling, 10); ok && ceiling.Sign() > 0 && price.Cmp(ceiling) > 0 {
		return plugin.GasQuote{}, fmt.Errorf("%w: gas price %s above ceiling %s", plugin.ErrCircuitBreaker, price, ceiling)
	}
	nonce, err := p.client.PendingNonceAt(ctx, common.HexToAddress(from.Address))
	if err != nil {
		return plugin.GasQuote{}, fmt.Errorf("nonce of %s: %w", from.Address, err)
	}
	return plugin.GasQuote{Price: price, Nonce: nonce, QuotedAt: time.Now()}, nil
}

func (p *Plugin) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return p.client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (p *Plugin) CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error) {
	data, err := erc20ABI.Pack("allowance", common.HexToAddress(escrowAddr), common.HexToAddress(p.cfg.BrokerContract))
	if err != nil {
		return false, err
	}
	tok := common.HexToAddress(tokenAddr)
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &tok, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("allowance %s: %w", escrowAddr, err)
	}
	res, err := erc20ABI.Unpack("allowance", out)
	if err != nil {
		return false, err
	}
	return res[0].(*big.Int).Sign() > 0, nil
}

func (p *Plugin) ApproveBrokerForToken(ctx context.Context, escrow plugin.EscrowAccountRef, tokenAddr string) (plugin.SubmitResult, error) {
	quote, err := p.QuoteGas(ctx, escrow)
	if err != nil {
		return plugin.SubmitResult{}, err
	}
	return p.Submit(ctx, plugin.SubmitRequest{
		Purpose:  string(store.PurposeApproveBroker),
		From:     escrow,
		To:       tokenAddr,
		Asset:    tokenAddr,
		Nonce:    quote.Nonce,
		GasPrice: quote.Price,
	})
}

// maxApproval is the unlimited ERC-20 allowance (2^256 - 1).
var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Submit builds, signs and broadcasts one transaction according to the
// request's purpose. The signing key is selected by the From key index, so
// escrow-originated and operator-originated items flow through the same
// path.
func (p *Plugin) Submit(ctx context.Context, req plugin.SubmitRequest) (plugin.SubmitResult, error) {
	key, err := p.keys.keyAt(req.From.KeyIndex)
	if err != nil {
		return plugin.SubmitResult{}, err
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		if gasPrice, err = p.client.SuggestGasPrice(ctx); err != nil {
			return plugin.SubmitResult{}, fmt.Errorf("gas price: %w", err)
		}
	}

	var (
		to    common.Address
		data  []byte
		value = new(big.Int)
		gas   = p.cfg.GasLimitTransfer
	)
	broker := common.HexToAddress(p.cfg.BrokerContract)
	sender := common.HexToAddress(req.From.Address)

	switch store.Purpose(req.Purpose) {
	case store.PurposeApproveBroker:
		to = common.HexToAddress(req.To)
		gas = p.cfg.GasLimitToken
		if data, err = erc20ABI.Pack("approve", broker, maxApproval); err != nil {
			return plugin.SubmitResult{}, err
		}

	case store.PurposeBrokerSwap, store.PurposeBrokerRevert:
		// Operator-only token paths; the contract checks msg.sender.
		to = broker
		gas = p.cfg.GasLimitBroker
		escrow := common.HexToAddress(req.To)
		dealID := onchainDealID(escrow, p.cfg.ChainID)
		if store.Purpose(req.Purpose) == store.PurposeBrokerSwap {
			data, err = brokerABI.Pack("swapERC20", dealID, escrow, common.HexToAddress(req.Asset),
				common.HexToAddress(req.Payback), common.HexToAddress(req.Recipient),
				common.HexToAddress(req.FeeRecipient), req.Amount, orZero(req.Fees))
		} else {
			data, err = brokerABI.Pack("revertERC20", dealID, escrow, common.HexToAddress(req.Asset),
				common.HexToAddress(req.Payback), req.Amount)
		}
		if err != nil {
			return plugin.SubmitResult{}, err
		}

	case store.PurposePhase1Swap, store.PurposeBrokerRefund:
		// Escrow-originated native paths carrying the operator signature.
		to = broker
		gas = p.cfg.GasLimitBroker
		value.Set(req.Amount)
		if req.Fees != nil {
			value.Add(value, req.Fees)
		}
		dealID := onchainDealID(sender, p.cfg.ChainID)
		payback := common.HexToAddress(req.Payback)
		recipient := common.HexToAddress(req.Recipient)
		feeRecipient := common.HexToAddress(req.FeeRecipient)
		sig, sigErr := p.keys.signBrokerCall(broker, dealID, payback, recipient, feeRecipient,
			req.Amount.Bytes(), orZero(req.Fees).Bytes(), sender)
		if sigErr != nil {
			return plugin.SubmitResult{}, sigErr
		}
		method := "swapNative"
		if store.Purpose(req.Purpose) == store.PurposeBrokerRefund {
			method = "revertNative"
		}
		if data, err = brokerABI.Pack(method, dealID, payback, recipient, feeRecipient, req.Amount, orZero(req.Fees), sig); err != nil {
			return plugin.SubmitResult{}, err
		}

	default:
		// Plain value movement: surplus refunds, gas funding, tank
		// refunds and sweeps.
		if p.isNative(req.Asset) {
			to = common.HexToAddress(req.To)
			value.Set(req.Amount)
		} else {
			to = common.HexToAddress(req.Asset)
			gas = p.cfg.GasLimitToken
			if data, err = erc20ABI.Pack("transfer", common.HexToAddress(req.To), req.Amount); err != nil {
				return plugin.SubmitResult{}, err
			}
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(p.cfg.ChainID)), key)
	if err != nil {
		return plugin.SubmitResult{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return plugin.SubmitResult{}, classifySubmitError(err)
	}
	log.Debug("tx broadcast", "chain", p.cfg.Name, "purpose", req.Purpose, "tx", signed.Hash(),
		"from", req.From.Address, "nonce", req.Nonce, "gasPrice", gasPrice)
	return plugin.SubmitResult{TxID: signed.Hash().Hex()}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
