// Package utxo implements the chain plugin for Bitcoin-derived networks
// over a btcd-style JSON-RPC node. Escrow accounts are watch-only P2PKH
// addresses derived from the hot-wallet seed; deposits come from the
// node's unspent index, so every tx id is real and no synthetic
// resolution is ever needed.
package utxo

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

type Config struct {
	Name          string `koanf:"name"`
	URL           string `koanf:"url"`
	User          string `koanf:"user"`
	Password      string `koanf:"password"`
	Network       string `koanf:"network"`
	CoinType      uint32 `koanf:"coin-type"`
	Confirmations int64  `koanf:"confirmations"`

	// Fee control. FeeRate is satoshi per kilobyte when the node's
	// estimator is unavailable; FeeCeiling pauses submissions.
	FallbackFeeRate int64 `koanf:"fallback-fee-rate"`
	FeeCeiling      int64 `koanf:"fee-ceiling"`

	// Vesting trace bounds. Coins whose coinbase origin is at or below
	// VestedHeight count as vested; TraceDepth caps the ancestry walk.
	VestedHeight uint64        `koanf:"vested-height"`
	TraceDepth   int           `koanf:"trace-depth"`
	VestingTTL   time.Duration `koanf:"vesting-ttl"`
	TraceVesting bool          `koanf:"trace-vesting"`
}

var DefaultConfig = Config{
	Name:            "BTC",
	Network:         "mainnet",
	CoinType:        0,
	Confirmations:   3,
	FallbackFeeRate: 10_000,
	FeeCeiling:      5_000_000,
	TraceDepth:      100,
	VestingTTL:      6 * time.Hour,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".name", DefaultConfig.Name, "chain identifier")
	f.String(prefix+".url", DefaultConfig.URL, "node RPC endpoint host:port")
	f.String(prefix+".user", DefaultConfig.User, "node RPC user")
	f.String(prefix+".password", DefaultConfig.Password, "node RPC password")
	f.String(prefix+".network", DefaultConfig.Network, "network name (mainnet, testnet3, regtest)")
	f.Uint32(prefix+".coin-type", DefaultConfig.CoinType, "BIP-44 coin type for escrow derivation")
	f.Int64(prefix+".confirmations", DefaultConfig.Confirmations, "confirmations required for deposits and submissions")
	f.Int64(prefix+".fallback-fee-rate", DefaultConfig.FallbackFeeRate, "sat/kB fee rate when the node estimator fails")
	f.Int64(prefix+".fee-ceiling", DefaultConfig.FeeCeiling, "max sat/kB fee rate before submissions pause")
	f.Uint64(prefix+".vested-height", DefaultConfig.VestedHeight, "coinbase height at or below which coins count as vested")
	f.Int(prefix+".trace-depth", DefaultConfig.TraceDepth, "max ancestry depth for vesting traces")
	f.Duration(prefix+".vesting-ttl", DefaultConfig.VestingTTL, "memory cache TTL for vesting classifications")
	f.Bool(prefix+".trace-vesting", DefaultConfig.TraceVesting, "classify deposit UTXOs by coinbase vesting")
}

// Client is the node RPC surface the plugin consumes. *rpcclient.Client
// satisfies it; tests substitute a fake.
type Client interface {
	GetBlockCount() (int64, error)
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	ImportAddressRescan(address string, account string, rescan bool) error
}

type Plugin struct {
	cfg    Config
	client Client
	params *chaincfg.Params
	keys   *keyRing
	st     *store.Store

	vestCache *expirable.LRU[string, plugin.VestingStatus]

	mu       sync.Mutex
	imported map[string]bool
}

// New connects to the configured node. The store is used to persist
// permanent vesting classifications and may be nil when vesting tracing
// is disabled.
func New(cfg Config, seed []byte, st *store.Store) (*Plugin, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.URL,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s node: %w", cfg.Name, err)
	}
	return NewWithClient(cfg, client, seed, st)
}

func NewWithClient(cfg Config, client Client, seed []byte, st *store.Store) (*Plugin, error) {
	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	keys, err := newKeyRing(seed, cfg.CoinType, params)
	if err != nil {
		return nil, err
	}
	p := &Plugin{
		cfg:       cfg,
		client:    client,
		params:    params,
		keys:      keys,
		st:        st,
		vestCache: expirable.NewLRU[string, plugin.VestingStatus](4096, nil, cfg.VestingTTL),
		imported:  make(map[string]bool),
	}
	log.Info("utxo chain plugin ready", "chain", cfg.Name, "network", cfg.Network, "operator", keys.operatorAddr)
	return p, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

func (p *Plugin) Name() string                 { return p.cfg.Name }
func (p *Plugin) ConfirmationThreshold() int64 { return p.cfg.Confirmations }
func (p *Plugin) OperatorAddress() string      { return p.keys.operatorAddr }

func (p *Plugin) DeriveEscrow(dealID string, party plugin.Party) (plugin.EscrowAccountRef, error) {
	idx := escrowKeyIndex(dealID, party)
	addr, err := p.keys.addressAt(idx)
	if err != nil {
		return plugin.EscrowAccountRef{}, err
	}
	if err := p.watchAddress(addr); err != nil {
		return plugin.EscrowAccountRef{}, err
	}
	return plugin.EscrowAccountRef{
		Chain:     p.cfg.Name,
		Address:   addr,
		KeyIndex:  idx,
		DerivedAt: time.Now().Unix(),
	}, nil
}

// watchAddress registers addr watch-only with the node so its unspent
// outputs show up in the ListUnspent index.
func (p *Plugin) watchAddress(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.imported[addr] {
		return nil
	}
	if err := p.client.ImportAddressRescan(addr, "", false); err != nil {
		return fmt.Errorf("import watch-only %s: %w", addr, err)
	}
	p.imported[addr] = true
	return nil
}

func (p *Plugin) decodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, p.params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", addr, err)
	}
	return a, nil
}

func (p *Plugin) unspents(address string, minConf int64) ([]btcjson.ListUnspentResult, error) {
	a, err := p.decodeAddress(address)
	if err != nil {
		return nil, err
	}
	utxos, err := p.client.ListUnspentMinMaxAddresses(int(minConf), 9999999, []btcutil.Address{a})
	if err != nil {
		return nil, fmt.Errorf("list unspent %s: %w", address, err)
	}
	return utxos, nil
}

func (p *Plugin) ListConfirmedDeposits(ctx context.Context, asset, address string, minConf int64) (plugin.DepositList, error) {
	if !p.isNative(asset) {
		return plugin.DepositList{}, fmt.Errorf("%w: %s has no token assets", plugin.ErrUnsupported, p.cfg.Name)
	}
	head, err := p.client.GetBlockCount()
	if err != nil {
		return plugin.DepositList{}, fmt.Errorf("block count: %w", err)
	}
	utxos, err := p.unspents(address, minConf)
	if err != nil {
		return plugin.DepositList{}, err
	}
	list := plugin.DepositList{TotalConfirmed: new(big.Int)}
	for _, u := range utxos {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return plugin.DepositList{}, fmt.Errorf("amount of %s: %w", u.TxID, err)
		}
		height := uint64(0)
		if u.Confirmations > 0 && head >= u.Confirmations-1 {
			height = uint64(head - u.Confirmations + 1)
		}
		list.Deposits = append(list.Deposits, plugin.Deposit{
			TxID:          u.TxID,
			Asset:         asset,
			Amount:        big.NewInt(int64(amt)),
			BlockHeight:   height,
			Confirmations: u.Confirmations,
		})
		list.TotalConfirmed.Add(list.TotalConfirmed, big.NewInt(int64(amt)))
	}
	return list, nil
}

func (p *Plugin) isNative(asset string) bool {
	return asset == "" || strings.EqualFold(asset, p.cfg.Name) || strings.EqualFold(asset, "native")
}

// ResolveTransferEvents never applies here: unspent scanning already
// yields real transaction ids.
func (p *Plugin) ResolveTransferEvents(ctx context.Context, asset, address string, fromBlock, toBlock uint64) ([]plugin.TransferEvent, error) {
	return nil, fmt.Errorf("%w: %s deposits carry real tx ids", plugin.ErrUnsupported, p.cfg.Name)
}

func (p *Plugin) TxConfirmations(ctx context.Context, txid string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("parse txid %s: %w", txid, err)
	}
	raw, err := p.client.GetRawTransactionVerbose(hash)
	if err != nil {
		if isNotFoundRPC(err) {
			return -1, nil
		}
		return 0, fmt.Errorf("lookup %s: %w", txid, err)
	}
	return int64(raw.Confirmations), nil
}

func isNotFoundRPC(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no information available") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such mempool or blockchain transaction")
}

// QuoteGas reports the fee rate in sat/kB; UTXO chains have no account
// nonce, so Nonce is always zero.
func (p *Plugin) QuoteGas(ctx context.Context, from plugin.EscrowAccountRef) (plugin.GasQuote, error) {
	rate := p.cfg.FallbackFeeRate
	mode := btcjson.EstimateModeConservative
	if est, err := p.client.EstimateSmartFee(2, &mode); err == nil && est.FeeRate != nil && *est.FeeRate > 0 {
		if amt, aerr := btcutil.NewAmount(*est.FeeRate); aerr == nil {
			rate = int64(amt)
		}
	}
	if p.cfg.FeeCeiling > 0 && rate > p.cfg.FeeCeiling {
		return plugin.GasQuote{}, fmt.Errorf("%w: fee rate %d above ceiling %d", plugin.ErrCircuitBreaker, rate, p.cfg.FeeCeiling)
	}
	return plugin.GasQuote{Price: big.NewInt(rate), QuotedAt: time.Now()}, nil
}

func (p *Plugin) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	utxos, err := p.unspents(address, 0)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, u := range utxos {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, big.NewInt(int64(amt)))
	}
	return total, nil
}

func (p *Plugin) CheckBrokerApproval(ctx context.Context, escrowAddr, tokenAddr string) (bool, error) {
	return false, plugin.ErrUnsupported
}

func (p *Plugin) ApproveBrokerForToken(ctx context.Context, escrow plugin.EscrowAccountRef, tokenAddr string) (plugin.SubmitResult, error) {
	return plugin.SubmitResult{}, plugin.ErrUnsupported
}

func (p *Plugin) QuoteNativeUSD(ctx context.Context) (plugin.PriceQuote, error) {
	return plugin.PriceQuote{}, plugin.ErrNoPriceOracle
}

// p2pkh input ~148 bytes, output ~34 bytes, 10 bytes framing.
func estimateTxSize(inputs, outputs int) int64 {
	return int64(inputs)*148 + int64(outputs)*34 + 10
}

const dustLimit = 546

// sweepable purposes drain whatever the escrow actually holds: a refund
// of the full balance cannot also pay the network fee on top, so the fee
// comes out of the recipient amount instead.
func sweepable(purpose string) bool {
	switch store.Purpose(purpose) {
	case store.PurposeBrokerRefund, store.PurposeSurplusRefund, store.PurposeSweep:
		return true
	}
	return false
}

// Submit spends from the request's escrow to the recipient, with an
// optional broker-fee output, and returns change to the escrow. Every
// purpose maps to a plain spend; contract semantics do not exist here.
func (p *Plugin) Submit(ctx context.Context, req plugin.SubmitRequest) (plugin.SubmitResult, error) {
	key, err := p.keys.keyAt(req.From.KeyIndex)
	if err != nil {
		return plugin.SubmitResult{}, err
	}
	fromAddr, err := p.decodeAddress(req.From.Address)
	if err != nil {
		return plugin.SubmitResult{}, err
	}
	toAddr, err := p.decodeAddress(req.To)
	if err != nil {
		return plugin.SubmitResult{}, err
	}

	want := new(big.Int).Set(req.Amount)
	outputs := 2 // recipient + change
	var feeAddr btcutil.Address
	if req.Fees != nil && req.Fees.Sign() > 0 && req.FeeRecipient != "" {
		if feeAddr, err = p.decodeAddress(req.FeeRecipient); err != nil {
			return plugin.SubmitResult{}, err
		}
		want.Add(want, req.Fees)
		outputs++
	}

	feeRate := p.cfg.FallbackFeeRate
	if req.GasPrice != nil && req.GasPrice.Sign() > 0 {
		feeRate = req.GasPrice.Int64()
	}

	utxos, err := p.unspents(req.From.Address, 1)
	if err != nil {
		return plugin.SubmitResult{}, err
	}

	// Greedy selection: largest first until amount + network fee is
	// covered.
	tx := wire.NewMsgTx(wire.TxVersion)
	selected := new(big.Int)
	var prevScripts [][]byte
	networkFee := int64(0)
	for i := 0; i < len(utxos); i++ {
		best := i
		for j := i + 1; j < len(utxos); j++ {
			if utxos[j].Amount > utxos[best].Amount {
				best = j
			}
		}
		utxos[i], utxos[best] = utxos[best], utxos[i]
		u := utxos[i]

		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return plugin.SubmitResult{}, fmt.Errorf("parse utxo %s: %w", u.TxID, err)
		}
		script, err := decodeScript(u.ScriptPubKey)
		if err != nil {
			return plugin.SubmitResult{}, err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
		prevScripts = append(prevScripts, script)
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return plugin.SubmitResult{}, err
		}
		selected.Add(selected, big.NewInt(int64(amt)))

		networkFee = estimateTxSize(len(tx.TxIn), outputs) * feeRate / 1000
		if selected.Cmp(new(big.Int).Add(want, big.NewInt(networkFee))) >= 0 {
			break
		}
	}
	need := new(big.Int).Add(want, big.NewInt(networkFee))
	amountOut := new(big.Int).Set(req.Amount)
	if selected.Cmp(need) < 0 {
		if !sweepable(req.Purpose) {
			return plugin.SubmitResult{}, fmt.Errorf("%w: escrow %s holds %s, needs %s",
				plugin.ErrInsufficientBalance, req.From.Address, selected, need)
		}
		amountOut.Sub(selected, big.NewInt(networkFee))
		if feeAddr != nil {
			amountOut.Sub(amountOut, req.Fees)
		}
		if amountOut.Int64() <= dustLimit {
			return plugin.SubmitResult{}, fmt.Errorf("%w: escrow %s holds %s, below fee and dust",
				plugin.ErrInsufficientBalance, req.From.Address, selected)
		}
		need.Set(selected)
	}

	if err := addOutput(tx, toAddr, amountOut.Int64()); err != nil {
		return plugin.SubmitResult{}, err
	}
	if feeAddr != nil {
		if err := addOutput(tx, feeAddr, req.Fees.Int64()); err != nil {
			return plugin.SubmitResult{}, err
		}
	}
	change := new(big.Int).Sub(selected, need)
	// Dust change is left to the miners.
	if change.Int64() > dustLimit {
		if err := addOutput(tx, fromAddr, change.Int64()); err != nil {
			return plugin.SubmitResult{}, err
		}
	}

	for i, script := range prevScripts {
		sig, err := txscript.SignatureScript(tx, i, script, txscript.SigHashAll, key, true)
		if err != nil {
			return plugin.SubmitResult{}, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sig
	}

	hash, err := p.client.SendRawTransaction(tx, false)
	if err != nil {
		return plugin.SubmitResult{}, classifySendError(err)
	}
	log.Debug("tx broadcast", "chain", p.cfg.Name, "purpose", req.Purpose, "tx", hash.String(),
		"from", req.From.Address, "inputs", len(tx.TxIn), "feeRate", feeRate)
	return plugin.SubmitResult{TxID: hash.String()}, nil
}

func addOutput(tx *wire.MsgTx, addr btcutil.Address, amount int64) error {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("output script for %s: %w", addr, err)
	}
	tx.AddTxOut(wire.NewTxOut(amount, script))
	return nil
}

func decodeScript(hexScript string) ([]byte, error) {
	script, err := hex.DecodeString(hexScript)
	if err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	return script, nil
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already in block") || strings.Contains(msg, "already have transaction") || strings.Contains(msg, "txn-already-known"):
		return fmt.Errorf("%w: %v", plugin.ErrAlreadyExecuted, err)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", plugin.ErrInsufficientBalance, err)
	}
	return err
}
