package utxo

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/store"
)

// TraceVesting walks the ancestry of txid's first input back to a
// coinbase transaction and classifies the coins as vested when that
// coinbase was mined at or below the configured vested height. Permanent
// outcomes (vested, unvested, exhausted trace) are persisted; node
// hiccups stay memory-only so the next collection cycle retries.
func (p *Plugin) TraceVesting(ctx context.Context, txid string) (plugin.VestingStatus, error) {
	if !p.cfg.TraceVesting {
		return plugin.VestingVested, nil
	}
	if status, ok := p.vestCache.Get(txid); ok {
		return status, nil
	}
	if p.st != nil {
		if e, err := p.st.GetVesting(txid); err == nil && isPermanentVesting(e.Status) {
			p.vestCache.Add(txid, e.Status)
			return e.Status, nil
		}
	}

	status, entry, err := p.walkAncestry(ctx, txid)
	if err != nil && !errors.Is(err, plugin.ErrPermanentTrace) {
		return status, err
	}
	p.vestCache.Add(txid, status)
	if p.st != nil && isPermanentVesting(status) {
		if perr := p.st.PutVesting(entry); perr != nil {
			log.Warn("persist vesting classification failed", "chain", p.cfg.Name, "tx", txid, "err", perr)
		}
	}
	return status, err
}

func isPermanentVesting(s plugin.VestingStatus) bool {
	return s == plugin.VestingVested || s == plugin.VestingUnvested || s == plugin.VestingTracedFailed
}

func (p *Plugin) walkAncestry(ctx context.Context, txid string) (plugin.VestingStatus, *store.VestingCacheEntry, error) {
	entry := &store.VestingCacheEntry{TxID: txid}
	current := txid
	for depth := 0; depth < p.cfg.TraceDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return plugin.VestingPending, nil, err
		}
		hash, err := chainhash.NewHashFromStr(current)
		if err != nil {
			return plugin.VestingUnknown, nil, pkgerrors.Wrapf(err, "parse ancestor %s of %s", current, txid)
		}
		raw, err := p.client.GetRawTransactionVerbose(hash)
		if err != nil {
			if isNotFoundRPC(err) {
				// An unknown ancestor will never resolve; record it.
				entry.Status = plugin.VestingTracedFailed
				entry.ErrorMessage = fmt.Sprintf("ancestor %s not known to node", current)
				return plugin.VestingTracedFailed, entry, nil
			}
			return plugin.VestingPending, nil, pkgerrors.Wrapf(err, "trace %s at depth %d", txid, depth)
		}
		if len(raw.Vin) == 0 {
			entry.Status = plugin.VestingTracedFailed
			entry.ErrorMessage = fmt.Sprintf("ancestor %s has no inputs", current)
			return plugin.VestingTracedFailed, entry, nil
		}
		if depth == 0 {
			entry.ParentTxID = raw.Vin[0].Txid
		}

		if raw.Vin[0].IsCoinBase() {
			height, err := p.coinbaseHeight(raw.BlockHash)
			if err != nil {
				return plugin.VestingPending, nil, err
			}
			entry.IsCoinbase = current == txid
			entry.CoinbaseBlock = height
			status := plugin.VestingUnvested
			if height <= p.cfg.VestedHeight {
				status = plugin.VestingVested
			}
			entry.Status = status
			log.Debug("vesting trace complete", "chain", p.cfg.Name, "tx", txid,
				"coinbase", current, "height", height, "depth", depth, "status", status)
			return status, entry, nil
		}
		current = raw.Vin[0].Txid
	}

	entry.Status = plugin.VestingTracedFailed
	entry.ErrorMessage = fmt.Sprintf("no coinbase within %d ancestors", p.cfg.TraceDepth)
	return plugin.VestingTracedFailed, entry, errors.Join(plugin.ErrPermanentTrace,
		fmt.Errorf("trace %s exhausted depth %d", txid, p.cfg.TraceDepth))
}

func (p *Plugin) coinbaseHeight(blockHash string) (uint64, error) {
	if blockHash == "" {
		// Coinbase still unconfirmed cannot happen on real chains, but a
		// reorg race can leave the field empty for one poll.
		return 0, pkgerrors.New("coinbase transaction has no block hash yet")
	}
	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "parse block hash %s", blockHash)
	}
	block, err := p.client.GetBlockVerbose(hash)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "block %s", blockHash)
	}
	return uint64(block.Height), nil
}
