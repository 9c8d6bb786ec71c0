package utxo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/otclabs/brokerd/plugin"
)

// keyRing derives per-deal escrow keys and the operator key from the
// hot-wallet master seed. Keys stay inside this struct; only addresses
// and input signatures leave it.
type keyRing struct {
	mu       sync.Mutex
	master   *hdkeychain.ExtendedKey
	coinType uint32
	params   *chaincfg.Params
	cache    map[uint32]*btcec.PrivateKey

	operatorAddr string
}

const (
	purposeIndex     = 44
	operatorKeyIndex = 0
)

func newKeyRing(seed []byte, coinType uint32, params *chaincfg.Params) (*keyRing, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	r := &keyRing{
		master:   master,
		coinType: coinType,
		params:   params,
		cache:    make(map[uint32]*btcec.PrivateKey),
	}
	addr, err := r.addressAt(operatorKeyIndex)
	if err != nil {
		return nil, err
	}
	r.operatorAddr = addr
	return r, nil
}

// keyAt derives m/44'/coinType'/index'.
func (r *keyRing) keyAt(index uint32) (*btcec.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.cache[index]; ok {
		return k, nil
	}
	node := r.master
	for _, step := range []uint32{purposeIndex, r.coinType, index} {
		var err error
		node, err = node.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", step, err)
		}
	}
	k, err := node.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract key: %w", err)
	}
	r.cache[index] = k
	return k, nil
}

func (r *keyRing) addressAt(index uint32) (string, error) {
	k, err := r.keyAt(index)
	if err != nil {
		return "", err
	}
	pkHash := btcutil.Hash160(k.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, r.params)
	if err != nil {
		return "", fmt.Errorf("p2pkh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// escrowKeyIndex maps (dealID, party) to a deterministic hardened child
// index. Index 0 is reserved for the operator key.
func escrowKeyIndex(dealID string, party plugin.Party) uint32 {
	h := chainhash.HashB([]byte(dealID + ":" + string(party)))
	idx := binary.BigEndian.Uint32(h[:4]) & 0x7fffffff
	if idx == operatorKeyIndex {
		idx = 1
	}
	return idx
}
