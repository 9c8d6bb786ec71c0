package evm

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/otclabs/brokerd/plugin"
)

// keyRing derives per-deal escrow keys and the operator key from the
// hot-wallet master seed. Keys never leave this struct and are never
// serialized; callers only see addresses and signatures.
type keyRing struct {
	mu     sync.Mutex
	master *hdkeychain.ExtendedKey
	cache  map[uint32]*ecdsa.PrivateKey

	operator     *ecdsa.PrivateKey
	operatorAddr common.Address
}

const (
	// BIP-44 purpose/coin for the escrow subtree. The account level is
	// repurposed as the per-deal index.
	purposeIndex = 44
	coinIndexEth = 60

	// Operator key lives at a fixed index outside the deal index space.
	operatorKeyIndex = 0
)

func newKeyRing(seed []byte) (*keyRing, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	r := &keyRing{master: master, cache: make(map[uint32]*ecdsa.PrivateKey)}
	op, err := r.keyAt(operatorKeyIndex)
	if err != nil {
		return nil, err
	}
	r.operator = op
	r.operatorAddr = crypto.PubkeyToAddress(op.PublicKey)
	return r, nil
}

// keyAt derives m/44'/60'/index' and returns its secp256k1 key.
func (r *keyRing) keyAt(index uint32) (*ecdsa.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.cache[index]; ok {
		return k, nil
	}
	node := r.master
	for _, step := range []uint32{purposeIndex, coinIndexEth, index} {
		var err error
		node, err = node.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", step, err)
		}
	}
	ec, err := node.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract key: %w", err)
	}
	k := ec.ToECDSA()
	r.cache[index] = k
	return k, nil
}

func (r *keyRing) addressAt(index uint32) (common.Address, error) {
	k, err := r.keyAt(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(k.PublicKey), nil
}

// escrowKeyIndex maps (dealID, party) to a deterministic hardened child
// index. Index 0 is reserved for the operator key.
func escrowKeyIndex(dealID string, party plugin.Party) uint32 {
	h := crypto.Keccak256([]byte(dealID), []byte{':'}, []byte(party))
	idx := binary.BigEndian.Uint32(h[:4]) & 0x7fffffff
	if idx == operatorKeyIndex {
		idx = 1
	}
	return idx
}

// onchainDealID is the bytes32 deal handle the broker contract keys its
// execution records by: keccak256(escrowAddress || chainID).
func onchainDealID(escrow common.Address, chainID uint64) [32]byte {
	var cid [8]byte
	binary.BigEndian.PutUint64(cid[:], chainID)
	var out [32]byte
	copy(out[:], crypto.Keccak256(escrow.Bytes(), cid[:]))
	return out
}

// signBrokerCall produces the EIP-191 operator signature the broker
// contract verifies before releasing escrowed funds. The digest commits
// to the contract address, the deal handle, every transfer leg, and the
// sender so a signature cannot be replayed against another deal.
func (r *keyRing) signBrokerCall(contract common.Address, dealID [32]byte, payback, recipient, feeRecipient common.Address, amount, fees []byte, sender common.Address) ([]byte, error) {
	packed := crypto.Keccak256(
		contract.Bytes(),
		dealID[:],
		payback.Bytes(),
		recipient.Bytes(),
		feeRecipient.Bytes(),
		common.LeftPadBytes(amount, 32),
		common.LeftPadBytes(fees, 32),
		sender.Bytes(),
	)
	sig, err := crypto.Sign(accounts.TextHash(packed), r.operator)
	if err != nil {
		return nil, fmt.Errorf("operator sign: %w", err)
	}
	// Solidity ecrecover expects v in {27, 28}.
	sig[64] += 27
	return sig, nil
}
