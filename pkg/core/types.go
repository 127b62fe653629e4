package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Account identifies one multisig contract instance: a chain id plus the
// contract address on that chain.
type Account struct {
	ChainID uint64
	Address common.Address
}

// Validate re-checks what the transport layer should already have checked:
// a positive chain id and a non-zero contract address.
func (a Account) Validate() error {
	if a.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidAccount)
	}
	if a.Address == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	return nil
}

// Key is the namespace key for the proposal store: "chainId:0xloweraddr".
func (a Account) Key() string {
	return fmt.Sprintf("%d:%s", a.ChainID, strings.ToLower(a.Address.Hex()))
}

func (a Account) String() string { return a.Key() }

// Proposal describes a candidate safe transaction. Identity is derived, not
// stored: two proposals are the same logical transaction iff the oracle
// digest of their fields matches.
type Proposal struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8 // 0 = call, 1 = delegatecall
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// Normalize replaces nil big.Int fields with zero so digesting and encoding
// never have to branch on nil.
func (p *Proposal) Normalize() {
	if p.Value == nil {
		p.Value = new(big.Int)
	}
	if p.SafeTxGas == nil {
		p.SafeTxGas = new(big.Int)
	}
	if p.BaseGas == nil {
		p.BaseGas = new(big.Int)
	}
	if p.GasPrice == nil {
		p.GasPrice = new(big.Int)
	}
}

// PayloadKey is the structural identity of the proposal: keccak256 over a
// length-prefixed encoding of every field. Garbage collection uses it to
// spot the same payload staged twice under diverging digest computations,
// without an ad hoc deep-equality pass.
func (p *Proposal) PayloadKey() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(p.To.Bytes())
	writeBig(h, p.Value)
	writeBytes(h, p.Data)
	h.Write([]byte{p.Operation})
	writeBig(h, p.SafeTxGas)
	writeBig(h, p.BaseGas)
	writeBig(h, p.GasPrice)
	h.Write(p.GasToken.Bytes())
	h.Write(p.RefundReceiver.Bytes())
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], p.Nonce)
	h.Write(nonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeBig(h hash.Hash, v *big.Int) {
	if v == nil {
		writeBytes(h, nil)
		return
	}
	writeBytes(h, v.Bytes())
}

func writeBytes(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// StagedProposal is one proposal plus the signatures collected for it so
// far, keyed by its oracle digest within the account's namespace.
type StagedProposal struct {
	Digest     common.Hash
	Proposal   Proposal
	Signatures SignatureSet
}

// ChainOracle is the engine's only window onto the chain. All three calls
// are network-bound and must be ctx-bounded by the caller; transport
// failures surface as ErrOracleUnavailable.
type ChainOracle interface {
	// DigestOf returns the canonical digest the safe contract computes for
	// this proposal. Deterministic in (account, proposal).
	DigestOf(ctx context.Context, acct Account, prop Proposal) (common.Hash, error)

	// CurrentNonce returns the account's confirmed on-chain nonce.
	CurrentNonce(ctx context.Context, acct Account) (uint64, error)

	// VerifyThreshold reports whether the concatenated signature bundle
	// satisfies the account's on-chain signing threshold for digest.
	VerifyThreshold(ctx context.Context, acct Account, digest common.Hash, bundle []byte) (bool, error)
}

// Publisher receives a notification after every successful commit so
// co-signers can watch a safe fill up to threshold. Implementations must
// not block; the engine calls this inline on the staging path.
type Publisher interface {
	PublishStaged(acct Account, staged []StagedProposal)
}
