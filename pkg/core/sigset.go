package core

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultMaxSignatures caps the number of distinct signers per proposal.
const DefaultMaxSignatures = 100

// Signature is one signer's approval of a digest: the original 65-byte
// [R || S || V] blob plus the address recovered from it. The original bytes
// are what gets stored and later handed to the contract for verification;
// recovery only normalizes a copy.
type Signature struct {
	Signer common.Address
	Bytes  []byte
}

// ParseSignature recovers the signer of raw against digest.
//
// The trailing recovery byte is normalized before recovery: wallets that
// route through eth_sign emit v in {31, 32} (27/28 shifted by 4), so a
// trailing byte above 30 has 4 subtracted, and the Ethereum 27/28
// convention is reduced to the raw recovery id secp256k1 expects. The
// stored signature keeps its original encoding.
func ParseSignature(digest common.Hash, raw []byte) (Signature, error) {
	if len(raw) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedSignature, len(raw), crypto.SignatureLength)
	}

	v := raw[crypto.RecoveryIDOffset]
	if v > 30 {
		v -= 4
	}
	if v >= 27 {
		v -= 27
	}

	norm := make([]byte, crypto.SignatureLength)
	copy(norm, raw)
	norm[crypto.RecoveryIDOffset] = v

	pub, err := crypto.Ecrecover(digest.Bytes(), norm)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: recover: %v", ErrMalformedSignature, err)
	}
	pubkey, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: pubkey: %v", ErrMalformedSignature, err)
	}

	stored := make([]byte, crypto.SignatureLength)
	copy(stored, raw)
	return Signature{Signer: crypto.PubkeyToAddress(*pubkey), Bytes: stored}, nil
}

// SignatureSet is an ordered, deduplicated set of signatures for one
// digest. Invariants: no two members recover to the same signer, and
// members are in canonical order - ascending by signer address, which for
// lower-cased hex comparison is the same as byte order. Canonical order is
// independent of submission order so concurrent signers converge to the
// same set.
type SignatureSet struct {
	sigs []Signature
}

// NewSignatureSet parses each raw signature against digest and returns the
// canonical set. A signature that fails recovery rejects the whole call
// with ErrMalformedSignature rather than being silently dropped.
func NewSignatureSet(digest common.Hash, raws [][]byte) (SignatureSet, error) {
	parsed := make([]Signature, 0, len(raws))
	for _, raw := range raws {
		sig, err := ParseSignature(digest, raw)
		if err != nil {
			return SignatureSet{}, err
		}
		parsed = append(parsed, sig)
	}
	return canonicalize(parsed), nil
}

// Merge returns the union of s and incoming by recovered signer. When both
// sets carry a signature from the same signer the existing one wins, so
// re-submitting is a no-op. The result exceeding limit fails with
// ErrTooManySignatures and must not be committed.
func (s SignatureSet) Merge(incoming SignatureSet, limit int) (SignatureSet, error) {
	if limit <= 0 {
		limit = DefaultMaxSignatures
	}

	union := make([]Signature, 0, len(s.sigs)+len(incoming.sigs))
	union = append(union, s.sigs...)
	seen := make(map[common.Address]struct{}, len(s.sigs))
	for _, sig := range s.sigs {
		seen[sig.Signer] = struct{}{}
	}
	for _, sig := range incoming.sigs {
		if _, ok := seen[sig.Signer]; ok {
			continue
		}
		seen[sig.Signer] = struct{}{}
		union = append(union, sig)
	}

	if len(union) > limit {
		return SignatureSet{}, fmt.Errorf("%w: %d signers, limit %d", ErrTooManySignatures, len(union), limit)
	}
	return canonicalize(union), nil
}

// canonicalize dedups by signer (first occurrence wins) and sorts by
// signer address. Recovery already happened; sorting is pure.
func canonicalize(sigs []Signature) SignatureSet {
	seen := make(map[common.Address]struct{}, len(sigs))
	out := make([]Signature, 0, len(sigs))
	for _, sig := range sigs {
		if _, ok := seen[sig.Signer]; ok {
			continue
		}
		seen[sig.Signer] = struct{}{}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Signer.Bytes(), out[j].Signer.Bytes()) < 0
	})
	return SignatureSet{sigs: out}
}

func (s SignatureSet) Len() int { return len(s.sigs) }

// Signatures returns the members in canonical order. The slice is a copy;
// the set stays immutable from the caller's perspective.
func (s SignatureSet) Signatures() []Signature {
	out := make([]Signature, len(s.sigs))
	copy(out, s.sigs)
	return out
}

// Signers returns the recovered addresses in canonical order.
func (s SignatureSet) Signers() []common.Address {
	out := make([]common.Address, len(s.sigs))
	for i, sig := range s.sigs {
		out[i] = sig.Signer
	}
	return out
}

// Concat returns the signatures concatenated in canonical order. Safe-style
// contracts require checkSignatures input sorted ascending by signer, which
// is exactly the canonical order.
func (s SignatureSet) Concat() []byte {
	out := make([]byte, 0, len(s.sigs)*crypto.SignatureLength)
	for _, sig := range s.sigs {
		out = append(out, sig.Bytes...)
	}
	return out
}
