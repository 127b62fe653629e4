package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v2"
)

// DefaultMaxStaged caps the number of simultaneously staged proposals per
// account namespace.
const DefaultMaxStaged = 100

// VerifyFunc checks a merged signature set against the account's on-chain
// threshold. It returns nil when the threshold is satisfied, and wraps
// ErrInvalidSignatureBundle or ErrOracleUnavailable otherwise. It runs
// inside the namespace critical section, so submissions for the same
// account serialize through it.
type VerifyFunc func(ctx context.Context, set SignatureSet) error

// Store owns every staged proposal in the process. Namespaces live in a
// concurrent map so accounts never contend with each other; within one
// namespace an RWMutex serializes the lookup-merge-verify-commit sequence
// against concurrent submissions, closing the lost-update race between two
// signers of the same transaction.
//
// The store is purely in-memory and process-lifetime-scoped. There is no
// persistence: staged state is a best-effort cache of signer intent, not a
// durable ledger.
type Store struct {
	namespaces *xsync.MapOf[string, *namespace]
	maxStaged  int
	maxSigs    int
}

type namespace struct {
	mu        sync.RWMutex
	proposals map[common.Hash]*StagedProposal
}

func NewStore(maxStaged, maxSigs int) *Store {
	if maxStaged <= 0 {
		maxStaged = DefaultMaxStaged
	}
	if maxSigs <= 0 {
		maxSigs = DefaultMaxSignatures
	}
	return &Store{
		namespaces: xsync.NewMapOf[*namespace](),
		maxStaged:  maxStaged,
		maxSigs:    maxSigs,
	}
}

func (s *Store) ns(acct Account) *namespace {
	n, _ := s.namespaces.LoadOrCompute(acct.Key(), func() *namespace {
		return &namespace{proposals: make(map[common.Hash]*StagedProposal)}
	})
	return n
}

// Get returns the account's live proposals sorted ascending by nonce.
// Pure read; the returned slice and its entries are snapshots.
func (s *Store) Get(acct Account) []StagedProposal {
	n, ok := s.namespaces.Load(acct.Key())
	if !ok {
		return []StagedProposal{}
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snapshotLocked()
}

// Len reports the total number of staged proposals across all namespaces,
// for metrics.
func (s *Store) Len() int {
	total := 0
	s.namespaces.Range(func(_ string, n *namespace) bool {
		n.mu.RLock()
		total += len(n.proposals)
		n.mu.RUnlock()
		return true
	})
	return total
}

// Stage is the sole mutating operation. Under the namespace lock it:
//
//  1. looks up an existing staged proposal for digest;
//  2. for a new digest, enforces the nonce policy against chainNonce (no
//     proposal below the on-chain nonce, no gap without nonce-1 staged)
//     and the capacity cap;
//  3. merges incoming into the existing signature set (idempotent);
//  4. verifies the merged set via verify - any failure leaves the
//     namespace exactly as it was;
//  5. commits and garbage-collects against the same chainNonce snapshot;
//  6. returns the namespace's live proposals sorted by nonce.
//
// Garbage collection removes entries whose nonce fell below chainNonce
// (already superseded on chain) and entries other than the just-written
// one whose payload is structurally equal to it. The just-written entry is
// never collected, even when its nonce equals chainNonce.
func (s *Store) Stage(ctx context.Context, acct Account, digest common.Hash, prop Proposal, incoming SignatureSet, chainNonce uint64, verify VerifyFunc) ([]StagedProposal, error) {
	prop.Normalize()

	n := s.ns(acct)
	n.mu.Lock()
	defer n.mu.Unlock()

	existing := n.proposals[digest]
	if existing == nil {
		if prop.Nonce < chainNonce {
			return nil, fmt.Errorf("%w: proposal nonce %d, chain nonce %d", ErrNonceTooLow, prop.Nonce, chainNonce)
		}
		// The staged set must form an unbroken chain from the on-chain
		// nonce: staging N requires N-1 already staged. Only one link back
		// is checked.
		if prop.Nonce > chainNonce && !n.hasNonceLocked(prop.Nonce-1) {
			return nil, fmt.Errorf("%w: proposal nonce %d with nothing staged at %d", ErrNonceGap, prop.Nonce, prop.Nonce-1)
		}
		if len(n.proposals) >= s.maxStaged {
			return nil, fmt.Errorf("%w: %d staged, limit %d", ErrTooManyStaged, len(n.proposals), s.maxStaged)
		}
	}

	var base SignatureSet
	if existing != nil {
		base = existing.Signatures
	}
	merged, err := base.Merge(incoming, s.maxSigs)
	if err != nil {
		return nil, err
	}

	// Validation runs against the merged set: a submission that looks fine
	// alone but spoils the combined bundle is rejected whole. Nothing has
	// been written yet.
	if err := verify(ctx, merged); err != nil {
		return nil, err
	}

	n.proposals[digest] = &StagedProposal{Digest: digest, Proposal: prop, Signatures: merged}

	key := prop.PayloadKey()
	for d, sp := range n.proposals {
		if d == digest {
			continue
		}
		if sp.Proposal.Nonce < chainNonce || sp.Proposal.PayloadKey() == key {
			delete(n.proposals, d)
		}
	}

	return n.snapshotLocked(), nil
}

func (n *namespace) hasNonceLocked(nonce uint64) bool {
	for _, sp := range n.proposals {
		if sp.Proposal.Nonce == nonce {
			return true
		}
	}
	return false
}

func (n *namespace) snapshotLocked() []StagedProposal {
	out := make([]StagedProposal, 0, len(n.proposals))
	for _, sp := range n.proposals {
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proposal.Nonce < out[j].Proposal.Nonce })
	return out
}
