package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var verifyOK = func(ctx context.Context, set SignatureSet) error { return nil }

func testAccount() Account {
	return Account{ChainID: 1, Address: common.HexToAddress("0x5afE5afe5Afe5AFe5aFE5afe5aFE5Afe5AFE5afE")}
}

func testProposal(nonce uint64) Proposal {
	return Proposal{
		To:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value: big.NewInt(int64(nonce) * 100),
		Nonce: nonce,
	}
}

// stageOne signs the digest with a fresh key and stages the proposal.
func stageOne(t *testing.T, s *Store, acct Account, digest common.Hash, prop Proposal, chainNonce uint64) ([]StagedProposal, error) {
	t.Helper()
	set, err := NewSignatureSet(digest, [][]byte{signDigest(t, genKey(t), digest)})
	if err != nil {
		t.Fatalf("build signature set: %v", err)
	}
	return s.Stage(context.Background(), acct, digest, prop, set, chainNonce, verifyOK)
}

func noncesOf(staged []StagedProposal) []uint64 {
	out := make([]uint64, len(staged))
	for i, sp := range staged {
		out[i] = sp.Proposal.Nonce
	}
	return out
}

func TestStageNonceChainScenario(t *testing.T) {
	s := NewStore(0, 0)
	acct := testAccount()
	const chainNonce = 5

	// nonce 5 = current on-chain nonce: accepted.
	staged, err := stageOne(t, s, acct, testDigest("n5"), testProposal(5), chainNonce)
	if err != nil {
		t.Fatalf("stage nonce 5: %v", err)
	}
	if got := noncesOf(staged); len(got) != 1 || got[0] != 5 {
		t.Fatalf("staged nonces = %v, want [5]", got)
	}

	// nonce 7 with nothing at 6: gap.
	if _, err := stageOne(t, s, acct, testDigest("n7"), testProposal(7), chainNonce); !errors.Is(err, ErrNonceGap) {
		t.Fatalf("stage nonce 7: err = %v, want ErrNonceGap", err)
	}

	// nonce 6 chains onto 5: accepted.
	if _, err := stageOne(t, s, acct, testDigest("n6"), testProposal(6), chainNonce); err != nil {
		t.Fatalf("stage nonce 6: %v", err)
	}

	// nonce 7 now chains onto 6: accepted.
	staged, err = stageOne(t, s, acct, testDigest("n7"), testProposal(7), chainNonce)
	if err != nil {
		t.Fatalf("stage nonce 7 retry: %v", err)
	}
	if got := noncesOf(staged); len(got) != 3 || got[0] != 5 || got[1] != 6 || got[2] != 7 {
		t.Fatalf("staged nonces = %v, want [5 6 7]", got)
	}
}

func TestStageNonceTooLow(t *testing.T) {
	s := NewStore(0, 0)
	_, err := stageOne(t, s, testAccount(), testDigest("low"), testProposal(4), 5)
	if !errors.Is(err, ErrNonceTooLow) {
		t.Fatalf("err = %v, want ErrNonceTooLow", err)
	}
}

func TestGarbageCollectionOnNonceAdvance(t *testing.T) {
	s := NewStore(0, 0)
	acct := testAccount()

	if _, err := stageOne(t, s, acct, testDigest("gc5"), testProposal(5), 5); err != nil {
		t.Fatalf("stage nonce 5: %v", err)
	}

	// The chain executed nonce 5; the next commit observes nonce 6 and
	// collects the stale entry even though nothing targeted it.
	staged, err := stageOne(t, s, acct, testDigest("gc6"), testProposal(6), 6)
	if err != nil {
		t.Fatalf("stage nonce 6: %v", err)
	}
	if got := noncesOf(staged); len(got) != 1 || got[0] != 6 {
		t.Fatalf("staged nonces = %v, want [6]", got)
	}
	if got := noncesOf(s.Get(acct)); len(got) != 1 || got[0] != 6 {
		t.Fatalf("Get nonces = %v, want [6]", got)
	}
}

func TestGarbageCollectionDuplicatePayload(t *testing.T) {
	s := NewStore(0, 0)
	acct := testAccount()
	prop := testProposal(5)

	// Same payload staged under two diverging digests: the second commit
	// collects the first.
	if _, err := stageOne(t, s, acct, testDigest("dupA"), prop, 5); err != nil {
		t.Fatalf("stage first: %v", err)
	}
	staged, err := stageOne(t, s, acct, testDigest("dupB"), prop, 5)
	if err != nil {
		t.Fatalf("stage duplicate: %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("staged = %d entries, want 1 (duplicate payload collected)", len(staged))
	}
	if staged[0].Digest != testDigest("dupB") {
		t.Errorf("survivor digest = %s, want the just-written entry", staged[0].Digest.Hex())
	}
}

func TestCapacityLimit(t *testing.T) {
	s := NewStore(2, 0)
	acct := testAccount()

	if _, err := stageOne(t, s, acct, testDigest("cap5"), testProposal(5), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := stageOne(t, s, acct, testDigest("cap6"), testProposal(6), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := stageOne(t, s, acct, testDigest("cap7"), testProposal(7), 5); !errors.Is(err, ErrTooManyStaged) {
		t.Fatalf("err = %v, want ErrTooManyStaged", err)
	}
	// A rejected submission must not have mutated the namespace.
	if got := len(s.Get(acct)); got != 2 {
		t.Errorf("staged after rejection = %d, want 2", got)
	}
}

func TestVerifyFailureLeavesStateUntouched(t *testing.T) {
	s := NewStore(0, 0)
	acct := testAccount()
	digest := testDigest("atomic")
	prop := testProposal(5)

	before, err := stageOne(t, s, acct, digest, prop, 5)
	if err != nil {
		t.Fatalf("initial stage: %v", err)
	}

	// Second signer arrives but the merged bundle fails verification.
	set, err := NewSignatureSet(digest, [][]byte{signDigest(t, genKey(t), digest)})
	if err != nil {
		t.Fatal(err)
	}
	reject := func(ctx context.Context, merged SignatureSet) error {
		return fmt.Errorf("%w: oracle said no", ErrInvalidSignatureBundle)
	}
	if _, err := s.Stage(context.Background(), acct, digest, prop, set, 5, reject); !errors.Is(err, ErrInvalidSignatureBundle) {
		t.Fatalf("err = %v, want ErrInvalidSignatureBundle", err)
	}

	after := s.Get(acct)
	if len(after) != len(before) {
		t.Fatalf("staged count changed: %d -> %d", len(before), len(after))
	}
	if after[0].Signatures.Len() != before[0].Signatures.Len() {
		t.Errorf("signature set changed on failed validation: %d -> %d",
			before[0].Signatures.Len(), after[0].Signatures.Len())
	}
}

func TestConcurrentDisjointSignersConverge(t *testing.T) {
	s := NewStore(0, 0)
	acct := testAccount()
	digest := testDigest("concurrent")
	prop := testProposal(5)

	sets := make([]SignatureSet, 2)
	for i := range sets {
		set, err := NewSignatureSet(digest, [][]byte{signDigest(t, genKey(t), digest)})
		if err != nil {
			t.Fatal(err)
		}
		sets[i] = set
	}

	var wg sync.WaitGroup
	for _, set := range sets {
		wg.Add(1)
		go func(set SignatureSet) {
			defer wg.Done()
			if _, err := s.Stage(context.Background(), acct, digest, prop, set, 5, verifyOK); err != nil {
				t.Errorf("concurrent stage: %v", err)
			}
		}(set)
	}
	wg.Wait()

	staged := s.Get(acct)
	if len(staged) != 1 {
		t.Fatalf("staged = %d entries, want 1", len(staged))
	}
	if got := staged[0].Signatures.Len(); got != 2 {
		t.Fatalf("signatures = %d, want union of both signers", got)
	}
}

func TestGetUnknownAccountEmpty(t *testing.T) {
	s := NewStore(0, 0)
	if got := s.Get(testAccount()); len(got) != 0 {
		t.Errorf("Get on empty store = %d entries, want 0", len(got))
	}
}
