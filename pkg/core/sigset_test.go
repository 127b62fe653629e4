package core

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testDigest(seed string) common.Hash {
	return crypto.Keccak256Hash([]byte(seed))
}

func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestParseSignatureRecoversSigner(t *testing.T) {
	key := genKey(t)
	digest := testDigest("parse")
	want := crypto.PubkeyToAddress(key.PublicKey)

	raw := signDigest(t, key, digest)
	sig, err := ParseSignature(digest, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sig.Signer != want {
		t.Errorf("signer = %s, want %s", sig.Signer.Hex(), want.Hex())
	}
	if !bytes.Equal(sig.Bytes, raw) {
		t.Error("stored bytes differ from submitted bytes")
	}
}

func TestParseSignatureNormalizesRecoveryByte(t *testing.T) {
	key := genKey(t)
	digest := testDigest("vnorm")
	want := crypto.PubkeyToAddress(key.PublicKey)

	raw := signDigest(t, key, digest)

	// The same signature in the Ethereum 27/28 convention and in the
	// eth_sign 31/32 convention must recover the same signer, and the
	// original encoding must be what gets stored.
	for _, shift := range []byte{27, 31} {
		enc := make([]byte, len(raw))
		copy(enc, raw)
		enc[crypto.RecoveryIDOffset] += shift

		sig, err := ParseSignature(digest, enc)
		if err != nil {
			t.Fatalf("parse with v+%d: %v", shift, err)
		}
		if sig.Signer != want {
			t.Errorf("v+%d: signer = %s, want %s", shift, sig.Signer.Hex(), want.Hex())
		}
		if !bytes.Equal(sig.Bytes, enc) {
			t.Errorf("v+%d: stored bytes were normalized, want original encoding", shift)
		}
	}
}

func TestParseSignatureMalformed(t *testing.T) {
	digest := testDigest("malformed")

	if _, err := ParseSignature(digest, make([]byte, 64)); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("short signature: err = %v, want ErrMalformedSignature", err)
	}

	garbage := bytes.Repeat([]byte{0xff}, 65)
	if _, err := ParseSignature(digest, garbage); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("garbage signature: err = %v, want ErrMalformedSignature", err)
	}
}

func TestNewSignatureSetRejectsAnyMalformed(t *testing.T) {
	key := genKey(t)
	digest := testDigest("reject")
	good := signDigest(t, key, digest)

	_, err := NewSignatureSet(digest, [][]byte{good, make([]byte, 10)})
	if !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("err = %v, want ErrMalformedSignature", err)
	}
}

func TestMergeIdempotent(t *testing.T) {
	key := genKey(t)
	digest := testDigest("idempotent")
	raw := signDigest(t, key, digest)

	set, err := NewSignatureSet(digest, [][]byte{raw})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	once, err := SignatureSet{}.Merge(set, 0)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	twice, err := once.Merge(set, 0)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}

	if twice.Len() != 1 {
		t.Errorf("len after re-merge = %d, want 1", twice.Len())
	}
	if !bytes.Equal(once.Concat(), twice.Concat()) {
		t.Error("re-merging the same signature changed the set")
	}
}

func TestMergeOrderIndependence(t *testing.T) {
	digest := testDigest("order")
	a, err := NewSignatureSet(digest, [][]byte{signDigest(t, genKey(t), digest)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSignatureSet(digest, [][]byte{signDigest(t, genKey(t), digest)})
	if err != nil {
		t.Fatal(err)
	}

	ab, err := a.Merge(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := b.Merge(a, 0)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ab.Concat(), ba.Concat()) {
		t.Error("merge result depends on submission order")
	}
}

func TestMergeCollapsesSameSignerEncodings(t *testing.T) {
	key := genKey(t)
	digest := testDigest("collapse")
	raw := signDigest(t, key, digest)

	ethSign := make([]byte, len(raw))
	copy(ethSign, raw)
	ethSign[crypto.RecoveryIDOffset] += 31

	existing, err := NewSignatureSet(digest, [][]byte{raw})
	if err != nil {
		t.Fatal(err)
	}
	incoming, err := NewSignatureSet(digest, [][]byte{ethSign})
	if err != nil {
		t.Fatal(err)
	}

	merged, err := existing.Merge(incoming, 0)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Len() != 1 {
		t.Fatalf("len = %d, want 1 (same signer, two encodings)", merged.Len())
	}
	// The already-staged encoding wins.
	if !bytes.Equal(merged.Signatures()[0].Bytes, raw) {
		t.Error("merge replaced the existing signature's encoding")
	}
}

func TestMergeEnforcesLimit(t *testing.T) {
	digest := testDigest("limit")
	raws := [][]byte{
		signDigest(t, genKey(t), digest),
		signDigest(t, genKey(t), digest),
		signDigest(t, genKey(t), digest),
	}
	set, err := NewSignatureSet(digest, raws)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := (SignatureSet{}).Merge(set, 2); !errors.Is(err, ErrTooManySignatures) {
		t.Errorf("err = %v, want ErrTooManySignatures", err)
	}
}

func TestCanonicalOrderAscendingBySigner(t *testing.T) {
	digest := testDigest("canonical")
	raws := make([][]byte, 0, 5)
	for i := 0; i < 5; i++ {
		raws = append(raws, signDigest(t, genKey(t), digest))
	}
	set, err := NewSignatureSet(digest, raws)
	if err != nil {
		t.Fatal(err)
	}

	signers := set.Signers()
	for i := 1; i < len(signers); i++ {
		if bytes.Compare(signers[i-1].Bytes(), signers[i].Bytes()) >= 0 {
			t.Fatalf("signers not in ascending order at %d: %s >= %s",
				i, signers[i-1].Hex(), signers[i].Hex())
		}
	}
}
