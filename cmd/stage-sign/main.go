// stage-sign is a developer utility: it fetches a safe transaction's digest
// from the chain, signs it with a local key, and prints the JSON body ready
// to POST to the relay. Useful for exercising a relay without wallet
// tooling.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/safestage/relay/pkg/api"
	"github.com/safestage/relay/pkg/core"
	"github.com/safestage/relay/pkg/oracle"
)

func main() {
	var (
		rpcURL   = flag.String("rpc", "", "JSON-RPC endpoint for the safe's chain")
		chainID  = flag.Uint64("chain", 1, "chain id")
		safeAddr = flag.String("safe", "", "safe contract address")
		keyHex   = flag.String("key", "", "signer private key hex (or SIGNER_KEY env)")
		to       = flag.String("to", "", "destination address")
		value    = flag.String("value", "0", "value in wei")
		data     = flag.String("data", "", "0x-hex call payload")
		nonce    = flag.Uint64("nonce", 0, "safe nonce for this transaction")
	)
	flag.Parse()

	if *keyHex == "" {
		*keyHex = os.Getenv("SIGNER_KEY")
	}
	if *rpcURL == "" || *safeAddr == "" || *to == "" || *keyHex == "" {
		fmt.Fprintln(os.Stderr, "usage: stage-sign -rpc URL -chain ID -safe 0x.. -to 0x.. -nonce N [-value WEI] [-data 0x..] -key HEX")
		os.Exit(2)
	}
	if !common.IsHexAddress(*safeAddr) || !common.IsHexAddress(*to) {
		fmt.Fprintln(os.Stderr, "error: malformed address")
		os.Exit(2)
	}

	key, err := crypto.HexToECDSA(*keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse key: %v\n", err)
		os.Exit(1)
	}

	req := api.StageRequest{
		To:    *to,
		Value: *value,
		Data:  *data,
		Nonce: *nonce,
	}
	prop, err := req.Proposal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	acct := core.Account{ChainID: *chainID, Address: common.HexToAddress(*safeAddr)}
	client := oracle.NewClient(map[uint64]string{*chainID: *rpcURL})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	digest, err := client.DigestOf(ctx, acct, prop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: fetch digest: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Safe:   %s (chain %d)\n", acct.Address.Hex(), acct.ChainID)
	fmt.Printf("Digest: %s\n", digest.Hex())

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: sign: %v\n", err)
		os.Exit(1)
	}
	// Shift the recovery id to the 27/28 convention most verifiers expect.
	sig[crypto.RecoveryIDOffset] += 27

	fmt.Printf("Signer: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Printf("Signature: %s\n\n", hexutil.Encode(sig))

	req.Signatures = []string{hexutil.Encode(sig)}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: marshal: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("To stage this transaction:")
	fmt.Printf("  POST /api/v1/chains/%d/safes/%s/transactions\n", acct.ChainID, acct.Address.Hex())
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(body))
}
