// Package oracle provides the production ChainOracle: a thin adapter over
// JSON-RPC eth_call against the safe contract itself. Digest computation and
// threshold verification stay the contract's business; this package only
// packs arguments and classifies failures.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/safestage/relay/pkg/core"
)

// safeABIJSON covers the three contract views the relay needs. The data
// argument of checkSignatures is only consulted for legacy contract
// signatures, so the relay always passes it empty.
const safeABIJSON = `[
	{"name":"getTransactionHash","type":"function","stateMutability":"view",
	 "inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"_nonce","type":"uint256"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"name":"nonce","type":"function","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"checkSignatures","type":"function","stateMutability":"view",
	 "inputs":[
		{"name":"dataHash","type":"bytes32"},
		{"name":"data","type":"bytes"},
		{"name":"signatures","type":"bytes"}],
	 "outputs":[]}
]`

var safeABI = mustParseABI(safeABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse safe abi: %v", err))
	}
	return parsed
}

// Client implements core.ChainOracle over a fixed set of per-chain RPC
// endpoints. Connections are dialed lazily and reused; there are no
// internal retries - transient failures surface as ErrOracleUnavailable
// and retrying is the caller's call.
type Client struct {
	endpoints map[uint64]string

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

func NewClient(endpoints map[uint64]string) *Client {
	eps := make(map[uint64]string, len(endpoints))
	for id, url := range endpoints {
		eps[id] = url
	}
	return &Client{
		endpoints: eps,
		clients:   make(map[uint64]*ethclient.Client),
	}
}

func (c *Client) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	url, ok := c.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for chain %d", core.ErrUnsupportedAccount, chainID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[chainID]; ok {
		return cl, nil
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial chain %d: %v", core.ErrOracleUnavailable, chainID, err)
	}
	c.clients[chainID] = cl
	return cl, nil
}

func (c *Client) call(ctx context.Context, acct core.Account, input []byte) ([]byte, error) {
	cl, err := c.client(ctx, acct.ChainID)
	if err != nil {
		return nil, err
	}
	out, err := cl.CallContract(ctx, ethereum.CallMsg{To: &acct.Address, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DigestOf asks the safe contract for the canonical transaction hash of
// prop at its asserted nonce.
func (c *Client) DigestOf(ctx context.Context, acct core.Account, prop core.Proposal) (common.Hash, error) {
	prop.Normalize()
	input, err := safeABI.Pack("getTransactionHash",
		prop.To, prop.Value, prop.Data, prop.Operation,
		prop.SafeTxGas, prop.BaseGas, prop.GasPrice,
		prop.GasToken, prop.RefundReceiver, new(big.Int).SetUint64(prop.Nonce))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack getTransactionHash: %w", err)
	}

	out, err := c.call(ctx, acct, input)
	if err != nil {
		return common.Hash{}, c.transportErr("getTransactionHash", err)
	}

	res, err := safeABI.Unpack("getTransactionHash", out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("unpack getTransactionHash: %w", err)
	}
	raw, ok := res[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("getTransactionHash returned %T, want bytes32", res[0])
	}
	return common.Hash(raw), nil
}

// CurrentNonce returns the safe's confirmed on-chain nonce.
func (c *Client) CurrentNonce(ctx context.Context, acct core.Account) (uint64, error) {
	input, err := safeABI.Pack("nonce")
	if err != nil {
		return 0, fmt.Errorf("pack nonce: %w", err)
	}

	out, err := c.call(ctx, acct, input)
	if err != nil {
		return 0, c.transportErr("nonce", err)
	}

	res, err := safeABI.Unpack("nonce", out)
	if err != nil {
		return 0, fmt.Errorf("unpack nonce: %w", err)
	}
	nonce, ok := res[0].(*big.Int)
	if !ok || !nonce.IsUint64() {
		return 0, fmt.Errorf("nonce returned %v, want uint64-range uint256", res[0])
	}
	return nonce.Uint64(), nil
}

// VerifyThreshold runs the contract's checkSignatures over the bundle. The
// call reverts when the threshold is not met, which maps to (false, nil);
// only transport-level failures are errors.
func (c *Client) VerifyThreshold(ctx context.Context, acct core.Account, digest common.Hash, bundle []byte) (bool, error) {
	input, err := safeABI.Pack("checkSignatures", [32]byte(digest), []byte{}, bundle)
	if err != nil {
		return false, fmt.Errorf("pack checkSignatures: %w", err)
	}

	if _, err := c.call(ctx, acct, input); err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, c.transportErr("checkSignatures", err)
	}
	return true, nil
}

func (c *Client) transportErr(method string, err error) error {
	if errors.Is(err, core.ErrUnsupportedAccount) || errors.Is(err, core.ErrOracleUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", core.ErrOracleUnavailable, method, err)
}

// isRevert reports whether an eth_call failure is a contract revert rather
// than a transport problem. Geth and most providers include the phrase in
// the RPC error message; there is no portable structured code for it.
func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode")
}
