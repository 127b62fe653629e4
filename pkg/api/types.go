package api

// Request/response types for the REST endpoints and WebSocket messages.
// Big integer fields travel as decimal strings (or 0x-hex) so JS signers
// never lose precision; byte fields travel as 0x-hex.

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/safestage/relay/pkg/core"
)

// ==============================
// REST Types
// ==============================

// StageRequest is the body of a staging submission: one safe transaction
// plus the submitting signer's signature(s).
type StageRequest struct {
	To             string   `json:"to"`
	Value          string   `json:"value"`     // wei, decimal or 0x-hex
	Data           string   `json:"data"`      // 0x-hex call payload, may be empty
	Operation      uint8    `json:"operation"` // 0 = call, 1 = delegatecall
	SafeTxGas      string   `json:"safeTxGas"`
	BaseGas        string   `json:"baseGas"`
	GasPrice       string   `json:"gasPrice"`
	GasToken       string   `json:"gasToken"`       // optional, zero address when empty
	RefundReceiver string   `json:"refundReceiver"` // optional, zero address when empty
	Nonce          uint64   `json:"nonce"`
	Signatures     []string `json:"signatures"` // 0x-hex, 65 bytes each
}

// Proposal converts the request into a core proposal, validating every
// field at the boundary so the engine never sees loosely-typed data.
func (r *StageRequest) Proposal() (core.Proposal, error) {
	to, err := parseAddress(r.To, true)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("to: %w", err)
	}
	gasToken, err := parseAddress(r.GasToken, false)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("gasToken: %w", err)
	}
	refund, err := parseAddress(r.RefundReceiver, false)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("refundReceiver: %w", err)
	}

	value, err := parseBig(r.Value)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("value: %w", err)
	}
	safeTxGas, err := parseBig(r.SafeTxGas)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("safeTxGas: %w", err)
	}
	baseGas, err := parseBig(r.BaseGas)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("baseGas: %w", err)
	}
	gasPrice, err := parseBig(r.GasPrice)
	if err != nil {
		return core.Proposal{}, fmt.Errorf("gasPrice: %w", err)
	}

	var data []byte
	if r.Data != "" && r.Data != "0x" {
		data, err = hexutil.Decode(r.Data)
		if err != nil {
			return core.Proposal{}, fmt.Errorf("data: %w", err)
		}
	}

	if r.Operation > 1 {
		return core.Proposal{}, fmt.Errorf("operation: %d not in {0, 1}", r.Operation)
	}

	return core.Proposal{
		To:             to,
		Value:          value,
		Data:           data,
		Operation:      r.Operation,
		SafeTxGas:      safeTxGas,
		BaseGas:        baseGas,
		GasPrice:       gasPrice,
		GasToken:       gasToken,
		RefundReceiver: refund,
		Nonce:          r.Nonce,
	}, nil
}

// RawSignatures decodes the hex signature list.
func (r *StageRequest) RawSignatures() ([][]byte, error) {
	out := make([][]byte, 0, len(r.Signatures))
	for i, s := range r.Signatures {
		raw, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("signatures[%d]: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func parseAddress(s string, required bool) (common.Address, error) {
	if s == "" {
		if required {
			return common.Address{}, errors.New("missing address")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("malformed integer %q", s)
	}
	return v, nil
}

// StagedTransaction is one staged proposal as returned to callers.
type StagedTransaction struct {
	Digest         string          `json:"digest"`
	To             string          `json:"to"`
	Value          string          `json:"value"`
	Data           string          `json:"data"`
	Operation      uint8           `json:"operation"`
	SafeTxGas      string          `json:"safeTxGas"`
	BaseGas        string          `json:"baseGas"`
	GasPrice       string          `json:"gasPrice"`
	GasToken       string          `json:"gasToken"`
	RefundReceiver string          `json:"refundReceiver"`
	Nonce          uint64          `json:"nonce"`
	Signatures     []SignatureInfo `json:"signatures"`
}

// SignatureInfo pairs a collected signature with its recovered signer.
type SignatureInfo struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

func toStagedTransaction(sp core.StagedProposal) StagedTransaction {
	p := sp.Proposal
	p.Normalize()
	sigs := make([]SignatureInfo, 0, sp.Signatures.Len())
	for _, sig := range sp.Signatures.Signatures() {
		sigs = append(sigs, SignatureInfo{
			Signer:    sig.Signer.Hex(),
			Signature: hexutil.Encode(sig.Bytes),
		})
	}
	return StagedTransaction{
		Digest:         sp.Digest.Hex(),
		To:             p.To.Hex(),
		Value:          p.Value.String(),
		Data:           hexutil.Encode(p.Data),
		Operation:      p.Operation,
		SafeTxGas:      p.SafeTxGas.String(),
		BaseGas:        p.BaseGas.String(),
		GasPrice:       p.GasPrice.String(),
		GasToken:       p.GasToken.Hex(),
		RefundReceiver: p.RefundReceiver.Hex(),
		Nonce:          p.Nonce,
		Signatures:     sigs,
	}
}

func toStagedTransactions(staged []core.StagedProposal) []StagedTransaction {
	out := make([]StagedTransaction, len(staged))
	for i, sp := range staged {
		out[i] = toStagedTransaction(sp)
	}
	return out
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage wraps every message pushed to WebSocket clients.
type WSMessage struct {
	Type    string      `json:"type"`    // "staging"
	Channel string      `json:"channel"` // "chainId:0xsafe"
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is the only message clients send: channel
// subscription management.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
