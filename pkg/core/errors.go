package core

import "errors"

// Failure taxonomy for a staging submission. Every error returned by the
// engine wraps exactly one of these sentinels so callers can match with
// errors.Is and map to their own retry guidance. All of them are terminal
// for the submission that produced them; none are retried internally, and
// none leave a partial commit behind.
var (
	// ErrInvalidAccount means the (chainId, address) pair failed validation
	// before any oracle call was made.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrOracleUnavailable is transient: the chain oracle could not be
	// reached or timed out. The caller may retry the same submission.
	ErrOracleUnavailable = errors.New("chain oracle unavailable")

	// ErrUnsupportedAccount means no RPC endpoint is configured for the
	// account's chain id.
	ErrUnsupportedAccount = errors.New("unsupported account")

	// ErrNonceTooLow rejects a proposal whose nonce is already superseded
	// on chain; it could never execute next.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrNonceGap rejects a proposal whose nonce would leave a hole in the
	// staged chain: nonce > current on-chain nonce with no staged proposal
	// at nonce-1.
	ErrNonceGap = errors.New("nonce gap")

	// ErrTooManyStaged rejects a new digest that would exceed the per-safe
	// capacity of simultaneously staged proposals.
	ErrTooManyStaged = errors.New("too many staged proposals")

	// ErrTooManySignatures rejects a merge whose result would exceed the
	// per-proposal signature cap. The merge is not committed.
	ErrTooManySignatures = errors.New("too many signatures")

	// ErrMalformedSignature rejects a signature whose signer cannot be
	// recovered (wrong length, undecodable). Checked before merge.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrInvalidSignatureBundle means the merged set does not satisfy the
	// safe's on-chain threshold. Staged state is left untouched.
	ErrInvalidSignatureBundle = errors.New("invalid signature bundle")

	// ErrInternal covers unexpected faults (oracle misbehavior, invariant
	// violations). Reported opaquely; details go to the log only.
	ErrInternal = errors.New("internal error")
)
