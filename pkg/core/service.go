package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultOracleTimeout bounds each individual oracle call made during a
// staging submission.
const DefaultOracleTimeout = 10 * time.Second

// Service orchestrates one staging submission end to end: account
// validation, digest and nonce lookup through the oracle, signature
// parsing, and the store's accept-merge-verify-commit sequence. It is the
// engine's single entry point besides read access.
type Service struct {
	oracle  ChainOracle
	store   *Store
	log     *zap.SugaredLogger
	timeout time.Duration

	// Publisher is optional; when set it is notified after every
	// successful commit.
	Publisher Publisher
}

func NewService(oracle ChainOracle, store *Store, log *zap.SugaredLogger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	return &Service{oracle: oracle, store: store, log: log, timeout: timeout}
}

// ListStaged returns the account's staged transactions sorted ascending by
// nonce. Read-only.
func (s *Service) ListStaged(acct Account) ([]StagedProposal, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	return s.store.Get(acct), nil
}

// StageSigned stages a signed proposal and returns the account's resulting
// staged set. Every failure leaves the store exactly as it was; transient
// oracle failures surface as ErrOracleUnavailable and are never retried
// here.
func (s *Service) StageSigned(ctx context.Context, acct Account, prop Proposal, rawSigs [][]byte) ([]StagedProposal, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if len(rawSigs) == 0 {
		return nil, fmt.Errorf("%w: no signatures submitted", ErrMalformedSignature)
	}
	prop.Normalize()

	digest, err := s.digestOf(ctx, acct, prop)
	if err != nil {
		return nil, err
	}
	chainNonce, err := s.currentNonce(ctx, acct)
	if err != nil {
		return nil, err
	}

	incoming, err := NewSignatureSet(digest, rawSigs)
	if err != nil {
		return nil, err
	}

	verify := func(ctx context.Context, set SignatureSet) error {
		vctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		ok, err := s.oracle.VerifyThreshold(vctx, acct, digest, set.Concat())
		if err != nil {
			return s.oracleErr("verify_threshold", acct, err)
		}
		if !ok {
			return fmt.Errorf("%w: threshold not satisfied for digest %s", ErrInvalidSignatureBundle, digest.Hex())
		}
		return nil
	}

	staged, err := s.store.Stage(ctx, acct, digest, prop, incoming, chainNonce, verify)
	if err != nil {
		s.log.Infow("stage_rejected",
			"account", acct.Key(),
			"digest", digest.Hex(),
			"nonce", prop.Nonce,
			"err", err)
		return nil, err
	}

	s.log.Infow("stage_committed",
		"account", acct.Key(),
		"digest", digest.Hex(),
		"nonce", prop.Nonce,
		"signers", len(incoming.Signers()),
		"staged", len(staged))

	if s.Publisher != nil {
		s.Publisher.PublishStaged(acct, staged)
	}
	return staged, nil
}

func (s *Service) digestOf(ctx context.Context, acct Account, prop Proposal) (common.Hash, error) {
	octx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	digest, err := s.oracle.DigestOf(octx, acct, prop)
	if err != nil {
		return common.Hash{}, s.oracleErr("digest_of", acct, err)
	}
	return digest, nil
}

func (s *Service) currentNonce(ctx context.Context, acct Account) (uint64, error) {
	octx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	nonce, err := s.oracle.CurrentNonce(octx, acct)
	if err != nil {
		return 0, s.oracleErr("current_nonce", acct, err)
	}
	return nonce, nil
}

// oracleErr passes recognized oracle failures through and downgrades
// anything unexpected to an opaque internal fault, logging the detail for
// the operator instead of leaking it to the caller.
func (s *Service) oracleErr(op string, acct Account, err error) error {
	switch {
	case errors.Is(err, ErrOracleUnavailable),
		errors.Is(err, ErrUnsupportedAccount),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, op, err)
		}
		return err
	default:
		s.log.Errorw("oracle_fault", "op", op, "account", acct.Key(), "err", err)
		return fmt.Errorf("%w: oracle %s failed", ErrInternal, op)
	}
}
