// Package ledger submits attestation status changes to the on-chain
// registry.
//
// The engine depends only on the Submitter interface; the registry
// implementation signs and sends EVM transactions against the attestation
// registry contract. Submissions are fire-and-forget at this layer; callers
// record the returned transaction hash for audit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies submission failures for retry decisions.
type ErrorKind string

const (
	// KindRPC covers transient transport failures; retryable.
	KindRPC ErrorKind = "rpc"
	// KindRejected means the registry rejected the transaction; not
	// retryable without operator intervention.
	KindRejected ErrorKind = "rejected"
	// KindSigner covers key material problems.
	KindSigner ErrorKind = "signer"
	// KindConfig covers endpoint or contract misconfiguration; fatal at
	// service construction.
	KindConfig ErrorKind = "config"
)

// SubmitError wraps registry submission failures with context.
type SubmitError struct {
	Op     string    // Operation that failed
	Kind   ErrorKind // Failure classification
	TxHash string    // Transaction hash if one was produced
	Err    error     // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *SubmitError) Retryable() bool { return e.Kind == KindRPC }

// ErrNotConfigured is returned by the noop submitter.
var ErrNotConfigured = errors.New("ledger: registry not configured")

// Submitter applies attestation status changes on the registry.
// Each call returns the transaction hash of the submitted change.
type Submitter interface {
	// Flag marks the attestation for review with the current risk score.
	Flag(ctx context.Context, attestationKey string, riskScore float64, reason string) (string, error)
	// Suspend disables the attestation until the given time.
	Suspend(ctx context.Context, attestationKey string, until time.Time) (string, error)
	// Revoke permanently revokes the attestation.
	Revoke(ctx context.Context, attestationKey string, reason string) (string, error)
}

// NoopSubmitter rejects every submission. Used when the registry is not
// configured, keeping the rest of the pipeline runnable in dry environments.
type NoopSubmitter struct{}

func (NoopSubmitter) Flag(ctx context.Context, attestationKey string, riskScore float64, reason string) (string, error) {
	return "", &SubmitError{Op: "flag", Kind: KindConfig, Err: ErrNotConfigured}
}

func (NoopSubmitter) Suspend(ctx context.Context, attestationKey string, until time.Time) (string, error) {
	return "", &SubmitError{Op: "suspend", Kind: KindConfig, Err: ErrNotConfigured}
}

func (NoopSubmitter) Revoke(ctx context.Context, attestationKey string, reason string) (string, error) {
	return "", &SubmitError{Op: "revoke", Kind: KindConfig, Err: ErrNotConfigured}
}
