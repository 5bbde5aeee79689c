// Package semaphore defines the interface the API uses to verify
// Semaphore membership proofs against a known root. The Groth16
// pairing math itself is out of scope: this package carries the
// request/response shape and a stub implementation, ready to be
// swapped for a real BN254 Groth16 verifier (see the teacher's
// proofs.Groth16Verifier for the pairing-equation shape to follow).
package semaphore

import "context"

// Proof is the wire shape of a verifySemaphoreProof request: a root, a
// nullifier hash, a signal hash, an external nullifier hash, and the
// Groth16 proof points, all hex-encoded.
type Proof struct {
	Root                  string
	NullifierHash         string
	SignalHash            string
	ExternalNullifierHash string
	ProofData             []string
}

// Verifier checks a Proof against the tree roots it knows about.
type Verifier interface {
	Verify(ctx context.Context, proof Proof) error
}

// NotImplementedVerifier always reports that proof verification is not
// implemented, per the spec's Non-goal on ZK circuit internals.
type NotImplementedVerifier struct{}

func (NotImplementedVerifier) Verify(ctx context.Context, proof Proof) error {
	return errNotImplemented
}

var errNotImplemented = notImplementedError{}

type notImplementedError struct{}

func (notImplementedError) Error() string {
	return "semaphore proof verification is not implemented"
}
