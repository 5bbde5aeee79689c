package api

import (
	"testing"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// TestParseCommitmentRejectsZeroAndUnreduced covers the commitment
// validation rules at the API boundary: the zero element is reserved as
// the empty/deleted leaf marker, and values at or above the scalar field
// modulus are not canonical field elements.
func TestParseCommitmentRejectsZeroAndUnreduced(t *testing.T) {
	if _, err := parseCommitment(field.Zero().Hex()); err == nil {
		t.Fatal("expected zero commitment to be rejected")
	} else if !sequencererr.Is(err, sequencererr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	modulus := field.Modulus()
	unreduced := "0x" + modulus.Text(16)
	if _, err := parseCommitment(unreduced); err == nil {
		t.Fatal("expected unreduced commitment (== modulus) to be rejected")
	} else if !sequencererr.Is(err, sequencererr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	commitment, err := parseCommitment("0x01")
	if err != nil {
		t.Fatalf("expected a small nonzero reduced value to be accepted: %v", err)
	}
	if commitment.IsZero() {
		t.Fatal("parsed commitment should not be zero")
	}
}
