package prover

import (
	"context"
	"testing"
)

type stubProver struct{ size int }

func (s stubProver) BatchSize() int { return s.size }
func (s stubProver) GenerateInsertionProof(context.Context, InsertionProofRequest) (Proof, error) {
	return Proof{0x01}, nil
}
func (s stubProver) GenerateDeletionProof(context.Context, DeletionProofRequest) (Proof, error) {
	return Proof{0x02}, nil
}

func TestRegistrySelectsSmallestSufficientProver(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProver{size: 10})
	r.Register(stubProver{size: 3})
	r.Register(stubProver{size: 100})

	p, err := r.Select(4)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.BatchSize() != 10 {
		t.Fatalf("expected size 10 prover, got %d", p.BatchSize())
	}
}

func TestRegistrySelectExactMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProver{size: 3})
	r.Register(stubProver{size: 10})

	p, err := r.Select(3)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.BatchSize() != 3 {
		t.Fatalf("expected exact match size 3, got %d", p.BatchSize())
	}
}

func TestRegistrySelectNoneLargeEnough(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProver{size: 3})

	if _, err := r.Select(10); err == nil {
		t.Fatal("expected error when no prover is large enough")
	}
}

func TestRegistrySizesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProver{size: 100})
	r.Register(stubProver{size: 3})
	r.Register(stubProver{size: 10})

	sizes := r.Sizes()
	if len(sizes) != 3 || sizes[0] != 3 || sizes[1] != 10 || sizes[2] != 100 {
		t.Fatalf("expected sorted sizes [3 10 100], got %v", sizes)
	}
}
