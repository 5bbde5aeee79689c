package field

import (
	"math/big"
	"testing"
)

func TestZeroIsZero(t *testing.T) {
	if !Zero().IsZero() {
		t.Fatal("Zero() must report IsZero")
	}
}

func TestIsReducedBigInt(t *testing.T) {
	if IsReducedBigInt(Modulus()) {
		t.Fatal("modulus itself must not be reduced")
	}
	if !IsReducedBigInt(big.NewInt(1)) {
		t.Fatal("1 must be reduced")
	}
	if IsReducedBigInt(big.NewInt(-1)) {
		t.Fatal("negative values must not be reduced")
	}
}

func TestFromBytes32Reduction(t *testing.T) {
	modBytes := Modulus().Bytes()
	var b [32]byte
	copy(b[32-len(modBytes):], modBytes)

	_, reduced := FromBytes32(b)
	if reduced {
		t.Fatal("modulus bytes must report unreduced")
	}
}

func TestHexRoundTrip(t *testing.T) {
	e := FromBigInt(big.NewInt(12345))
	hex := e.Hex()

	parsed, reduced, err := ParseHex(hex)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if !reduced {
		t.Fatal("round-tripped value must be reduced")
	}
	if !Equal(e, parsed) {
		t.Fatalf("round trip mismatch: %s != %s", e, parsed)
	}
}

func TestArithmetic(t *testing.T) {
	a := FromBigInt(big.NewInt(2))
	b := FromBigInt(big.NewInt(3))

	if !Equal(Add(a, b), FromBigInt(big.NewInt(5))) {
		t.Fatal("2 + 3 != 5")
	}
	if !Equal(Mul(a, b), FromBigInt(big.NewInt(6))) {
		t.Fatal("2 * 3 != 6")
	}
	if !Equal(Sub(b, a), FromBigInt(big.NewInt(1))) {
		t.Fatal("3 - 2 != 1")
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	e := FromBigInt(big.NewInt(999))
	text, err := e.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var out Element
	if err := out.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !Equal(e, out) {
		t.Fatal("marshal/unmarshal round trip mismatch")
	}
}
