package poseidon

import (
	"math/big"
	"testing"
)

func TestDefaultPoseidonParams(t *testing.T) {
	params := DefaultPoseidonParams()
	if params.T != 3 {
		t.Fatalf("expected T=3, got %d", params.T)
	}
	if params.FullRounds != 8 {
		t.Fatalf("expected 8 full rounds, got %d", params.FullRounds)
	}
	if params.PartialRounds != 57 {
		t.Fatalf("expected 57 partial rounds, got %d", params.PartialRounds)
	}
	totalRounds := params.FullRounds + params.PartialRounds
	expectedConstants := params.T * totalRounds
	if len(params.RoundConstants) != expectedConstants {
		t.Fatalf("expected %d round constants, got %d", expectedConstants, len(params.RoundConstants))
	}
	if len(params.MDS) != params.T {
		t.Fatalf("expected MDS matrix of size %d, got %d", params.T, len(params.MDS))
	}
	for i, row := range params.MDS {
		if len(row) != params.T {
			t.Fatalf("MDS row %d: expected %d cols, got %d", i, params.T, len(row))
		}
	}
}

func TestSBox(t *testing.T) {
	field := bn254ScalarField

	result := SBox(big.NewInt(0), field)
	if result.Sign() != 0 {
		t.Fatalf("SBox(0) should be 0, got %s", result.String())
	}

	result = SBox(big.NewInt(1), field)
	if result.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("SBox(1) should be 1, got %s", result.String())
	}

	result = SBox(big.NewInt(2), field)
	if result.Cmp(big.NewInt(32)) != 0 {
		t.Fatalf("SBox(2) should be 32, got %s", result.String())
	}

	result = SBox(big.NewInt(3), field)
	if result.Cmp(big.NewInt(243)) != 0 {
		t.Fatalf("SBox(3) should be 243, got %s", result.String())
	}
}

func TestSBoxLargeValue(t *testing.T) {
	field := bn254ScalarField
	val := new(big.Int).Add(field, big.NewInt(2))
	result := SBox(val, field)
	expected := SBox(big.NewInt(2), field)
	if result.Cmp(expected) != 0 {
		t.Fatalf("SBox should reduce mod field: got %s, expected %s", result.String(), expected.String())
	}
}

func TestMDSMul(t *testing.T) {
	params := DefaultPoseidonParams()

	state := []*big.Int{big.NewInt(1), big.NewInt(0), big.NewInt(0)}
	result := MDSMul(state, params.MDS, params.Field)

	for i := 0; i < params.T; i++ {
		expected := new(big.Int).Set(params.MDS[i][0])
		expected.Mod(expected, params.Field)
		if result[i].Cmp(expected) != 0 {
			t.Fatalf("MDSMul result[%d] = %s, expected %s", i, result[i].String(), expected.String())
		}
	}
}

func TestMDSMulZeroState(t *testing.T) {
	params := DefaultPoseidonParams()
	state := make([]*big.Int, params.T)
	for i := range state {
		state[i] = new(big.Int)
	}
	result := MDSMul(state, params.MDS, params.Field)
	for i, v := range result {
		if v.Sign() != 0 {
			t.Fatalf("MDSMul of zero state should be zero, got %s at index %d", v.String(), i)
		}
	}
}

func TestPoseidonHashDeterministic(t *testing.T) {
	params := DefaultPoseidonParams()
	a := big.NewInt(42)
	b := big.NewInt(99)

	h1 := PoseidonHash(params, a, b)
	h2 := PoseidonHash(params, a, b)

	if h1.Cmp(h2) != 0 {
		t.Fatal("Poseidon hash should be deterministic")
	}
}

func TestPoseidonHashDifferentInputs(t *testing.T) {
	params := DefaultPoseidonParams()

	h1 := PoseidonHash(params, big.NewInt(1), big.NewInt(2))
	h2 := PoseidonHash(params, big.NewInt(3), big.NewInt(4))

	if h1.Cmp(h2) == 0 {
		t.Fatal("different inputs should produce different hashes")
	}
}

func TestPoseidonHashSingleInput(t *testing.T) {
	params := DefaultPoseidonParams()
	h := PoseidonHash(params, big.NewInt(42))

	if h == nil || h.Sign() < 0 {
		t.Fatal("hash should be non-nil and non-negative")
	}
	if h.Cmp(params.Field) >= 0 {
		t.Fatal("hash should be less than field modulus")
	}
}

func TestPoseidonHashNoInputs(t *testing.T) {
	params := DefaultPoseidonParams()
	h := PoseidonHash(params)

	if h == nil {
		t.Fatal("hash of empty input should be non-nil")
	}
	if h.Cmp(params.Field) >= 0 {
		t.Fatal("hash should be less than field modulus")
	}
}

func TestPoseidonHashFieldElement(t *testing.T) {
	params := DefaultPoseidonParams()
	large := new(big.Int).Add(params.Field, big.NewInt(5))
	h1 := PoseidonHash(params, large)
	h2 := PoseidonHash(params, big.NewInt(5))

	if h1.Cmp(h2) != 0 {
		t.Fatal("input should be reduced mod field before hashing")
	}
}

func TestPoseidonHashNilParams(t *testing.T) {
	h := PoseidonHash(nil, big.NewInt(1))
	if h == nil || h.Sign() < 0 {
		t.Fatal("nil params should use defaults")
	}
}

func TestPoseidonHashMultipleInputs(t *testing.T) {
	params := DefaultPoseidonParams()
	inputs := []*big.Int{
		big.NewInt(1), big.NewInt(2), big.NewInt(3),
		big.NewInt(4), big.NewInt(5),
	}
	h := PoseidonHash(params, inputs...)
	if h == nil {
		t.Fatal("multi-input hash should not be nil")
	}
	if h.Cmp(params.Field) >= 0 {
		t.Fatal("hash should be within field")
	}
}

func TestPoseidonHashOrderMatters(t *testing.T) {
	params := DefaultPoseidonParams()
	h1 := PoseidonHash(params, big.NewInt(1), big.NewInt(2))
	h2 := PoseidonHash(params, big.NewInt(2), big.NewInt(1))
	if h1.Cmp(h2) == 0 {
		t.Fatal("hash should depend on input order")
	}
}

func TestPoseidonSpongeBasic(t *testing.T) {
	sponge := NewPoseidonSponge(nil)
	sponge.Absorb(big.NewInt(1), big.NewInt(2))
	results := sponge.Squeeze(1)
	if len(results) != 1 {
		t.Fatalf("expected 1 squeeze result, got %d", len(results))
	}
	if results[0] == nil || results[0].Sign() < 0 {
		t.Fatal("squeeze result should be non-nil and non-negative")
	}
}

func TestPoseidonSpongeDeterministic(t *testing.T) {
	s1 := NewPoseidonSponge(nil)
	s1.Absorb(big.NewInt(42))
	r1 := s1.Squeeze(1)

	s2 := NewPoseidonSponge(nil)
	s2.Absorb(big.NewInt(42))
	r2 := s2.Squeeze(1)

	if r1[0].Cmp(r2[0]) != 0 {
		t.Fatal("sponge should be deterministic")
	}
}

func TestPoseidonSpongeMultipleAbsorbs(t *testing.T) {
	sponge := NewPoseidonSponge(nil)
	sponge.Absorb(big.NewInt(1))
	sponge.Absorb(big.NewInt(2))
	sponge.Absorb(big.NewInt(3))
	results := sponge.Squeeze(2)
	if len(results) != 2 {
		t.Fatalf("expected 2 squeeze results, got %d", len(results))
	}
}

func TestPoseidonSpongeMultipleSqueeze(t *testing.T) {
	sponge := NewPoseidonSponge(nil)
	sponge.Absorb(big.NewInt(7))
	results := sponge.Squeeze(4)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d is nil", i)
		}
	}
}

func TestPoseidonSpongeEmptySqueeze(t *testing.T) {
	sponge := NewPoseidonSponge(nil)
	results := sponge.Squeeze(1)
	if len(results) != 1 {
		t.Fatalf("expected 1 result from empty sponge, got %d", len(results))
	}
}

func TestPoseidonSpongeAndHashOutputsInField(t *testing.T) {
	params := DefaultPoseidonParams()
	a := big.NewInt(10)
	b := big.NewInt(20)

	h := PoseidonHash(params, a, b)

	sponge := NewPoseidonSponge(params)
	sponge.Absorb(a, b)
	results := sponge.Squeeze(1)

	if results[0] == nil || results[0].Cmp(params.Field) >= 0 {
		t.Fatal("sponge result should be a valid field element")
	}
	if h == nil || h.Cmp(params.Field) >= 0 {
		t.Fatal("hash result should be a valid field element")
	}
}

func TestGenerateRoundConstants(t *testing.T) {
	field := bn254ScalarField
	rcs := generateRoundConstants(3, 65, field)
	if len(rcs) != 195 {
		t.Fatalf("expected 195 round constants, got %d", len(rcs))
	}
	for i, rc := range rcs {
		if rc.Cmp(field) >= 0 {
			t.Fatalf("round constant %d >= field", i)
		}
		if rc.Sign() < 0 {
			t.Fatalf("round constant %d is negative", i)
		}
	}
}

func TestGenerateRoundConstantsDeterministic(t *testing.T) {
	field := bn254ScalarField
	r1 := generateRoundConstants(3, 10, field)
	r2 := generateRoundConstants(3, 10, field)
	for i := range r1 {
		if r1[i].Cmp(r2[i]) != 0 {
			t.Fatalf("round constant %d differs between calls", i)
		}
	}
}

func TestGenerateMDS(t *testing.T) {
	field := bn254ScalarField
	mds := generateMDS(3, field)
	if len(mds) != 3 {
		t.Fatalf("expected 3x3 MDS, got %d rows", len(mds))
	}
	for i, row := range mds {
		if len(row) != 3 {
			t.Fatalf("row %d: expected 3 cols, got %d", i, len(row))
		}
		for j, val := range row {
			if val.Sign() < 0 || val.Cmp(field) >= 0 {
				t.Fatalf("MDS[%d][%d] out of field range", i, j)
			}
		}
	}
}

func TestGenerateMDSDeterministic(t *testing.T) {
	field := bn254ScalarField
	m1 := generateMDS(3, field)
	m2 := generateMDS(3, field)
	for i := range m1 {
		for j := range m1[i] {
			if m1[i][j].Cmp(m2[i][j]) != 0 {
				t.Fatalf("MDS[%d][%d] differs between calls", i, j)
			}
		}
	}
}

func TestBN254ScalarField(t *testing.T) {
	if bn254ScalarField == nil {
		t.Fatal("bn254ScalarField should not be nil")
	}
	if !bn254ScalarField.ProbablyPrime(20) {
		t.Fatal("bn254ScalarField should be prime")
	}
	if bn254ScalarField.BitLen() != 254 {
		t.Fatalf("expected 254-bit field, got %d bits", bn254ScalarField.BitLen())
	}
}

func BenchmarkPoseidonHashTwoInputs(b *testing.B) {
	params := DefaultPoseidonParams()
	a := big.NewInt(12345)
	bv := big.NewInt(67890)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		PoseidonHash(params, a, bv)
	}
}

func BenchmarkSBox(b *testing.B) {
	field := bn254ScalarField
	x := big.NewInt(42)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SBox(x, field)
	}
}

func BenchmarkMDSMul(b *testing.B) {
	params := DefaultPoseidonParams()
	state := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MDSMul(state, params.MDS, params.Field)
	}
}
