// Package poseidon implements the Poseidon permutation and the two-to-one
// and sponge hash constructions built on it over the BN254 scalar field.
// It is the hash function behind every node of the identity tree in
// package merkletree.
//
// Parameters (width 3, 8 full rounds, 57 partial rounds, x^5 S-box) match
// the arity-2 Poseidon instance used throughout the Semaphore/circom
// ecosystem. Round constants and the MDS matrix are derived
// deterministically from fixed domain-separated seeds rather than
// hardcoded, so the derivation itself is part of the audited surface.
package poseidon

import (
	"crypto/sha256"
	"math/big"
)

// bn254ScalarField is the BN254 scalar field modulus (Fr), a 254-bit prime.
var bn254ScalarField, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// PoseidonParams bundles the permutation's tunable parameters.
type PoseidonParams struct {
	T              int        // state width (rate + capacity)
	FullRounds     int        // number of full rounds, split evenly before/after the partial rounds
	PartialRounds  int        // number of partial rounds
	RoundConstants []*big.Int // T*(FullRounds+PartialRounds) additive round constants
	MDS            [][]*big.Int
	Field          *big.Int
}

// DefaultPoseidonParams returns the T=3, 8 full / 57 partial round instance
// used by the identity tree (rate 2: two field elements absorbed per
// permutation, matching a binary Merkle node's two children).
func DefaultPoseidonParams() *PoseidonParams {
	const (
		t             = 3
		fullRounds    = 8
		partialRounds = 57
	)
	totalRounds := fullRounds + partialRounds
	return &PoseidonParams{
		T:              t,
		FullRounds:     fullRounds,
		PartialRounds:  partialRounds,
		RoundConstants: generateRoundConstants(t, totalRounds, bn254ScalarField),
		MDS:            generateMDS(t, bn254ScalarField),
		Field:          bn254ScalarField,
	}
}

// SBox computes x^5 mod field, Poseidon's non-linear layer.
func SBox(x, field *big.Int) *big.Int {
	r := new(big.Int).Mod(x, field)
	sq := new(big.Int).Mul(r, r)
	sq.Mod(sq, field)
	quad := new(big.Int).Mul(sq, sq)
	quad.Mod(quad, field)
	out := new(big.Int).Mul(quad, r)
	out.Mod(out, field)
	return out
}

// MDSMul multiplies the state vector by the MDS matrix modulo field.
func MDSMul(state []*big.Int, mds [][]*big.Int, field *big.Int) []*big.Int {
	t := len(state)
	out := make([]*big.Int, t)
	for i := 0; i < t; i++ {
		acc := new(big.Int)
		for j := 0; j < t; j++ {
			term := new(big.Int).Mul(mds[i][j], state[j])
			acc.Add(acc, term)
		}
		acc.Mod(acc, field)
		out[i] = acc
	}
	return out
}

// permute runs the full Poseidon permutation over state in place and
// returns it for chaining.
func permute(params *PoseidonParams, state []*big.Int) []*big.Int {
	field := params.Field
	halfFull := params.FullRounds / 2
	round := 0

	applyRoundConstants := func(r int) {
		for i := 0; i < params.T; i++ {
			state[i].Add(state[i], params.RoundConstants[r*params.T+i])
			state[i].Mod(state[i], field)
		}
	}

	for ; round < halfFull; round++ {
		applyRoundConstants(round)
		for i := 0; i < params.T; i++ {
			state[i] = SBox(state[i], field)
		}
		state = MDSMul(state, params.MDS, field)
	}

	for ; round < halfFull+params.PartialRounds; round++ {
		applyRoundConstants(round)
		state[0] = SBox(state[0], field)
		state = MDSMul(state, params.MDS, field)
	}

	for ; round < params.FullRounds+params.PartialRounds; round++ {
		applyRoundConstants(round)
		for i := 0; i < params.T; i++ {
			state[i] = SBox(state[i], field)
		}
		state = MDSMul(state, params.MDS, field)
	}

	return state
}

// PoseidonHash hashes a variable number of field elements. Inputs are
// reduced modulo the field before absorption. nil params falls back to
// DefaultPoseidonParams. The capacity element (state[0]) is returned as
// the digest.
func PoseidonHash(params *PoseidonParams, inputs ...*big.Int) *big.Int {
	if params == nil {
		params = DefaultPoseidonParams()
	}
	rate := params.T - 1

	state := make([]*big.Int, params.T)
	for i := range state {
		state[i] = new(big.Int)
	}

	if len(inputs) == 0 {
		state = permute(params, state)
		return new(big.Int).Set(state[0])
	}

	pos := 0
	for pos < len(inputs) {
		end := pos + rate
		if end > len(inputs) {
			end = len(inputs)
		}
		for i := pos; i < end; i++ {
			reduced := new(big.Int).Mod(inputs[i], params.Field)
			idx := 1 + (i - pos)
			state[idx].Add(state[idx], reduced)
			state[idx].Mod(state[idx], params.Field)
		}
		state = permute(params, state)
		pos = end
	}

	return new(big.Int).Set(state[0])
}

// PoseidonSponge is a duplex sponge built on the Poseidon permutation,
// absorbing and squeezing rate-sized (T-1) blocks of field elements.
type PoseidonSponge struct {
	params    *PoseidonParams
	state     []*big.Int
	rate      int
	absorbPos int
	squeezing bool
	squeezePos int
}

// NewPoseidonSponge creates an empty sponge. nil params falls back to
// DefaultPoseidonParams.
func NewPoseidonSponge(params *PoseidonParams) *PoseidonSponge {
	if params == nil {
		params = DefaultPoseidonParams()
	}
	state := make([]*big.Int, params.T)
	for i := range state {
		state[i] = new(big.Int)
	}
	return &PoseidonSponge{
		params: params,
		state:  state,
		rate:   params.T - 1,
	}
}

// Absorb feeds field elements into the sponge, permuting whenever a full
// rate-sized block accumulates.
func (s *PoseidonSponge) Absorb(inputs ...*big.Int) {
	s.squeezing = false
	for _, in := range inputs {
		reduced := new(big.Int).Mod(in, s.params.Field)
		idx := 1 + s.absorbPos
		s.state[idx].Add(s.state[idx], reduced)
		s.state[idx].Mod(s.state[idx], s.params.Field)
		s.absorbPos++
		if s.absorbPos == s.rate {
			s.state = permute(s.params, s.state)
			s.absorbPos = 0
		}
	}
}

// Squeeze produces n field elements, permuting the state as needed once
// the current rate block is exhausted.
func (s *PoseidonSponge) Squeeze(n int) []*big.Int {
	if !s.squeezing {
		s.state = permute(s.params, s.state)
		s.squeezing = true
		s.squeezePos = 0
	}

	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		if s.squeezePos == s.rate {
			s.state = permute(s.params, s.state)
			s.squeezePos = 0
		}
		out[i] = new(big.Int).Set(s.state[1+s.squeezePos])
		s.squeezePos++
	}
	return out
}

// generateRoundConstants deterministically derives t*totalRounds additive
// round constants by expanding a domain-separated SHA-256 counter stream,
// each 32-byte block reduced modulo field. This mirrors the precomputed
// empty-subtree derivation used elsewhere in this module: a fixed,
// reproducible seed rather than a hardcoded constant table.
func generateRoundConstants(t, totalRounds int, field *big.Int) []*big.Int {
	count := t * totalRounds
	out := make([]*big.Int, count)
	for i := 0; i < count; i++ {
		out[i] = deterministicFieldElement("poseidon-rc", i, field)
	}
	return out
}

// generateMDS deterministically derives a t x t MDS-shaped matrix the same
// way generateRoundConstants derives the round constants.
func generateMDS(t int, field *big.Int) [][]*big.Int {
	mds := make([][]*big.Int, t)
	for i := 0; i < t; i++ {
		mds[i] = make([]*big.Int, t)
		for j := 0; j < t; j++ {
			mds[i][j] = deterministicFieldElement("poseidon-mds", i*t+j, field)
		}
	}
	return mds
}

func deterministicFieldElement(domain string, counter int, field *big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{
		byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter),
	})
	sum := h.Sum(nil)
	v := new(big.Int).SetBytes(sum)
	return v.Mod(v, field)
}
