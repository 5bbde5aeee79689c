// Package field implements elements of the BN254 scalar field, the
// SNARK-friendly field identity commitments and tree roots live in.
// Arithmetic is delegated to gnark-crypto's bn254 fr implementation; this
// package only adds the reduced/zero checks and the byte/hex/JSON codecs
// the rest of the sequencer needs.
package field

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Element is a commitment, tree root, or any other value living in the
// BN254 scalar field. The zero value is the field element ZERO, which
// doubles as the sequencer's "empty leaf" / "deleted leaf" marker.
type Element struct {
	inner fr.Element
}

// Modulus returns the BN254 scalar field prime.
func Modulus() *big.Int {
	return fr.Modulus()
}

// Zero returns the distinguished ZERO element.
func Zero() Element { return Element{} }

// IsZero reports whether e is the ZERO element.
func (e Element) IsZero() bool {
	return e.inner.IsZero()
}

// FromBigInt reduces a big.Int into the field without checking whether it
// was already reduced; use IsReducedBigInt first if the distinction matters.
func FromBigInt(v *big.Int) Element {
	var e Element
	e.inner.SetBigInt(v)
	return e
}

// IsReducedBigInt reports whether v is strictly less than the field
// modulus, i.e. whether it is already a canonical field element.
func IsReducedBigInt(v *big.Int) bool {
	if v.Sign() < 0 {
		return false
	}
	return v.Cmp(Modulus()) < 0
}

// FromBytes32 interprets b as a big-endian 256-bit integer and reduces it
// modulo the field prime. It returns whether the input was already
// reduced, matching the sequencer's validation rule for commitments.
func FromBytes32(b [32]byte) (e Element, reduced bool) {
	v := new(big.Int).SetBytes(b[:])
	reduced = IsReducedBigInt(v)
	e.inner.SetBigInt(v)
	return e, reduced
}

// Bytes32 returns e as a big-endian 32-byte array.
func (e Element) Bytes32() [32]byte {
	return e.inner.Bytes()
}

// BigInt returns e as a *big.Int in [0, modulus).
func (e Element) BigInt() *big.Int {
	var v big.Int
	e.inner.BigInt(&v)
	return &v
}

// Add, Sub and Mul perform field arithmetic; they exist mainly so callers
// outside this package never need to import gnark-crypto's fr package
// directly, mirroring the single-point-of-entry pattern used for
// third-party type conversions elsewhere in this module.
func Add(a, b Element) Element {
	var out Element
	out.inner.Add(&a.inner, &b.inner)
	return out
}

func Sub(a, b Element) Element {
	var out Element
	out.inner.Sub(&a.inner, &b.inner)
	return out
}

func Mul(a, b Element) Element {
	var out Element
	out.inner.Mul(&a.inner, &b.inner)
	return out
}

// Equal reports whether a and b represent the same field element.
func Equal(a, b Element) bool {
	return a.inner.Equal(&b.inner)
}

// Hex returns the 0x-prefixed, zero-padded big-endian hex encoding of e.
func (e Element) Hex() string {
	b := e.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

// String implements fmt.Stringer by delegating to Hex.
func (e Element) String() string { return e.Hex() }

// ParseHex parses a 0x-prefixed hex string into an Element, reducing it
// modulo the field prime and reporting whether it was already reduced.
func ParseHex(s string) (Element, bool, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) == 0 {
		return Zero(), true, nil
	}
	raw, err := hex.DecodeString(padEven(s))
	if err != nil {
		return Element{}, false, fmt.Errorf("field: invalid hex: %w", err)
	}
	if len(raw) > 32 {
		return Element{}, false, fmt.Errorf("field: value exceeds 32 bytes")
	}
	var b [32]byte
	copy(b[32-len(raw):], raw)
	e, reduced := FromBytes32(b)
	return e, reduced, nil
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// MarshalText implements encoding.TextMarshaler so Element can be used
// directly as a JSON field without a separate DTO struct.
func (e Element) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It does not reject
// unreduced values; callers that must enforce reduction (the API
// boundary) use ParseHex and check the reduced flag explicitly.
func (e *Element) UnmarshalText(text []byte) error {
	parsed, _, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
