package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
)

const (
	PublicKeyLength = 32
	KeypairLength   = 64
)

// PublicKey is a 32-byte ledger address, rendered in base58
type PublicKey [PublicKeyLength]byte

// ParsePublicKey decodes a base58 address
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fault.Newf(fault.InvalidInput, "parse_public_key", "invalid base58 address %q", s)
	}
	if len(raw) != PublicKeyLength {
		return pk, fault.Newf(fault.InvalidInput, "parse_public_key", "invalid address length %d, expected %d", len(raw), PublicKeyLength)
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for constants
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLength {
		return pk, fault.Newf(fault.InvalidInput, "public_key", "invalid key size %d, expected %d", len(b), PublicKeyLength)
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

func (pk PublicKey) Bytes() []byte { return pk[:] }

func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

func (pk PublicKey) Equals(other PublicKey) bool { return bytes.Equal(pk[:], other[:]) }

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Keypair is an ed25519 signing key. The 64-byte secret is the 32-byte seed
// followed by the 32-byte public key.
type Keypair struct {
	private ed25519.PrivateKey
}

// KeypairFromBytes validates and wraps a 64-byte secret key
func KeypairFromBytes(secret []byte) (Keypair, error) {
	if len(secret) != KeypairLength {
		return Keypair{}, fault.Newf(fault.InvalidInput, "keypair", "invalid secret key size %d, expected %d bytes", len(secret), KeypairLength)
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
		return Keypair{}, fault.New(fault.InvalidInput, "keypair", "public key does not match secret key")
	}
	return Keypair{private: derived}, nil
}

// KeypairFromJSON parses the `[n, n, ...]` byte array form used in
// environment variables and request bodies
func KeypairFromJSON(raw string) (Keypair, error) {
	var values []int
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return Keypair{}, fault.New(fault.InvalidInput, "keypair", "secret key must be a JSON array of bytes")
	}
	secret, err := BytesFromInts(values)
	if err != nil {
		return Keypair{}, err
	}
	return KeypairFromBytes(secret)
}

// GenerateKeypair creates a random keypair
func GenerateKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Keypair{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return Keypair{private: priv}, nil
}

func (k Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private[ed25519.SeedSize:])
	return pk
}

func (k Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Bytes returns a copy of the 64-byte secret key
func (k Keypair) Bytes() []byte {
	out := make([]byte, len(k.private))
	copy(out, k.private)
	return out
}

func (k Keypair) IsZero() bool { return len(k.private) == 0 }

// Verify checks an ed25519 signature made by pk
func Verify(pk PublicKey, message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, signature)
}

// BytesFromInts converts a JSON number array into bytes, rejecting values
// outside 0..255
func BytesFromInts(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fault.Newf(fault.InvalidInput, "keypair", "byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// IntsFromBytes is the inverse of BytesFromInts
func IntsFromBytes(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
