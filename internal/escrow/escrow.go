// Package escrow derives the deterministic addresses that hold a trade's
// escrowed funds.
package escrow

import (
	"crypto/sha256"
	"encoding/binary"

	"filippo.io/edwards25519"
	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/types"
)

const (
	// Namespace is the fixed tag mixed into every escrow address
	Namespace = "devolt"

	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// IsOnCurve reports whether b decodes to a valid ed25519 point. Addresses on
// the curve could have a private key, so derived addresses must be off it.
func IsOnCurve(b []byte) bool {
	if len(b) != types.PublicKeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds under programID and fails if the result
// lands on the curve.
func CreateProgramAddress(seeds [][]byte, programID types.PublicKey) (types.PublicKey, error) {
	if err := validateSeeds(seeds); err != nil {
		return types.PublicKey{}, err
	}
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr types.PublicKey
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr[:]) {
		return types.PublicKey{}, fault.New(fault.InvalidInput, "create_program_address", "derived address is on curve")
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down and returns the first
// off-curve address with its bump.
func FindProgramAddress(seeds [][]byte, programID types.PublicKey) (types.PublicKey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return types.PublicKey{}, 0, fault.Newf(fault.InvalidInput, "find_program_address", "too many seeds: %d", len(seeds))
	}
	if err := validateSeeds(seeds); err != nil {
		return types.PublicKey{}, 0, err
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return types.PublicKey{}, 0, fault.New(fault.InternalError, "find_program_address", "no viable bump seed")
}

func validateSeeds(seeds [][]byte) error {
	if len(seeds) > MaxSeeds {
		return fault.Newf(fault.InvalidInput, "program_address", "too many seeds: %d", len(seeds))
	}
	for i, s := range seeds {
		if len(s) > MaxSeedLength {
			return fault.Newf(fault.InvalidInput, "program_address", "seed %d exceeds %d bytes", i, MaxSeedLength)
		}
	}
	return nil
}

// Deriver computes escrow addresses for one ledger program
type Deriver struct {
	programID types.PublicKey
}

func NewDeriver(programID types.PublicKey) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() types.PublicKey { return d.programID }

// Derive returns the escrow address for (initiator, seed). Callers re-derive
// it when confirming, so it must never depend on process state.
func (d *Deriver) Derive(initiator types.PublicKey, seed uint64) (types.PublicKey, error) {
	addr, _, err := d.DeriveWithBump(initiator, seed)
	return addr, err
}

func (d *Deriver) DeriveWithBump(initiator types.PublicKey, seed uint64) (types.PublicKey, uint8, error) {
	if initiator.IsZero() {
		return types.PublicKey{}, 0, fault.New(fault.InvalidInput, "derive_escrow", "initiator key is empty")
	}
	return FindProgramAddress(Seeds(initiator, seed), d.programID)
}

// Seeds returns the seed list for an escrow: namespace, initiator, seed (LE)
func Seeds(initiator types.PublicKey, seed uint64) [][]byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], seed)
	return [][]byte{[]byte(Namespace), initiator.Bytes(), le[:]}
}
