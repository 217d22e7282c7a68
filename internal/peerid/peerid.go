// Package peerid fixes the client's peer-id generation policy: a
// stable 8-byte client prefix followed by 12 bytes of uniqueness drawn
// from a securely generated UUIDv4, chosen once per process and held
// stable for the lifetime of the run.
package peerid

import "github.com/google/uuid"

// Prefix identifies this client implementation on the wire.
const Prefix = "-PC0001-"

// Length is the fixed BitTorrent peer-id size.
const Length = 20

// Generate returns a new 20-byte peer-id: Prefix followed by the
// first 12 bytes of a random UUIDv4's byte representation.
func Generate() [Length]byte {
	var id [Length]byte
	copy(id[:len(Prefix)], Prefix)

	u := uuid.New()
	copy(id[len(Prefix):], u[:Length-len(Prefix)])

	return id
}
