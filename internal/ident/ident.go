// Package ident provides BLAKE3 content-addressed identity keys.
package ident

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Hash computes a BLAKE3-256 digest.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HashHex computes a BLAKE3-256 digest as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// FingerprintKey derives the identity key of a fingerprint row from its
// (filename, content hash, checksum blob) triple. Two rows with the same key
// are the same fingerprint regardless of which shard they came from.
func FingerprintKey(filename, fsha string, blob []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write([]byte(fsha))
	h.Write([]byte{0})
	h.Write(blob)
	return hex.EncodeToString(h.Sum(nil))
}

// EnvironmentKey derives the identity key of an environment triple.
func EnvironmentKey(name, packages, pythonVersion string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(packages))
	h.Write([]byte{0})
	h.Write([]byte(pythonVersion))
	return hex.EncodeToString(h.Sum(nil))
}
