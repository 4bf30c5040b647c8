package parse

import "hash/crc32"

// Checksum computes the CRC-32 (IEEE) checksum of normalized block text.
// The value is stored as a signed 32-bit integer for on-disk compactness;
// comparison is by bit pattern.
func Checksum(text string) int32 {
	return int32(crc32.ChecksumIEEE([]byte(text)))
}

// ChecksumBytes checksums raw bytes, used for <parse_error> pseudo-blocks.
func ChecksumBytes(b []byte) int32 {
	return int32(crc32.Checksum(b, crc32.IEEETable))
}
