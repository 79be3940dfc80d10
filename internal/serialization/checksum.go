package serialization

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeChecksum computes SHA-256 checksum of a payload.
func ComputeChecksum(data []byte) [ChecksumSize]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum compares computed checksum against stored checksum.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed, stored [ChecksumSize]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}

// ChecksumHex renders a checksum for display.
func ChecksumHex(sum [ChecksumSize]byte) string {
	return hex.EncodeToString(sum[:])
}
