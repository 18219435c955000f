package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// integrityDomain separates snapshot digests from any other SHA-256 use.
const integrityDomain = "dotstate/snapshot/v1"

// IntegrityDigest is the collision-resistant digest used for load-time
// verification of manifests, aggregate snapshots, module files and rows.
// Format: hex(SHA256(domain || 0x00 || payload)).
func IntegrityDigest(payload []byte) string {
	h := sha256.New()
	h.Write([]byte(integrityDomain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrity reports whether payload hashes to want.
func VerifyIntegrity(payload []byte, want string) bool {
	return want != "" && IntegrityDigest(payload) == want
}

// DirtyFingerprint is a fast 64-bit fingerprint used only for dirty detection.
// Never use it to decide whether stored data can be trusted.
func DirtyFingerprint(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}
