package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// hashUserID matches spec.md §3's SqlGenerationLog "user hash" field —
// the audit trail stores a hash of the acting user, not the raw id.
func hashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}
