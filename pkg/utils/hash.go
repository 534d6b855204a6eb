package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash fingerprints page text. Runs of whitespace are folded first so
// re-crawls that only reflow the markup keep the same hash.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(text), " ")))
	return hex.EncodeToString(sum[:])
}
