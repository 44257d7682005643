package utils

import (
	"crypto/md5"
	"fmt"
)

// HashString returns a stable hex digest of the input. Document and chunk
// ids are derived from content through this, which is what makes
// re-ingestion of unchanged documents idempotent.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

func HashBytes(input []byte) string {
	hash := md5.Sum(input)
	return fmt.Sprintf("%x", hash)
}
