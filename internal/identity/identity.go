package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// namespace keeps session ids from colliding with ids minted by anything
// else that happens to hash similar strings into the same store.
const namespace = "claude-flow/session/v1"

// DeriveID returns the stable session id for (projectPath, role, number).
// The same inputs always produce the same id, which is what makes resuming
// work without a ticket handshake: a later start request for the same logical
// work lands on the same session row.
func DeriveID(projectPath, role string, number int) string {
	// Normalize the path so "/repo" and "/repo/" derive the same session.
	path := filepath.Clean(strings.TrimSpace(projectPath))
	role = strings.TrimSpace(role)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", namespace, path, role, number)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
