// Package auth holds the single shared bearer secret every inbound
// connection and REST request must present. There is no per-principal
// claim set: one secret, generated once and persisted if the deployment
// doesn't supply one, checked at every entry point.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
)

// Secret holds the process-wide shared token in memory, initialized
// once at startup and passed by explicit reference into every component
// that needs to check it (core/middleware, ws handlers) rather than
// hidden behind a package global.
type Secret struct {
	value []byte
}

// Load resolves the shared secret: explicit value wins, then the
// SM_NODE__CORE__TOKEN environment variable, then a secret persisted at
// path (generated and written if absent).
func Load(explicit, path string) (*Secret, error) {
	if explicit != "" {
		return &Secret{value: []byte(explicit)}, nil
	}
	if env := os.Getenv("SM_NODE__CORE__TOKEN"); env != "" {
		return &Secret{value: []byte(env)}, nil
	}
	if path == "" {
		return nil, fmt.Errorf("auth: no shared secret supplied and no persistence path configured")
	}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return &Secret{value: data}, nil
	}
	generated, err := generate()
	if err != nil {
		return nil, fmt.Errorf("auth: generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(generated), 0o600); err != nil {
		return nil, fmt.Errorf("auth: persist secret: %w", err)
	}
	return &Secret{value: []byte(generated)}, nil
}

func generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Check reports whether token matches the shared secret, using a
// constant-time comparison since this is the system's only line of
// defense against credential guessing.
func (s *Secret) Check(token string) bool {
	if s == nil || len(s.value) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.value, []byte(token)) == 1
}

// String exposes the raw value for the agent side, which must present
// the same secret it was configured with.
func (s *Secret) String() string {
	return string(s.value)
}
