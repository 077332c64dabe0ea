package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	tokenService = "gamemaster"
	tokenAccount = "api_token"
)

// GetAPIToken returns the bearer token guarding administrative routes. The
// GAMEMASTER_API_TOKEN environment variable wins; otherwise the secret store
// is consulted, and on first run a fresh token is minted and persisted there.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("GAMEMASTER_API_TOKEN"); tok != "" {
		return tok, nil
	}

	if tok, err := kc.Get(tokenService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(tokenService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
