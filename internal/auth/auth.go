package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/grantflow/intake/internal/domain"
)

// Identity is the authenticated caller. Subject keys session ownership and
// the per-user cost ledger.
type Identity struct {
	Subject string
	Email   string
}

// Verifier validates a bearer token and resolves the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// StaticVerifier authenticates against a fixed token-hash -> identity
// mapping loaded from configuration. Tokens are stored hashed so a config
// dump never exposes a usable credential.
type StaticVerifier struct {
	identities map[string]Identity // token hash -> identity
}

// NewStaticVerifier builds a verifier from tokenHash -> identity entries.
func NewStaticVerifier(identities map[string]Identity) *StaticVerifier {
	v := &StaticVerifier{identities: make(map[string]Identity, len(identities))}
	for hash, id := range identities {
		v.identities[strings.ToLower(hash)] = id
	}
	return v
}

// Verify hashes the presented token and resolves it in constant time with
// respect to the stored hash.
func (v *StaticVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	tokenHash := HashToken(token)

	for storedHash, id := range v.identities {
		if subtle.ConstantTimeCompare([]byte(tokenHash), []byte(storedHash)) == 1 {
			identity := id
			return &identity, nil
		}
	}
	return nil, domain.ErrAuthentication("Invalid or missing credentials.")
}

// ExtractToken extracts the bearer token from the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.ErrAuthentication("Missing Authorization header.")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", domain.ErrAuthentication("Authorization header must use the Bearer scheme.")
	}
	if parts[1] == "" {
		return "", domain.ErrAuthentication("Missing bearer token.")
	}
	return parts[1], nil
}

// HashToken creates the SHA-256 hex digest used to store and look up tokens.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
