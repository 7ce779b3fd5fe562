package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/cvforge/cvforge/internal/domain"
)

// API keys are "cvf_<keyId>.<secret>". The key id is stored in the
// clear for lookup; only the argon2id hash of the secret is persisted.
const apiKeyPrefix = "cvf_"

// Argon2Params defines parameters for argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// KeyResolver resolves an API key id to its owning user and the stored
// secret hash. The postgres user repository satisfies it.
type KeyResolver interface {
	GetByAPIKeyID(ctx domain.Context, keyID string) (domain.User, string, error)
}

// NewAPIKey mints a full API key plus the (keyID, hash) pair to store.
// The key itself is shown once; it cannot be reconstructed from the
// stored columns.
func NewAPIKey(pepper string) (key, keyID, hash string, err error) {
	idBuf := make([]byte, 8)
	secBuf := make([]byte, 24)
	if _, err := rand.Read(idBuf); err != nil {
		return "", "", "", fmt.Errorf("op=auth.new_api_key: %w", err)
	}
	if _, err := rand.Read(secBuf); err != nil {
		return "", "", "", fmt.Errorf("op=auth.new_api_key: %w", err)
	}
	keyID = hex.EncodeToString(idBuf)
	secret := base64.RawURLEncoding.EncodeToString(secBuf)
	hash, err = HashAPIKey(secret, pepper, defaultArgon2Params)
	if err != nil {
		return "", "", "", err
	}
	return apiKeyPrefix + keyID + "." + secret, keyID, hash, nil
}

// HashAPIKey derives the argon2id hash of secret+pepper in the encoded
// form argon2id$iterations$memory$parallelism$salt$hash.
func HashAPIKey(secret, pepper string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=auth.hash: %w", err)
	}
	sum := argon2.IDKey([]byte(secret+pepper), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyAPIKey re-derives the hash with the encoded parameters and
// compares in constant time.
func VerifyAPIKey(secret, pepper, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	if par > math.MaxUint8 {
		par = math.MaxUint8
	}
	got := argon2.IDKey([]byte(secret+pepper), salt, iters, mem, uint8(par), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(x), nil
}

// parseAPIKey splits a presented key into its id and secret.
func parseAPIKey(raw string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(raw, apiKeyPrefix)
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func apiKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if k, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return k
		}
	}
	return ""
}

// userIDKey carries the authenticated user id through the request
// context.
type userIDKey struct{}

// userID returns the authenticated user id, or "" outside the auth
// middleware.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

// RequireAPIKey authenticates the request. Unknown key ids and wrong
// secrets answer identically so key ids cannot be probed.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, secret, ok := parseAPIKey(apiKeyFromRequest(r))
		if !ok {
			writeError(w, r, domain.E(domain.CodeUnauthorized, "missing or malformed API key"))
			return
		}
		u, hash, err := s.Keys.GetByAPIKeyID(r.Context(), keyID)
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, domain.E(domain.CodeUnauthorized, "invalid API key"))
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if hash == "" || !VerifyAPIKey(secret, s.Cfg.APIKeyPepper, hash) {
			writeError(w, r, domain.E(domain.CodeUnauthorized, "invalid API key"))
			return
		}
		now := time.Now().UTC()
		if u.Status != domain.UserActive {
			writeError(w, r, domain.E(domain.CodeUserInactive, "user is %s", u.Status))
			return
		}
		if u.LockoutUntil != nil && u.LockoutUntil.After(now) {
			writeError(w, r, domain.E(domain.CodeUserLocked,
				"user is locked out until %s", u.LockoutUntil.UTC().Format(time.RFC3339)))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, u.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
