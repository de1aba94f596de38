// Package auth resolves bearer credentials to users. Two credential types
// are accepted: static API keys mapped to user ids, and HS256-signed JWTs
// whose subject is the user id.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// AnonymousUser is the principal used when no credentials are configured.
const AnonymousUser = "anonymous"

// AdminUser is the principal behind BUILDBOX_API_KEY. It sees every
// user's sessions.
const AdminUser = "admin"

var (
	// ErrUnauthenticated is returned for missing or invalid credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrTokensDisabled is returned by IssueToken when no JWT secret is set.
	ErrTokensDisabled = errors.New("jwt signing is not configured")
)

// Method names how a principal authenticated.
type Method string

const (
	MethodNone   Method = "none"
	MethodAPIKey Method = "api_key"
	MethodJWT    Method = "jwt"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Method Method
}

// Config configures an Authenticator.
type Config struct {
	APIKeys   map[string]string // API key -> user id.
	JWTSecret string            // HS256 secret. Empty disables JWTs.
	Issuer    string            // Expected iss claim. Empty = not checked.
	Audience  string            // Expected aud claim. Empty = not checked.
}

// Authenticator validates bearer credentials.
type Authenticator struct {
	keys     map[string]string
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// New creates an Authenticator. It fails when the JWT secret is too short.
func New(cfg Config) (*Authenticator, error) {
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	}
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, user := range cfg.APIKeys {
		if k == "" || user == "" {
			continue
		}
		keys[k] = user
	}
	a := &Authenticator{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	return a, nil
}

// Enabled reports whether any credential is configured. A disabled
// Authenticator accepts every request as AnonymousUser.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.keys) > 0 || len(a.secret) > 0)
}

// Authenticate resolves a raw bearer token.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if !a.Enabled() {
		return Principal{UserID: AnonymousUser, Method: MethodNone}, nil
	}
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
	}

	// Compare against every key so timing does not depend on which matched.
	userID := ""
	for key, user := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			userID = user
		}
	}
	if userID != "" {
		return Principal{UserID: userID, Method: MethodAPIKey}, nil
	}

	if len(a.secret) > 0 && strings.Count(token, ".") == 2 {
		subject, err := a.parseJWT(token)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return Principal{UserID: subject, Method: MethodJWT}, nil
	}
	return Principal{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
}

// AuthenticateRequest reads the token from "Authorization: Bearer" or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (Principal, error) {
	return a.Authenticate(TokenFromRequest(r))
}

// TokenFromRequest extracts a bearer token from r. Returns "" if absent.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// IssueToken signs an HS256 token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrTokensDisabled
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := a.now()
	claims := jwtlib.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	if a.audience != "" {
		claims.Audience = jwtlib.ClaimStrings{a.audience}
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parseJWT(token string) (string, error) {
	claims := &jwtlib.RegisteredClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}, a.parserOptions()...)
	if err != nil {
		return "", fmt.Errorf("invalid JWT: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("invalid JWT")
	}
	if claims.Subject == "" {
		return "", errors.New("JWT missing sub claim")
	}
	return claims.Subject, nil
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.audience))
	}
	return opts
}
