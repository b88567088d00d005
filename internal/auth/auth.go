package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

// TokenCookie is checked when no Authorization header is present.
const TokenCookie = "auth_token"

var ErrInvalidToken = errors.New("invalid token")

// User is the authenticated caller. Sessions are issued by the main
// application; this service only verifies them.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Kanzlei string `json:"kanzlei,omitempty"`
}

type Claims struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Kanzlei string `json:"kanzlei,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	JwtSecret string
	Issuer    string
	Audience  string
	Enabled   bool
}

type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	enabled  bool
}

func New(cfg Config) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JwtSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		enabled:  cfg.Enabled,
	}
}

// Enabled reports whether requests must carry a token. A nil Authenticator
// lets everything through.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// GenerateJWT signs a token for user valid for ttl.
func (a *Authenticator) GenerateJWT(user User, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Name:    user.Name,
		Email:   user.Email,
		Role:    user.Role,
		Kanzlei: user.Kanzlei,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.ID,
			Issuer:    a.issuer,
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateJWT validates and parses a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*User, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth: no signing secret configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &User{
		ID:      claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    claims.Role,
		Kanzlei: claims.Kanzlei,
	}, nil
}

// Middleware extracts and validates the bearer token if auth is enabled.
// If auth is disabled, it allows all requests through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := bearerToken(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		user, err := a.ValidateJWT(tokenString)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("rejected token")
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// GetUserFromContext extracts user from request context
func GetUserFromContext(r *http.Request) *User {
	if user, ok := r.Context().Value(UserContextKey).(*User); ok {
		return user
	}
	return nil
}
