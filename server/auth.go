package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tgruben-circuit/kira/db"
)

// tokenTTL bounds how long a login token stays valid. Workers re-login
// on 401 so a short-ish window costs nothing.
const tokenTTL = 24 * time.Hour

// Claims is the JWT payload for a logged-in user.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth mints and verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
}

// NewAuth builds a token authority. An empty secret gets a random one,
// which means tokens do not survive a server restart; fine for dev,
// set KIRA_AUTH_SECRET in production.
func NewAuth(secret []byte) (*Auth, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	}
	return &Auth{secret: secret}, nil
}

// Token issues a signed token for the user.
func (a *Auth) Token(user *db.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (a *Auth) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: verify token: %w", err)
	}
	return &claims, nil
}

type ctxKey int

const userKey ctxKey = 0

// userFrom returns the authenticated user recorded by requireUser.
func userFrom(ctx context.Context) *db.User {
	u, _ := ctx.Value(userKey).(*db.User)
	return u
}

// requireUser rejects requests without a valid bearer token and stashes
// the user on the request context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.auth.Verify(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		user := &db.User{ID: claims.Subject, Username: claims.Username}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}
