/*
middleware.go - Identity and anti-replay for the HTTP surface

PURPOSE:
  Turns an HTTP request into a ledger.RequestContext. Identity comes from a
  bearer JWT (HS256, claims "sub" and "role"); the anti-replay token comes
  from the X-CSRF-Token header and is checked by HMACGuard inside the
  ledger service, not here.

  Requests without an Authorization header pass through anonymously. The
  service rejects them with ErrUnauthorized, so read-only routes and
  mutating routes share one code path.

SEE ALSO:
  - ledger/service.go: authorize, authorizeRead
  - cmd/server/main.go: token command for local development
*/
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/payment-ledger/ledger"
)

// CSRFHeader carries the anti-replay token.
const CSRFHeader = "X-CSRF-Token"

// Claims is the JWT body the identity provider issues.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// IssueToken signs a token for actor. Used by the CLI and tests; production
// tokens come from the identity provider.
func IssueToken(secret []byte, actor ledger.Actor, ttl time.Duration) (string, error) {
	if actor.Role == ledger.RoleSystem {
		return "", errSystemRole
	}
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "payment-ledger",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// errSystemRole rejects tokens claiming the system role. That role belongs
// to in-process callers (ledger.SystemContext) only.
var errSystemRole = errors.New("system role cannot be asserted by a token")

// ParseToken validates a bearer token and returns its actor.
func ParseToken(secret []byte, raw string) (ledger.Actor, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return ledger.Actor{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return ledger.Actor{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return ledger.Actor{}, errors.New("token has no subject")
	}
	if ledger.Role(claims.Role) == ledger.RoleSystem {
		return ledger.Actor{}, errSystemRole
	}
	return ledger.Actor{ID: claims.Subject, Role: ledger.Role(claims.Role)}, nil
}

// Authenticate resolves the caller and stores a ledger.RequestContext on the
// request context. A malformed or expired token is a 401; a missing one is
// an anonymous caller.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := ledger.RequestContext{
				CSRFToken: r.Header.Get(CSRFHeader),
				RequestID: middleware.GetReqID(r.Context()),
			}

			if header := r.Header.Get("Authorization"); header != "" {
				raw, ok := strings.CutPrefix(header, "Bearer ")
				if !ok || raw == "" {
					writeError(w, http.StatusUnauthorized, "authorization must be a bearer token", nil)
					return
				}
				actor, err := ParseToken(secret, raw)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "invalid or expired token", err)
					return
				}
				rc.Actor = actor
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestContext returns the caller set by Authenticate, or an anonymous one.
func requestContext(r *http.Request) ledger.RequestContext {
	if rc, ok := r.Context().Value(ctxKey{}).(ledger.RequestContext); ok {
		return rc
	}
	return ledger.RequestContext{RequestID: middleware.GetReqID(r.Context())}
}

// =============================================================================
// ANTI-REPLAY
// =============================================================================

// HMACGuard accepts a token equal to hex(HMAC-SHA256(secret, actorID)).
type HMACGuard struct {
	secret []byte
}

func NewHMACGuard(secret []byte) *HMACGuard {
	return &HMACGuard{secret: secret}
}

// Token returns the token the frontend must echo for actorID.
func (g *HMACGuard) Token(actorID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(actorID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *HMACGuard) Check(rc ledger.RequestContext) error {
	if rc.CSRFToken == "" {
		return errors.New("missing anti-replay token")
	}
	expected := g.Token(rc.Actor.ID)
	if !hmac.Equal([]byte(rc.CSRFToken), []byte(expected)) {
		return errors.New("invalid anti-replay token")
	}
	return nil
}
