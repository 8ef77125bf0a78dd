package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "clinicsync"
	scopeRead     = "sync:read"
	scopeWrite    = "sync:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// authorizeBearer validates an HS256 token for this service and checks that
// it grants requiredScope. The subject claim is the patient's user id.
func authorizeBearer(raw, jwtSecret, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseToken(raw, jwtSecret string, now time.Time) (*tokenClaims, *authError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	default:
		return "invalid token"
	}
}

// bearerToken reads the Authorization header. Websocket clients that
// cannot set headers may pass access_token in the query string instead.
func bearerToken(r *http.Request, allowQuery bool) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if allowQuery {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
