package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ScopeClaim is the private claim carrying space-separated operator scopes.
const ScopeClaim = "scope"

// TokenValidator validates structural and contextual properties of operator tokens.
type TokenValidator struct {
	Issuer    string
	Audience  string
	Scope     string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

// Validate checks issuer, audience, expiry, algorithm and the required scope.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}

	if algorithm == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}
	if tok.Subject() == "" {
		return errors.New("auth: token missing subject")
	}
	if v.Scope != "" && !HasScope(tok, v.Scope) {
		return fmt.Errorf("auth: token lacks scope %s", v.Scope)
	}
	return nil
}

// HasScope reports whether the token's scope claim lists want.
func HasScope(tok jwt.Token, want string) bool {
	raw, ok := tok.Get(ScopeClaim)
	if !ok {
		return false
	}
	var scopes []string
	switch v := raw.(type) {
	case string:
		scopes = strings.Fields(v)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	case []string:
		scopes = v
	}
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
