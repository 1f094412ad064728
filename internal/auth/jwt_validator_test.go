package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func TestTokenValidator(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := TokenValidator{
		Issuer:    "payment-orchestrator",
		Audience:  "ops",
		Scope:     OperatorScope,
		ClockSkew: time.Second,
		Algorithm: jwa.HS256,
	}

	type claims struct {
		issuer    string
		subject   string
		notBefore time.Time
		expires   time.Time
		scope     any
	}
	valid := func() claims {
		return claims{
			issuer:  "payment-orchestrator",
			subject: "ops@example.com",
			expires: now.Add(time.Minute),
			scope:   "payments:read payments:operate",
		}
	}
	build := func(c claims) jwt.Token {
		b := jwt.NewBuilder().
			Issuer(c.issuer).
			Audience([]string{"ops"}).
			Subject(c.subject).
			IssuedAt(now).
			Expiration(c.expires)
		if !c.notBefore.IsZero() {
			b = b.NotBefore(c.notBefore)
		}
		if c.scope != nil {
			b = b.Claim(ScopeClaim, c.scope)
		}
		tok, err := b.Build()
		require.NoError(t, err)
		return tok
	}

	cases := []struct {
		name      string
		mutate    func(*claims)
		algorithm jwa.SignatureAlgorithm
		wantErr   bool
	}{
		{name: "space separated scope", mutate: func(*claims) {}},
		{name: "scope list", mutate: func(c *claims) { c.scope = []any{"payments:operate"} }},
		{name: "expiry within skew", mutate: func(c *claims) { c.expires = now.Add(-500 * time.Millisecond) }},
		{name: "wrong issuer", mutate: func(c *claims) { c.issuer = "storefront" }, wantErr: true},
		{name: "expired", mutate: func(c *claims) { c.expires = now.Add(-time.Minute) }, wantErr: true},
		{name: "not yet valid", mutate: func(c *claims) { c.notBefore = now.Add(5 * time.Minute) }, wantErr: true},
		{name: "missing subject", mutate: func(c *claims) { c.subject = "" }, wantErr: true},
		{name: "read-only scope", mutate: func(c *claims) { c.scope = "payments:read" }, wantErr: true},
		{name: "no scope claim", mutate: func(c *claims) { c.scope = nil }, wantErr: true},
		{name: "other algorithm", mutate: func(*claims) {}, algorithm: jwa.RS256, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			alg := tc.algorithm
			if alg == "" {
				alg = jwa.HS256
			}
			err := validator.Validate(build(c), alg, now)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
