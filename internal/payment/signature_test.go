package payment_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-orchestrator/internal/payment"
)

func TestVerifierHexScheme(t *testing.T) {
	v := payment.Verifier{Header: "X-CC-Webhook-Signature", Secret: "whsec", Scheme: payment.SchemeHex}
	body := []byte(`{"event":{"type":"charge:confirmed"}}`)

	h := http.Header{}
	h.Set("X-CC-Webhook-Signature", payment.SignHex("whsec", body))
	require.NoError(t, v.Verify(h, body))

	tampered := []byte(`{"event":{"type":"charge:confirmed","x":1}}`)
	require.ErrorIs(t, v.Verify(h, tampered), payment.ErrInvalidSignature)

	h.Set("X-CC-Webhook-Signature", payment.SignHex("whsec", tampered))
	require.NoError(t, v.Verify(h, tampered))
}

func TestVerifierFailsClosed(t *testing.T) {
	body := []byte(`{}`)
	signed := http.Header{}
	signed.Set("x-callback-signature", payment.SignHex("secret", body))

	cases := map[string]struct {
		v payment.Verifier
		h http.Header
	}{
		"missing secret": {payment.Verifier{Header: "x-callback-signature"}, signed},
		"missing header": {payment.Verifier{Header: "x-callback-signature", Secret: "secret"}, http.Header{}},
		"wrong secret":   {payment.Verifier{Header: "x-callback-signature", Secret: "other"}, signed},
		"no header name": {payment.Verifier{Secret: "secret"}, signed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, tc.v.Verify(tc.h, body), payment.ErrInvalidSignature)
		})
	}
}

func TestVerifierTimestampedScheme(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := payment.Verifier{
		Header:       "Stripe-Signature",
		Secret:       "whsec",
		Scheme:       payment.SchemeTimestamped,
		SignatureKey: "v1",
		Tolerance:    5 * time.Minute,
		Now:          func() time.Time { return now },
	}
	body := []byte(`{"type":"checkout.session.completed"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set("Stripe-Signature", "t="+ts+",v1=deadbeef,v1="+payment.SignTimestamped("whsec", ts, body))
	require.NoError(t, v.Verify(h, body))

	stale := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	h.Set("Stripe-Signature", "t="+stale+",v1="+payment.SignTimestamped("whsec", stale, body))
	require.ErrorIs(t, v.Verify(h, body), payment.ErrInvalidSignature)

	h.Set("Stripe-Signature", "v1="+payment.SignTimestamped("whsec", ts, body))
	require.ErrorIs(t, v.Verify(h, body), payment.ErrInvalidSignature)
}
