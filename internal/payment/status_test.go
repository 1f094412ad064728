package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// documented native vocabularies per provider.
var nativeVocabulary = map[string]struct {
	table  statusTable
	values []string
}{
	stripeName: {stripeStatuses, []string{
		"open:unpaid", "open:paid", "complete:paid", "complete:no_payment_required",
		"complete:unpaid", "expired:unpaid", "expired:paid",
		"checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed",
		"checkout.session.expired", "payment_intent.payment_failed", "payment_intent.canceled",
		"payment_intent.succeeded",
	}},
	fedapayName: {fedapayStatuses, []string{
		"pending", "approved", "transferred", "refunded", "declined", "canceled", "expired",
	}},
	coinbaseName: {coinbaseStatuses, []string{
		"NEW", "PENDING", "UNRESOLVED", "COMPLETED", "RESOLVED", "EXPIRED", "CANCELED",
		"REFUND PENDING", "REFUNDED", "charge:created", "charge:pending", "charge:delayed",
		"charge:confirmed", "charge:resolved", "charge:failed",
	}},
	xenditName: {xenditStatuses, []string{
		"PENDING", "PAID", "SETTLED", "EXPIRED", "FAILED", "invoice.paid_pending_verification",
	}},
}

func TestStatusTablesCoverNativeVocabulary(t *testing.T) {
	for provider, vocab := range nativeVocabulary {
		for _, native := range vocab.values {
			_, ok := vocab.table[strings.ToLower(native)]
			require.Truef(t, ok, "%s: %q has no canonical mapping", provider, native)
			require.Truef(t, vocab.table.lookup(native).Valid(), "%s: %q maps outside the canonical set", provider, native)
		}
		for native, status := range vocab.table {
			require.Truef(t, status.Valid(), "%s: %q maps to %q", provider, native, status)
		}
	}
}

func TestStatusTablesDefaultUnknownToPending(t *testing.T) {
	for provider, vocab := range nativeVocabulary {
		for _, native := range []string{"", "mystery", "SUCCESS?", "charge:unknown"} {
			require.Equalf(t, StatusPending, vocab.table.lookup(native), "%s: %q", provider, native)
		}
	}
}

func TestStatusTerminality(t *testing.T) {
	require.False(t, StatusPending.IsTerminal())
	require.True(t, StatusSuccess.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())

	s, ok := ParseStatus(" success ")
	require.True(t, ok)
	require.Equal(t, StatusSuccess, s)
	_, ok = ParseStatus("PAID")
	require.False(t, ok)
}
