package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func normalizeSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func TestTransitionSQLOnlyMovesPendingRows(t *testing.T) {
	q := normalizeSQL(transitionSQL)
	require.True(t, strings.HasPrefix(q, "UPDATE payment_transactions SET status = $2"))
	require.Contains(t, q, "WHERE transaction_id = $1 AND status = 'PENDING' RETURNING")
	require.Contains(t, q, "completed_at = $4")
	require.True(t, strings.HasSuffix(q, normalizeSQL(recordColumns)))
}

func TestSetReferenceSQLKeepsExistingReference(t *testing.T) {
	q := normalizeSQL(setReferenceSQL)
	require.Contains(t, q, "SET provider_reference = $2")
	require.Contains(t, q, "WHERE transaction_id = $1 AND provider_reference = ''")
}

func TestStalePendingSQLOrdersByReconcileCursor(t *testing.T) {
	q := normalizeSQL(stalePendingSQL)
	require.Contains(t, q, "WHERE status = 'PENDING' AND created_at < $1")
	require.Contains(t, q, "ORDER BY last_reconciled_at ASC NULLS FIRST, created_at ASC, transaction_id ASC LIMIT $2")
}

func TestAppendLogSQLWritesRawAndJSONColumns(t *testing.T) {
	q := normalizeSQL(appendLogSQL)
	require.Contains(t, q, "request, response, request_json, response_json")
	require.Equal(t, 11, strings.Count(q, "$"))
}

func TestLogColumnArguments(t *testing.T) {
	require.Nil(t, bytesOrNil(nil))
	require.Equal(t, []byte("not json"), bytesOrNil(Body("not json")))
	require.Nil(t, jsonOrNil(Body("not json")))
	require.Equal(t, `{"a":1}`, jsonOrNil(Body(`{"a":1}`)))
}
