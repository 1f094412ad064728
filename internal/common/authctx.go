package common

import "context"

type ctxKey string

const operatorKey ctxKey = "auth/operator"

// WithOperator stores the authenticated operator subject on the context.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// Operator extracts the authenticated operator subject from the context if present.
func Operator(ctx context.Context) (string, bool) {
	v := ctx.Value(operatorKey)
	if v == nil {
		return "", false
	}
	subject, ok := v.(string)
	return subject, ok && subject != ""
}
