package api

import "context"

type contextKey string

const (
	ctxKeyOperator  contextKey = "operator"
	ctxKeyRequestID contextKey = "request_id"
)

func withOperator(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyOperator, id)
}

// operatorFromCtx returns the authenticated operator ID, or 0.
func operatorFromCtx(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyOperator).(int64)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
