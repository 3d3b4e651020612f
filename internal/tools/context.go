package tools

import "context"

// Tool execution context keys. Values are injected by the agent loop
// before each call and read by individual tools during Execute, keeping
// tool instances free of per-call mutable state.

type toolContextKey string

const ctxSessionID toolContextKey = "tool_session_id"

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}
