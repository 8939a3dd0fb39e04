package toolregistry

import "context"

// State is the key-value scratch space a tool may use to remember cross-turn facts.
type State interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// CallInfo describes the invocation a handler is running under.
type CallInfo struct {
	InvocationID string
	CallID       string
	SessionKey   string
	SessionState State
	UserState    State
}

type callInfoKey struct{}

// ContextWithCallInfo attaches call information to a context for tool handlers.
func ContextWithCallInfo(ctx context.Context, info *CallInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if info == nil {
		return ctx
	}
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext extracts call information, or nil when invoked outside a run.
func CallInfoFromContext(ctx context.Context) *CallInfo {
	if ctx == nil {
		return nil
	}
	if info, ok := ctx.Value(callInfoKey{}).(*CallInfo); ok {
		return info
	}
	return nil
}
