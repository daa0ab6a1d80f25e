package service

import "context"

type contextKey string

const (
	operatorKey contextKey = "operator"
	traceIDKey  contextKey = "trace_id"
)

// OperatorInfo defines the structured identity of a user
type OperatorInfo struct {
	UserID string
	Name   string
	Role   string
}

// WithOperator injects the operator info into the context
func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// GetOperatorInfo retrieves the operator info from the context
func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	val, ok := ctx.Value(operatorKey).(*OperatorInfo)
	if !ok {
		return nil
	}
	return val
}

// GetOperator returns the operator name, or "system" for background work.
func GetOperator(ctx context.Context) string {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return "system"
	}
	return op.Name
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
