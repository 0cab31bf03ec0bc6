package proxy

import "context"

type contextKey string

const (
	instanceKey contextKey = "instance"
	decisionKey contextKey = "decision"
)

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey, inst)
}

// InstanceFrom returns the authenticated instance, or nil.
func InstanceFrom(ctx context.Context) *Instance {
	if v, ok := ctx.Value(instanceKey).(*Instance); ok {
		return v
	}
	return nil
}

func withDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFrom returns the gate's admission decision; the zero value means
// admitted without substitution.
func DecisionFrom(ctx context.Context) Decision {
	if v, ok := ctx.Value(decisionKey).(Decision); ok {
		return v
	}
	return Decision{}
}
