package audit

import "context"

// Context key type
type contextKey string

const (
	actorKey    contextKey = "audit_actor"
	endpointKey contextKey = "audit_endpoint"
)

// Anonymous is the actor of requests that carry no identity.
const Anonymous = "anonymous"

// CronActor is the actor of scheduled backups.
const CronActor = "cron-job"

// Caller identifies where a guarded operation came from.
type Caller struct {
	Endpoint string
	Method   string
}

// WithActor adds the acting user's email to ctx.
func WithActor(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, actorKey, email)
}

// ActorFrom returns the acting user, or Anonymous.
func ActorFrom(ctx context.Context) string {
	email, ok := ctx.Value(actorKey).(string)
	if !ok || email == "" {
		return Anonymous
	}
	return email
}

// WithCaller adds the calling endpoint and method to ctx.
func WithCaller(ctx context.Context, endpoint, method string) context.Context {
	return context.WithValue(ctx, endpointKey, Caller{Endpoint: endpoint, Method: method})
}

// CallerFrom returns the caller stored in ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(endpointKey).(Caller)
	return c, ok
}
