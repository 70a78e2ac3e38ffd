package almoner

import "context"

// SystemActor is recorded when no actor is attached to the context.
const SystemActor = "system"

type actorKey struct{}

// WithActor returns a context that records actor as the initiator of
// decisions and submissions made with it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
