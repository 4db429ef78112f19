package tools

import "context"

// Route identifies the conversation a tool call acts on behalf of.
// The agent loop attaches it to the context before each LM iteration;
// message, spawn, and cron tools read it back. Carrying the pair as a
// per-call value keeps tool instances free of per-request state.
type Route struct {
	Channel string
	ChatID  string
}

type routeKey struct{}

// WithRoute attaches the conversation route to the context.
func WithRoute(ctx context.Context, route Route) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFrom extracts the conversation route from the context.
func RouteFrom(ctx context.Context) (Route, bool) {
	route, ok := ctx.Value(routeKey{}).(Route)
	return route, ok
}
