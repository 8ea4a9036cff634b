package ports

import "context"

// ActivityOracle reports whether a session can currently receive and emit live
// messages. Activity state is owned by the session-lifecycle collaborator; the
// broadcast core only queries it when handling subscribe requests.
type ActivityOracle interface {
	IsActive(ctx context.Context, sessionID string) bool
}
