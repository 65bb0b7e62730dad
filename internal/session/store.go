package session

import "context"

// Store is the persistence and arbitration surface for sessions.
//
// Implementations must serialize control-token mutation per session so that
// two concurrent grants can never both leave their target holding control
// (MemoryStore uses a per-session mutex, RedisStore an optimistic WATCH
// transaction).
type Store interface {
	// Create stores a new active session with the host as its only
	// participant. The caller supplies the provisioned sandbox endpoint and
	// credential.
	Create(ctx context.Context, name, workspaceID, hostUserID, endpoint, credential string) (*Session, error)

	Get(ctx context.Context, sessionID string) (*Session, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error)
	Participants(ctx context.Context, sessionID string) ([]*Participant, error)

	// Join adds userID as a participant. It is idempotent: a user who already
	// joined gets their existing participant back.
	Join(ctx context.Context, sessionID, userID string) (*Participant, error)

	// Leave removes the participant. If the leaving participant owns the
	// control token the token becomes unowned; it is never reassigned
	// automatically.
	Leave(ctx context.Context, sessionID, userID string) error

	// End is host-only. It marks the session ended and evicts all
	// participants.
	End(ctx context.Context, sessionID, requesterID string) error

	// SetControl is host-only. grant=true atomically moves the token to the
	// target participant, clearing any previous owner. grant=false clears the
	// token only if the target currently owns it.
	SetControl(ctx context.Context, sessionID, requesterID, targetUserID string, grant bool) error

	// ControlOwner returns the user ID of the current token owner, or ""
	// when the token is unowned.
	ControlOwner(ctx context.Context, sessionID string) (string, error)
}
