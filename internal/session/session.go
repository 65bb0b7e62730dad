// Package session holds the server-side data model for collaborative
// browser sessions: the session itself, its participants, and the single
// control token arbitrated by the host.
package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session (or target participant) does not
	// exist.
	ErrNotFound = errors.New("session: not found")

	// ErrAlreadyEnded is returned when joining a session whose status is ended.
	ErrAlreadyEnded = errors.New("session: already ended")

	// ErrAuthorization is returned when a non-host invokes a host-only
	// operation.
	ErrAuthorization = errors.New("session: not authorized")
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Session is a collaborative browser session. The host is fixed at creation;
// Endpoint/Credential point at the provisioned remote browser sandbox.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkspaceID string    `json:"workspaceId"`
	HostUserID  string    `json:"hostUserId"`
	Status      Status    `json:"status"`
	Endpoint    string    `json:"endpoint"`
	Credential  string    `json:"credential"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Participant is a user's membership in a session. Unique per
// (session, user). HasControl mirrors the session's control token owner: at
// any instant at most one participant of a session has it set.
type Participant struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	Role       Role      `json:"role"`
	HasControl bool      `json:"hasControl"`
	JoinedAt   time.Time `json:"joinedAt"`
}
