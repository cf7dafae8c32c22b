package domain

import "time"

type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionDetached
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionDetached:
		return "detached"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Owner identifies who created a session. Used only for ownership
// comparison on resume; never for transport-level auth.
type Owner struct {
	Principal string
	Address   string
}

// Matches compares by authenticated principal first. The network address
// is consulted only when no principal is present on either side.
func (o Owner) Matches(other Owner) bool {
	if o.Principal != "" && other.Principal != "" {
		return o.Principal == other.Principal
	}
	return o.Address != "" && o.Address == other.Address
}

func (o Owner) IsZero() bool {
	return o.Principal == "" && o.Address == ""
}

// Client is a connected transport client as seen by the core.
type Client struct {
	ID    string
	Owner Owner
	Role  Role
}

type Role string

const (
	RoleViewer Role = "Viewer"
	RoleUser   Role = "User"
)

// ParseRole treats unknown role strings as User, matching the lenient
// handling of externally derived roles.
func ParseRole(s string) Role {
	if s == string(RoleViewer) {
		return RoleViewer
	}
	return RoleUser
}

// SessionInfo is a point-in-time view of a session for inspection APIs.
type SessionInfo struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Rows         int       `json:"rows"`
	Cols         int       `json:"cols"`
	ClientCount  int       `json:"client_count"`
	LastActivity time.Time `json:"last_activity"`
}
