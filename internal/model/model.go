// Package model defines domain entities used by services and repositories.
package model

import (
	"io"
	"time"
)

// RoleAdmin is the role name allowed to use administrative endpoints.
const RoleAdmin = "admin"

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Identity is the verified caller taken from a session token.
type Identity struct {
	UserID int64
	Role   string // empty when the user holds no role
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// User represents an account stored on the server.
type User struct {
	ID        int64
	Name      string
	Email     string // unique
	PwdHash   []byte // bcrypt
	GroupID   *int64 // nil when the user belongs to no group
	CreatedAt time.Time
}

// Group is a named collection of users owning one configuration payload.
type Group struct {
	ID   int64
	Name string
	// DataSHA1 is nil iff no payload has ever been published for the group.
	DataSHA1  *string
	UpdatedAt time.Time
}

// Role is a named permission bucket.
type Role struct {
	ID   int64
	Name string
}

// DeviceKey identifies one agent installation of a user.
type DeviceKey struct {
	UserID     int64
	Identifier string
	DeviceID   string
}

// AppUserActivation is durable proof that a user/device pair is an active installation.
type AppUserActivation struct {
	ID int64
	DeviceKey
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeactivationRequest is a pending-or-granted uninstall request of an agent.
type DeactivationRequest struct {
	ID int64
	DeviceKey
	Granted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeactivationStatus is the outcome of one agent poll.
type DeactivationStatus int

const (
	// DeactivationPending means the request exists but has not been granted yet.
	DeactivationPending DeactivationStatus = iota
	// DeactivationApproved means the grant was consumed and the activation removed.
	DeactivationApproved
)

func (s DeactivationStatus) String() string {
	switch s {
	case DeactivationPending:
		return "pending"
	case DeactivationApproved:
		return "approved"
	default:
		return "unknown"
	}
}

// Payload is an open group configuration bundle ready to be streamed.
type Payload struct {
	Content io.ReadSeekCloser
	Size    int64
	ModTime time.Time
	SHA1    string // group hash at the time of the fetch; may be empty
}
