package core

import (
	"fmt"
	"strings"
)

// Role is the static replication role of a node.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// ParseRole accepts "leader"/"follower" and the legacy "master"/"slave" names.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "leader", "master":
		return RoleLeader, nil
	case "follower", "slave":
		return RoleFollower, nil
	default:
		return "", fmt.Errorf("invalid replication role %q", s)
	}
}

func (r Role) String() string { return string(r) }

// Mode is the leader's replication mode.
type Mode int

const (
	// ModeNormal: synchronous appends wait for the follower.
	ModeNormal Mode = iota
	// ModeMasterOnly: replication fell behind a caller's deadline; appends
	// are accepted without waiting while the follower is behind.
	ModeMasterOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeMasterOnly:
		return "master-only"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once for an asynchronous append: with true
// after the record is confirmed on the follower, with false if the log shuts
// down first.
type Callback func(ok bool)

// ApplyFunc applies a replicated payload to namespace state. The payload is
// opaque to the replication layer.
type ApplyFunc func(payload []byte)

// Offsets is a snapshot of the two log positions.
type Offsets struct {
	Current uint64
	Synced  uint64
}

// Lag is the number of bytes appended locally but not yet confirmed.
func (o Offsets) Lag() uint64 {
	return o.Current - o.Synced
}
