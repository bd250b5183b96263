// Package competition exposes the read-only boundary to the authoritative
// competition records. The relational store itself lives elsewhere; this
// module only needs to resolve who hosts a duel, who the accepted opponent
// is, and whether the duel is live.
package competition

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("competition not found")

// Role of a participant within a duel.
type Role string

const (
	RoleHost     Role = "host"
	RoleOpponent Role = "opponent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleOpponent
}

// Record is the authoritative view of a duel competition.
type Record struct {
	ID         string `json:"id"`
	HostID     string `json:"host_id"`
	OpponentID string `json:"opponent_id"`
	Live       bool   `json:"live"`
}

// RoleOf returns the role the given user holds in this competition,
// or "" if the user is not a participant.
func (r *Record) RoleOf(userID string) Role {
	switch userID {
	case r.HostID:
		return RoleHost
	case r.OpponentID:
		return RoleOpponent
	default:
		return ""
	}
}

// Store resolves competition records.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
}

// RoomID returns the signaling room key for a competition.
func RoomID(competitionID string) string {
	return "comp_" + competitionID
}
