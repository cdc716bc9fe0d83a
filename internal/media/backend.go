// Package media is the conferencing backend boundary: the component that
// owns live connections and can be told to drop one. The record store stays
// authoritative; this backend's live state is a cache of it.
package media

import "context"

// RoomStatus describes the live state of one media room.
type RoomStatus struct {
	Exists        bool `json:"exists"`
	HostConnected bool `json:"host_connected"`
	Connections   int  `json:"connections"`
}

// Backend is the conferencing collaborator used by the moderation
// coordinator and read surfaces.
type Backend interface {
	// DropConnection severs one participant's live connection in a room.
	// Dropping an absent connection is a no-op success.
	DropConnection(ctx context.Context, roomRef, participantRef string) error
	// RoomStatus reports whether a room is live and how many connections it holds.
	RoomStatus(ctx context.Context, roomRef string) (RoomStatus, error)
}
