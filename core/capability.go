package core

import "strings"

// Capability is a named permission one peer grants another.
type Capability string

const (
	// CapabilityChat allows the subject to send us direct chat messages.
	CapabilityChat Capability = "chat"

	// CapabilityWallRead allows the subject to fetch our wall and board posts.
	CapabilityWallRead Capability = "wall_read"

	// CapabilityCall allows the subject to place calls to us.
	CapabilityCall Capability = "call"
)

// StandardCapabilities is the set granted as a unit by grant-all.
var StandardCapabilities = []Capability{CapabilityChat, CapabilityWallRead, CapabilityCall}

// IsKnown returns true for the capabilities this node understands.
// Unknown capability names are rejected at the command surface.
func (c Capability) IsKnown() bool {
	switch c {
	case CapabilityChat, CapabilityWallRead, CapabilityCall:
		return true
	}
	return false
}

// Channel names a content stream a peer publishes: its wall, or one of the
// community boards it hosts.
type Channel string

const (
	// ChannelWall is a peer's personal wall.
	ChannelWall Channel = "wall"

	boardPrefix = "board/"
)

// BoardChannel returns the channel name for a community board.
func BoardChannel(boardID string) Channel {
	return Channel(boardPrefix + boardID)
}

// IsBoard returns true if the channel is a community board.
func (c Channel) IsBoard() bool {
	return strings.HasPrefix(string(c), boardPrefix)
}

// BoardID returns the board identifier for a board channel, or "" for others.
func (c Channel) BoardID() string {
	if !c.IsBoard() {
		return ""
	}
	return strings.TrimPrefix(string(c), boardPrefix)
}

// IsValid returns true if the channel name is well formed.
func (c Channel) IsValid() bool {
	if c == ChannelWall {
		return true
	}
	return c.IsBoard() && c.BoardID() != ""
}
