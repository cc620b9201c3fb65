// Package feed synchronizes wall and board content between peers. Content
// is item-based: every post, edit, and tombstone is an immutable signed
// item ordered by its author's Lamport clock. The engine fetches pages of
// items from peers it holds wall_read on, serves pages to peers holding
// wall_read here, and pushes tombstones to relay contacts replicating this
// node's wall.
package feed

import (
	"github.com/rookery-im/rookery-go/core"
)

// ApplyResult classifies what Apply did with an item.
type ApplyResult int

const (
	// Applied means the item became the accepted version of its ID.
	Applied ApplyResult = iota
	// Duplicate means the same version was already accepted.
	Duplicate
	// Stale means a newer version or a terminal tombstone already holds
	// the ID.
	Stale
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// ItemStore holds accepted items, exactly one version per (author, id).
//
// Apply enforces the acceptance rule: a candidate replaces the held version
// only when its Lamport clock is strictly higher, and a held tombstone only
// yields to a newer tombstone. Rejections are results, not errors.
type ItemStore interface {
	Apply(item core.Item) (ApplyResult, error)

	// Get returns the accepted version for (author, id), or (nil, nil)
	// when none is held.
	Get(author core.PeerID, id string) (*core.Item, error)

	// Channel returns every held item for a channel, tombstones included
	// when withTombstones is set, ordered by (lamport, author, id) so
	// pagination is deterministic.
	Channel(channel core.Channel, withTombstones bool) ([]core.Item, error)

	// ByAuthor returns one author's held items for a channel, ordered as
	// Channel orders.
	ByAuthor(channel core.Channel, author core.PeerID) ([]core.Item, error)

	// MaxClock returns the highest accepted Lamport clock for an author,
	// 0 when none, used to seed the local counter at startup.
	MaxClock(author core.PeerID) (uint64, error)
}
